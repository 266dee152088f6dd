package client

import (
	"crypto"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/cpu/acmeclient/acme/keys"
)

// acmeSigAlgs is the set of JWS algorithms this client produces and will
// accept when reparsing its own output.
var acmeSigAlgs = []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.ES384, jose.ES512}

// SigningOptions allows specifying signature related options when calling the
// Client's Sign function.
type SigningOptions struct {
	// If true, embed the public key of the signing key as a JWK in the signed
	// JWS instead of using a KeyID header. This is required for endpoints
	// like newAccount and for revokeCert signed by the certificate key.
	// Setting EmbedKey to true is mutually exclusive with a non-empty KeyID.
	EmbedKey bool
	// If not-empty, a KeyID value to use for the JWS Key ID header to identify
	// the ACME account. If empty the ActiveAccount's ID field will be used.
	// Providing a KeyID is mutually exclusive with setting EmbedKey to true.
	KeyID string
	// If not-nil, a private key to use to sign the JWS. The associated public
	// key will be computed and used for the embedded JWK if EmbedKey is true.
	// If nil the key is assumed to be the ActiveAccount's key. The JWS "alg"
	// header always matches this key, RS256 for RSA and the curve-matched
	// ES* for ECDSA.
	Signer crypto.Signer
	// NonceSource is a jose.NonceSource implementation that provides the
	// Replay-Nonce header value for the produced JWS. When nil the client
	// fetches a nonce from its pool at request time.
	NonceSource jose.NonceSource
	// OmitNonce produces a JWS without a "nonce" protected header. The inner
	// JWS of a key rollover request is the one place the protocol requires
	// this; it is mutually exclusive with NonceSource.
	OmitNonce bool
}

// validate checks that the SigningOptions are sensible. This enforces the
// mutually exclusive KeyID and EmbedKey options, requires a NonceSource
// unless OmitNonce is set (and forbids both together), and ensures that the
// Signer is not nil. Because it checks that the Signer field
// is not nil it must only be called after populating a default (like an
// Account's key).
func (opts *SigningOptions) validate() error {
	if opts.KeyID != "" && opts.EmbedKey {
		return fmt.Errorf("SigningOptions validate: cannot specify both KeyID and EmbedKey")
	}
	if opts.KeyID == "" && !opts.EmbedKey {
		return fmt.Errorf("SigningOptions validate: you must specify a KeyID or EmbedKey")
	}
	if opts.NonceSource == nil && !opts.OmitNonce {
		return fmt.Errorf("SigningOptions validate: you must specify a NonceSource")
	}
	if opts.NonceSource != nil && opts.OmitNonce {
		return fmt.Errorf("SigningOptions validate: cannot specify both NonceSource and OmitNonce")
	}
	if opts.Signer == nil {
		return fmt.Errorf("SigningOptions validate: you must specify a private key")
	}
	return nil
}

// SignResult holds the input and output from a Sign operation.
type SignResult struct {
	// The url argument given to Sign.
	InputURL string
	// The data argument given to Sign.
	InputData []byte
	// The JWS produced by signing the given data.
	JWS *jose.JSONWebSignature
	// The JWS in flattened JSON serialized form. This is the request body
	// POSTed to the ACME server.
	SerializedJWS []byte
}

// Sign produces a SignResult by signing the provided data (with a protected
// URL header) according to the SigningOptions provided. If no Signer is
// specified in the SigningOptions then the ActiveAccount's key is used. If
// the SigningOptions specify not to embed a JWK but do not specify a Key ID
// to use then the ActiveAccount's ID is used as the JWS Key ID.
//
// The produced JWS uses the flattened JSON serialization with "protected",
// "payload" and "signature" members, each base64url encoded without padding.
// The protected header carries "alg", "nonce" (omitted when OmitNonce is
// set), "url" and exactly one of "jwk" or "kid".
//
// See https://tools.ietf.org/html/rfc8555#section-6.2
func (c *Client) Sign(url string, data []byte, opts *SigningOptions) (*SignResult, error) {
	if opts == nil {
		opts = &SigningOptions{}
	}
	// If there is no Signer and no ActiveAccount we can't proceed
	if opts.Signer == nil && c.ActiveAccount == nil {
		return nil, errors.New(
			"ActiveAccount is nil and no Signer was specified in SigningOptions")
	} else if opts.Signer == nil && c.ActiveAccount != nil {
		// If there is no specified Signer, use the ActiveAccount's key
		opts.Signer = c.ActiveAccount.Signer
	}

	// If there is no request to embed a JWK in the options and there is no
	// explicit KeyID provided use the ActiveAccount's ID as the KeyID.
	if !opts.EmbedKey && opts.KeyID == "" && c.ActiveAccount == nil {
		return nil, errors.New(
			"SigningOptions EmbedKey was false, no KeyID was specified, and " +
				"there is no ActiveAccount")
	} else if !opts.EmbedKey && opts.KeyID == "" && c.ActiveAccount != nil {
		opts.KeyID = c.ActiveAccount.ID
	}

	// Now that the defaults are populated check that the resulting options are
	// valid.
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if c.Output.PrintSignedData {
		c.Printf("Signing:\n%s\n", data)
	}

	var signResult *SignResult
	var err error
	if opts.EmbedKey {
		signResult, err = signEmbedded(url, data, *opts)
	} else {
		signResult, err = signKeyID(url, data, *opts)
	}

	if err == nil && c.Output.PrintJWS {
		c.Printf("JWS:\n%s\n", string(signResult.SerializedJWS))
	}
	return signResult, err
}

func signEmbedded(url string, data []byte, opts SigningOptions) (*SignResult, error) {
	alg, err := keys.SigAlgForKey(opts.Signer)
	if err != nil {
		return nil, err
	}

	signingKey := jose.SigningKey{
		Key:       opts.Signer,
		Algorithm: alg,
	}

	joseOpts := &jose.SignerOptions{
		EmbedJWK: true,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}
	if !opts.OmitNonce {
		joseOpts.NonceSource = opts.NonceSource
	}

	signer, err := jose.NewSigner(signingKey, joseOpts)
	if err != nil {
		return nil, err
	}

	return sign(signer, url, data)
}

func signKeyID(url string, data []byte, opts SigningOptions) (*SignResult, error) {
	if opts.KeyID == "" {
		return nil, fmt.Errorf("sign: empty KeyID")
	}

	signerKey, err := keys.SigningKeyForSigner(opts.Signer, opts.KeyID)
	if err != nil {
		return nil, err
	}

	joseOpts := &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}
	if !opts.OmitNonce {
		joseOpts.NonceSource = opts.NonceSource
	}

	signer, err := jose.NewSigner(signerKey, joseOpts)
	if err != nil {
		return nil, err
	}

	return sign(signer, url, data)
}

func sign(signer jose.Signer, url string, data []byte) (*SignResult, error) {
	signed, err := signer.Sign(data)
	if err != nil {
		return nil, err
	}

	serialized := []byte(signed.FullSerialize())

	// Reparse the serialized body to get a fully populated JWS object
	parsedJWS, err := jose.ParseSigned(string(serialized), acmeSigAlgs)
	if err != nil {
		return nil, err
	}

	return &SignResult{
		InputURL:      url,
		InputData:     data,
		JWS:           parsedJWS,
		SerializedJWS: serialized,
	}, nil
}
