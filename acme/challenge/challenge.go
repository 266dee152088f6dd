// Package challenge derives the data a verifier must publish to satisfy an
// ACME challenge: HTTP-01 well-known bodies, DNS-01 TXT records and
// TLS-ALPN-01 validation certificates. Everything here is a pure function of
// the challenge token and the account key; publication is the caller's
// responsibility.
package challenge

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cpu/acmeclient/acme"
	"github.com/cpu/acmeclient/acme/keys"
	"github.com/cpu/acmeclient/acme/resources"
)

// ACMETLS1Protocol is the ALPN protocol ID for TLS-ALPN-01 validation
// handshakes. See RFC 8737 section 4.
const ACMETLS1Protocol = "acme-tls/1"

// idPeAcmeIdentifier is the x509 extension OID carrying the TLS-ALPN-01 key
// authorization digest. See RFC 8737 section 3.
var idPeAcmeIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// Response is the materialized data for one challenge. Exactly one of the
// type-specific fields is populated, matching Type.
type Response struct {
	// The challenge type the response satisfies: "http-01", "dns-01" or
	// "tls-alpn-01".
	Type string
	// The token.thumbprint key authorization. The HTTP-01 well-known body is
	// exactly this string, served as application/octet-stream.
	KeyAuthorization string
	// HTTP-01: the absolute path the key authorization must be served at.
	HTTP01Path string
	// DNS-01: the record name (_acme-challenge.{identifier}) and the TXT
	// value (base64url(SHA-256(key authorization)), always 43 characters).
	DNS01Name  string
	DNS01Value string
	// TLS-ALPN-01: a self-signed certificate for the identifier carrying the
	// acme-tls/1 ALPN protocol and the key authorization digest in
	// a critical id-pe-acmeIdentifier extension.
	TLSALPN01Certificate *tls.Certificate
}

// Materialize derives the response a verifier must publish for the given
// challenge and identifier using the account key. It is deterministic for
// fixed inputs except for TLS-ALPN-01, where the certificate's serial and
// keypair are fresh but the embedded digest is fixed.
func Materialize(chall *resources.Challenge, identifier string, accountKey crypto.Signer) (*Response, error) {
	if chall.Token == "" {
		return nil, fmt.Errorf("challenge %q has no token", chall.URL)
	}
	keyAuth, err := keys.KeyAuth(accountKey, chall.Token)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Type:             chall.Type,
		KeyAuthorization: keyAuth,
	}

	switch chall.Type {
	case acme.ChallengeHTTP01:
		resp.HTTP01Path = HTTP01Path(chall.Token)
	case acme.ChallengeDNS01:
		resp.DNS01Name = DNS01Name(identifier)
		resp.DNS01Value = DNS01Value(keyAuth)
	case acme.ChallengeTLSALPN01:
		cert, err := TLSALPN01Certificate(identifier, keyAuth)
		if err != nil {
			return nil, err
		}
		resp.TLSALPN01Certificate = cert
	default:
		return nil, fmt.Errorf("unsupported challenge type %q", chall.Type)
	}
	return resp, nil
}

// HTTP01Path returns the well-known path a HTTP-01 key authorization must be
// served under. See RFC 8555 section 8.3.
func HTTP01Path(token string) string {
	return "/.well-known/acme-challenge/" + token
}

// DNS01Name returns the TXT record name for a DNS-01 challenge on the given
// identifier. A wildcard prefix is stripped first: the record for
// "*.example.com" lives at "_acme-challenge.example.com".
// See RFC 8555 section 8.4.
func DNS01Name(identifier string) string {
	return "_acme-challenge." + strings.TrimPrefix(identifier, "*.")
}

// DNS01Value returns the TXT record value for a DNS-01 challenge: the
// unpadded base64url SHA-256 digest of the key authorization.
func DNS01Value(keyAuth string) string {
	digest := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// TLSALPN01Certificate builds the self-signed validation certificate for
// a TLS-ALPN-01 challenge: a certificate for the identifier whose
// id-pe-acmeIdentifier extension (critical) carries the SHA-256 digest of
// the key authorization as a DER OCTET STRING. The verifier must present it
// on a TLS listener negotiating the acme-tls/1 ALPN protocol.
//
// See RFC 8737 section 3.
func TLSALPN01Certificate(identifier, keyAuth string) (*tls.Certificate, error) {
	digest := sha256.Sum256([]byte(keyAuth))
	digestDER, err := asn1.Marshal(digest[:])
	if err != nil {
		return nil, err
	}

	certKey, err := keys.NewSigner("ecdsa")
	if err != nil {
		return nil, err
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: identifier,
		},
		DNSNames:  []string{identifier},
		NotBefore: time.Now().Add(-1 * time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtraExtensions: []pkix.Extension{
			{
				Id:       idPeAcmeIdentifier,
				Critical: true,
				Value:    digestDER,
			},
		},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, certKey.Public(), certKey)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  certKey,
	}, nil
}
