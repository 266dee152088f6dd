// package keys offers utility functions for working with crypto.Signers, JWS,
// JWKs and PEM serialization.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

var (
	// ErrUnsupportedAlgorithm is returned when a key is not one the ACME JWS
	// algorithms (RS256, ES256, ES384, ES512) can be produced from.
	ErrUnsupportedAlgorithm = errors.New("keys: unsupported key type for ACME JWS")
	// ErrInvalidKey is returned when key material can not be parsed.
	ErrInvalidKey = errors.New("keys: invalid key material")
)

// SigAlgForKey maps a private key to the JWS signature algorithm ACME
// requests signed by that key must use. RSA keys use RS256. ECDSA keys use
// the ES* algorithm matching their curve.
func SigAlgForKey(signer crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := signer.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		}
		return "", fmt.Errorf("%w: unknown curve %q", ErrUnsupportedAlgorithm, k.Curve.Params().Name)
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, signer)
}

func algForKey(signer crypto.Signer) string {
	switch signer.(type) {
	case *ecdsa.PrivateKey:
		return "ECDSA"
	case *rsa.PrivateKey:
		return "RSA"
	}
	return "unknown"
}

// hashForAlg returns the hash paired with a JWS algorithm.
func hashForAlg(alg jose.SignatureAlgorithm) (crypto.Hash, error) {
	switch alg {
	case jose.RS256, jose.ES256:
		return crypto.SHA256, nil
	case jose.ES384:
		return crypto.SHA384, nil
	case jose.ES512:
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
}

// canonicalRSAJWK and canonicalECJWK are the RFC 7638 canonical form of a
// public key: only the
// required members, in lexicographic order, base64url values without padding.
// Field order in these structs is load bearing, json.Marshal preserves it.
type canonicalRSAJWK struct {
	E   string `json:"e"`
	Kty string `json:"kty"`
	N   string `json:"n"`
}

type canonicalECJWK struct {
	Crv string `json:"crv"`
	Kty string `json:"kty"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// JWKJSON returns the canonical JWK serialization of the signer's public
// key: no whitespace, keys in lexicographic order, unpadded base64url
// values. The same bytes feed JWKThumbprint.
func JWKJSON(signer crypto.Signer) ([]byte, error) {
	switch pub := signer.Public().(type) {
	case *rsa.PublicKey:
		return json.Marshal(canonicalRSAJWK{
			E:   base64.RawURLEncoding.EncodeToString(bigIntBytes(pub.E)),
			Kty: "RSA",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		})
	case *ecdsa.PublicKey:
		// Coordinates are left-padded to the curve byte length.
		// See https://tools.ietf.org/html/rfc7518#section-6.2.1
		size := (pub.Curve.Params().BitSize + 7) / 8
		return json.Marshal(canonicalECJWK{
			Crv: pub.Curve.Params().Name,
			Kty: "EC",
			X:   base64.RawURLEncoding.EncodeToString(padBytes(pub.X.Bytes(), size)),
			Y:   base64.RawURLEncoding.EncodeToString(padBytes(pub.Y.Bytes(), size)),
		})
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, signer)
}

func bigIntBytes(e int) []byte {
	b := make([]byte, 0, 4)
	for e > 0 {
		b = append([]byte{byte(e & 0xff)}, b...)
		e >>= 8
	}
	return b
}

func padBytes(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	return append(make([]byte, size-len(b)), b...)
}

// JWKThumbprintBytes returns the RFC 7638 SHA-256 thumbprint of the signer's
// public key.
func JWKThumbprintBytes(signer crypto.Signer) ([]byte, error) {
	jwkJSON, err := JWKJSON(signer)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(jwkJSON)
	return digest[:], nil
}

// JWKThumbprint returns the base64url (unpadded) RFC 7638 SHA-256 thumbprint
// of the signer's public key.
func JWKThumbprint(signer crypto.Signer) (string, error) {
	thumbBytes, err := JWKThumbprintBytes(signer)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(thumbBytes), nil
}

// KeyAuth constructs the key authorization for a challenge token: the token
// and the account key thumbprint joined with ".".
// See https://tools.ietf.org/html/rfc8555#section-8.1
func KeyAuth(signer crypto.Signer, token string) (string, error) {
	thumbprint, err := JWKThumbprint(signer)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s", token, thumbprint), nil
}

// Sign produces a raw JWS signature over data with the algorithm matched to
// the signer. RSA keys produce a PKCS#1 v1.5 SHA-256 signature. ECDSA keys
// produce the fixed-width r||s concatenation (not DER), each half left-padded
// to the curve byte length.
func Sign(signer crypto.Signer, data []byte) ([]byte, error) {
	alg, err := SigAlgForKey(signer)
	if err != nil {
		return nil, err
	}
	hash, err := hashForAlg(alg)
	if err != nil {
		return nil, err
	}

	hasher := hash.New()
	hasher.Write(data)
	digest := hasher.Sum(nil)

	switch k := signer.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(rand.Reader, k, hash, digest)
	case *ecdsa.PrivateKey:
		r, s, err := ecdsa.Sign(rand.Reader, k, digest)
		if err != nil {
			return nil, err
		}
		size := (k.Curve.Params().BitSize + 7) / 8
		sig := make([]byte, size*2)
		copy(sig[size-len(r.Bytes()):], r.Bytes())
		copy(sig[size*2-len(s.Bytes()):], s.Bytes())
		return sig, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, signer)
}

// JWKForSigner returns a go-jose JWK for the public component of signer.
func JWKForSigner(signer crypto.Signer) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       signer.Public(),
		Algorithm: algForKey(signer),
	}
}

// SigningKeyForSigner returns a go-jose signing key that identifies itself
// with the given keyID when used to sign a JWS.
func SigningKeyForSigner(signer crypto.Signer, keyID string) (jose.SigningKey, error) {
	alg, err := SigAlgForKey(signer)
	if err != nil {
		return jose.SigningKey{}, err
	}
	jwk := jose.JSONWebKey{
		Key:       signer,
		Algorithm: string(alg),
		KeyID:     keyID,
	}
	return jose.SigningKey{
		Key:       jwk,
		Algorithm: alg,
	}, nil
}

// MarshalSigner serializes a private key to DER and a type tag suitable for
// UnmarshalSigner.
func MarshalSigner(signer crypto.Signer) ([]byte, string, error) {
	var keyBytes []byte
	var keyType string
	var err error
	switch k := signer.(type) {
	case *ecdsa.PrivateKey:
		keyType = "ecdsa"
		keyBytes, err = x509.MarshalECPrivateKey(k)
	case *rsa.PrivateKey:
		keyType = "rsa"
		keyBytes = x509.MarshalPKCS1PrivateKey(k)
	default:
		err = fmt.Errorf("signer was unknown type: %T", k)
	}
	if err != nil {
		return nil, "", err
	}
	return keyBytes, keyType, nil
}

// UnmarshalSigner reverses MarshalSigner.
func UnmarshalSigner(keyBytes []byte, keyType string) (crypto.Signer, error) {
	var privKey crypto.Signer
	var err error
	switch keyType {
	case "ecdsa":
		privKey, err = x509.ParseECPrivateKey(keyBytes)
	case "rsa":
		privKey, err = x509.ParsePKCS1PrivateKey(keyBytes)
	default:
		return nil, fmt.Errorf("%w: unknown key type %q", ErrInvalidKey, keyType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, err)
	}
	return privKey, nil
}

// SignerToPEM serializes a private key to PEM.
func SignerToPEM(signer crypto.Signer) (string, error) {
	var keyBytes []byte
	var keyHeader string
	var err error
	switch k := signer.(type) {
	case *ecdsa.PrivateKey:
		keyBytes, err = x509.MarshalECPrivateKey(k)
		keyHeader = "EC PRIVATE KEY"
	case *rsa.PrivateKey:
		keyBytes = x509.MarshalPKCS1PrivateKey(k)
		keyHeader = "RSA PRIVATE KEY"
	default:
		err = fmt.Errorf("unknown key type: %T", k)
	}
	if err != nil {
		return "", err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  keyHeader,
		Bytes: keyBytes,
	})
	return string(pemBytes), nil
}

// NewSigner generates a fresh private key. Supported key types are "rsa"
// (2048 bit), "ecdsa" (an alias for "ecdsa-p256"), "ecdsa-p384" and
// "ecdsa-p521".
func NewSigner(keyType string) (crypto.Signer, error) {
	var randKey crypto.Signer
	var err error
	switch keyType {
	case "ecdsa", "ecdsa-p256":
		randKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ecdsa-p384":
		randKey, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ecdsa-p521":
		randKey, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case "rsa":
		randKey, err = rsa.GenerateKey(rand.Reader, 2048)
	default:
		err = fmt.Errorf("unknown key type: %q", keyType)
	}
	if err != nil {
		return nil, err
	}
	return randKey, nil
}
