package challenge

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmeclient/acme"
	"github.com/cpu/acmeclient/acme/keys"
	"github.com/cpu/acmeclient/acme/resources"
)

func testChall(typ string) *resources.Challenge {
	return &resources.Challenge{
		Type:   typ,
		URL:    "https://acme.example/chall/1",
		Token:  "tok-abc",
		Status: acme.StatusPending,
	}
}

func TestMaterializeHTTP01(t *testing.T) {
	signer, err := keys.NewSigner("rsa")
	require.NoError(t, err)
	thumb, err := keys.JWKThumbprint(signer)
	require.NoError(t, err)

	resp, err := Materialize(testChall(acme.ChallengeHTTP01), "example.com", signer)
	require.NoError(t, err)

	require.Equal(t, acme.ChallengeHTTP01, resp.Type)
	require.Equal(t, "tok-abc."+thumb, resp.KeyAuthorization)
	require.Equal(t, "/.well-known/acme-challenge/tok-abc", resp.HTTP01Path)
}

func TestMaterializeDNS01(t *testing.T) {
	signer, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)

	resp, err := Materialize(testChall(acme.ChallengeDNS01), "example.com", signer)
	require.NoError(t, err)

	require.Equal(t, "_acme-challenge.example.com", resp.DNS01Name)

	digest := sha256.Sum256([]byte(resp.KeyAuthorization))
	require.Equal(t, base64.RawURLEncoding.EncodeToString(digest[:]), resp.DNS01Value)
	// base64url SHA-256, unpadded: exactly 43 characters.
	require.Len(t, resp.DNS01Value, 43)
	require.NotContains(t, resp.DNS01Value, "=")
}

func TestMaterializeDNS01Wildcard(t *testing.T) {
	signer, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)

	resp, err := Materialize(testChall(acme.ChallengeDNS01), "*.example.com", signer)
	require.NoError(t, err)

	// The record name strips the wildcard label.
	require.Equal(t, "_acme-challenge.example.com", resp.DNS01Name)
}

func TestMaterializeDeterministic(t *testing.T) {
	signer, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)

	first, err := Materialize(testChall(acme.ChallengeDNS01), "example.com", signer)
	require.NoError(t, err)
	second, err := Materialize(testChall(acme.ChallengeDNS01), "example.com", signer)
	require.NoError(t, err)

	require.Equal(t, first.KeyAuthorization, second.KeyAuthorization)
	require.Equal(t, first.DNS01Name, second.DNS01Name)
	require.Equal(t, first.DNS01Value, second.DNS01Value)
}

func TestMaterializeTLSALPN01(t *testing.T) {
	signer, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)

	resp, err := Materialize(testChall(acme.ChallengeTLSALPN01), "example.com", signer)
	require.NoError(t, err)
	require.NotNil(t, resp.TLSALPN01Certificate)

	cert, err := x509.ParseCertificate(resp.TLSALPN01Certificate.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, []string{"example.com"}, cert.DNSNames)

	var found bool
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(idPeAcmeIdentifier) {
			continue
		}
		found = true
		require.True(t, ext.Critical, "id-pe-acmeIdentifier must be critical")

		var digest []byte
		_, err := asn1.Unmarshal(ext.Value, &digest)
		require.NoError(t, err)
		want := sha256.Sum256([]byte(resp.KeyAuthorization))
		require.Equal(t, want[:], digest)
	}
	require.True(t, found, "certificate missing id-pe-acmeIdentifier extension")
}

func TestMaterializeUnsupportedType(t *testing.T) {
	signer, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)

	_, err = Materialize(testChall("gopher-01"), "example.com", signer)
	require.Error(t, err)
}

func TestMaterializeEmptyToken(t *testing.T) {
	signer, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)

	chall := testChall(acme.ChallengeHTTP01)
	chall.Token = ""
	_, err = Materialize(chall, "example.com", signer)
	require.Error(t, err)
}
