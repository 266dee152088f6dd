package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/cpu/acmeclient/acme/keys"
)

// protectedHeader is the decoded protected member of a flattened JWS.
type protectedHeader struct {
	Alg   string          `json:"alg"`
	Nonce string          `json:"nonce"`
	URL   string          `json:"url"`
	Kid   string          `json:"kid"`
	JWK   json.RawMessage `json:"jwk"`
}

func decodeFlattened(t *testing.T, serialized []byte) (flattened struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}, header protectedHeader,
) {
	t.Helper()
	require.NoError(t, json.Unmarshal(serialized, &flattened))
	require.NotEmpty(t, flattened.Protected)
	require.NotEmpty(t, flattened.Signature)

	headerBytes, err := base64.RawURLEncoding.DecodeString(flattened.Protected)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(headerBytes, &header))
	return flattened, header
}

func TestSignEmbeddedJWK(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)

	signer, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)

	targetURL := "https://acme.example/new-account"
	payload := []byte(`{"termsOfServiceAgreed":true}`)
	result, err := client.Sign(targetURL, payload, &SigningOptions{
		EmbedKey:    true,
		Signer:      signer,
		NonceSource: nonceSource{nonce: "nonce-1234"},
	})
	require.NoError(t, err)

	flattened, header := decodeFlattened(t, result.SerializedJWS)

	require.Equal(t, "ES256", header.Alg)
	require.Equal(t, "nonce-1234", header.Nonce)
	require.Equal(t, targetURL, header.URL)
	require.NotEmpty(t, header.JWK, "newAccount style JWS must embed a jwk")
	require.Empty(t, header.Kid, "jwk and kid are mutually exclusive")

	gotPayload, err := base64.RawURLEncoding.DecodeString(flattened.Payload)
	require.NoError(t, err)
	require.Equal(t, payload, gotPayload)

	// The signature must verify against the embedded public key.
	verified, err := result.JWS.Verify(signer.Public())
	require.NoError(t, err)
	require.Equal(t, payload, verified)
}

func TestSignKeyID(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)

	targetURL := "https://acme.example/order/1"
	result, err := client.Sign(targetURL, []byte(`{}`), &SigningOptions{
		NonceSource: nonceSource{nonce: "nonce-abcd"},
	})
	require.NoError(t, err)

	_, header := decodeFlattened(t, result.SerializedJWS)
	require.Equal(t, client.ActiveAccountID(), header.Kid)
	require.Empty(t, header.JWK)
	require.Equal(t, targetURL, header.URL)

	verified, err := result.JWS.Verify(client.ActiveAccount.Signer.Public())
	require.NoError(t, err)
	require.Equal(t, []byte(`{}`), verified)
}

func TestSignPostAsGetEmptyPayload(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)

	result, err := client.Sign("https://acme.example/order/1", []byte(""), &SigningOptions{
		NonceSource: nonceSource{nonce: "n"},
	})
	require.NoError(t, err)

	flattened, _ := decodeFlattened(t, result.SerializedJWS)
	require.Equal(t, "", flattened.Payload, "POST-as-GET payload must be the empty string")
}

func TestSignRSAAccount(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)

	rsaKey, err := keys.NewSigner("rsa")
	require.NoError(t, err)

	result, err := client.Sign("https://acme.example/x", []byte(`{}`), &SigningOptions{
		EmbedKey:    true,
		Signer:      rsaKey,
		NonceSource: nonceSource{nonce: "n"},
	})
	require.NoError(t, err)

	_, header := decodeFlattened(t, result.SerializedJWS)
	require.Equal(t, "RS256", header.Alg)
}

func TestSignOmitNonce(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)

	signer, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)

	result, err := client.Sign("https://acme.example/key-change", []byte(`{}`), &SigningOptions{
		EmbedKey:  true,
		Signer:    signer,
		OmitNonce: true,
	})
	require.NoError(t, err)

	_, header := decodeFlattened(t, result.SerializedJWS)
	require.Empty(t, header.Nonce, "inner rollover JWS must not carry a nonce")
}

func TestSignOptionValidation(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)

	// KeyID and EmbedKey are mutually exclusive.
	_, err := client.Sign("https://acme.example/x", []byte(`{}`), &SigningOptions{
		EmbedKey:    true,
		KeyID:       "https://acme.example/acct/1",
		NonceSource: nonceSource{nonce: "n"},
	})
	require.Error(t, err)

	// NonceSource and OmitNonce are mutually exclusive.
	_, err = client.Sign("https://acme.example/x", []byte(`{}`), &SigningOptions{
		EmbedKey:    true,
		NonceSource: nonceSource{nonce: "n"},
		OmitNonce:   true,
	})
	require.Error(t, err)
}

// parse(serialize(JWS)) must reproduce the JWS.
func TestSignRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)

	payload := []byte(`{"identifiers":[{"type":"dns","value":"example.com"}]}`)
	result, err := client.Sign("https://acme.example/order-plz", payload, &SigningOptions{
		NonceSource: nonceSource{nonce: "n0"},
	})
	require.NoError(t, err)

	reparsed, err := jose.ParseSigned(string(result.SerializedJWS), acmeSigAlgs)
	require.NoError(t, err)
	require.Equal(t, result.JWS.FullSerialize(), reparsed.FullSerialize())
}

// Two signed requests in one process run never share a nonce.
func TestDistinctNonces(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)

	ctx := context.Background()
	first, err := client.Nonce(ctx)
	require.NoError(t, err)
	second, err := client.Nonce(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}
