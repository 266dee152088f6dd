package solver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmeclient/acme"
	"github.com/cpu/acmeclient/acme/challenge"
	"github.com/cpu/acmeclient/acme/keys"
	"github.com/cpu/acmeclient/acme/resources"
)

// fakeChallSrv records published challenge responses.
type fakeChallSrv struct {
	http map[string]string
	dns  map[string]string
	alpn map[string]string
}

func newFakeChallSrv() *fakeChallSrv {
	return &fakeChallSrv{
		http: map[string]string{},
		dns:  map[string]string{},
		alpn: map[string]string{},
	}
}

func (f *fakeChallSrv) AddHTTPOneChallenge(token, keyAuth string) { f.http[token] = keyAuth }
func (f *fakeChallSrv) DeleteHTTPOneChallenge(token string)       { delete(f.http, token) }
func (f *fakeChallSrv) AddDNSOneChallenge(host, keyAuth string)   { f.dns[host] = keyAuth }
func (f *fakeChallSrv) DeleteDNSOneChallenge(host string)         { delete(f.dns, host) }
func (f *fakeChallSrv) AddTLSALPNChallenge(host, keyAuth string)  { f.alpn[host] = keyAuth }
func (f *fakeChallSrv) DeleteTLSALPNChallenge(host string)        { delete(f.alpn, host) }

func materialized(t *testing.T, typ, identifier string) *challenge.Response {
	t.Helper()
	signer, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)
	resp, err := challenge.Materialize(&resources.Challenge{
		Type:  typ,
		URL:   "https://acme.example/chall/1",
		Token: "tok-solver",
	}, identifier, signer)
	require.NoError(t, err)
	return resp
}

func TestPublishHTTP01(t *testing.T) {
	fake := newFakeChallSrv()
	s := New(fake)

	resp := materialized(t, acme.ChallengeHTTP01, "example.com")
	require.NoError(t, s.Publish("example.com", resp))
	require.Equal(t, resp.KeyAuthorization, fake.http["tok-solver"])

	require.NoError(t, s.Cleanup("example.com", resp))
	require.Empty(t, fake.http)
}

func TestPublishDNS01StripsWildcard(t *testing.T) {
	fake := newFakeChallSrv()
	s := New(fake)

	resp := materialized(t, acme.ChallengeDNS01, "*.example.com")
	require.NoError(t, s.Publish("*.example.com", resp))

	// challtestsrv computes the TXT digest itself from the key auth, hosted
	// at the bare domain.
	require.Equal(t, resp.KeyAuthorization, fake.dns["example.com"])

	require.NoError(t, s.Cleanup("*.example.com", resp))
	require.Empty(t, fake.dns)
}

func TestPublishTLSALPN01(t *testing.T) {
	fake := newFakeChallSrv()
	s := New(fake)

	resp := materialized(t, acme.ChallengeTLSALPN01, "example.com")
	require.NoError(t, s.Publish("example.com", resp))
	require.Equal(t, resp.KeyAuthorization, fake.alpn["example.com"])
}

func TestPublishUnknownType(t *testing.T) {
	fake := newFakeChallSrv()
	s := New(fake)

	err := s.Publish("example.com", &challenge.Response{Type: "gopher-01"})
	require.Error(t, err)
}
