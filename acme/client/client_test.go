package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmeclient/acmetest"
)

// newTestServer starts a fake ACME server for one test.
func newTestServer(t *testing.T) *acmetest.Server {
	t.Helper()
	srv, err := acmetest.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

// newTestClient builds a client against srv with a freshly auto-registered
// account and a fast backoff so polling tests stay quick.
func newTestClient(t *testing.T, srv *acmetest.Server) *Client {
	t.Helper()
	client, err := NewClient(context.Background(), ClientConfig{
		DirectoryURL: srv.URL(),
		AutoRegister: true,
	})
	require.NoError(t, err)
	client.Backoff = BackoffPolicy{
		InitialDelay: time.Millisecond,
		Multiplier:   1,
		MaxDelay:     5 * time.Millisecond,
	}
	return client
}

func TestNewClientConfigValidation(t *testing.T) {
	_, err := NewClient(context.Background(), ClientConfig{})
	require.Error(t, err)

	_, err = NewClient(context.Background(), ClientConfig{
		DirectoryURL: "http://example.com/dir",
		ContactEmail: "not an email",
	})
	require.Error(t, err)
}

func TestNewClientAutoRegister(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)

	require.NotNil(t, client.ActiveAccount)
	require.NotEmpty(t, client.ActiveAccountID())
	require.Contains(t, client.ActiveAccountID(), srv.URL()[:len(srv.URL())-len("/dir")])
}
