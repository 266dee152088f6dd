package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmeclient/acme"
	"github.com/cpu/acmeclient/acme/keys"
	"github.com/cpu/acmeclient/acme/resources"
)

// Registering the same key twice yields the same kid.
func TestCreateAccountSameKeySameKid(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	signer, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)

	first, err := resources.NewAccount(nil, signer)
	require.NoError(t, err)
	require.NoError(t, client.CreateAccount(ctx, first, CreateAccountOptions{AgreeToS: true}))

	second, err := resources.NewAccount(nil, signer)
	require.NoError(t, err)
	require.NoError(t, client.CreateAccount(ctx, second, CreateAccountOptions{AgreeToS: true}))

	require.Equal(t, first.ID, second.ID)
}

func TestCreateAccountOnlyReturnExisting(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	// A key the server has never seen must not create an account.
	signer, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)
	acct, err := resources.NewAccount(nil, signer)
	require.NoError(t, err)

	err = client.CreateAccount(ctx, acct, CreateAccountOptions{OnlyReturnExisting: true})
	var prob *resources.Problem
	require.ErrorAs(t, err, &prob)
	require.Equal(t, acme.ErrorNS+"accountDoesNotExist", prob.Type)

	// The auto-registered key resolves to its existing kid.
	existing, err := resources.NewAccount(nil, client.ActiveAccount.Signer)
	require.NoError(t, err)
	require.NoError(t, client.CreateAccount(ctx, existing, CreateAccountOptions{OnlyReturnExisting: true}))
	require.Equal(t, client.ActiveAccountID(), existing.ID)
}

func TestUpdateAccountContact(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	acct := client.ActiveAccount
	require.NoError(t, client.UpdateAccount(ctx, acct, []string{"mailto:new@example.com"}))
	require.Equal(t, []string{"mailto:new@example.com"}, acct.Contact)
}

func TestDeactivateAccount(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	acct := client.ActiveAccount
	require.NoError(t, client.DeactivateAccount(ctx, acct))
	require.Equal(t, acme.StatusDeactivated, acct.Status)
}

// Key rollover: the kid is unchanged, subsequent requests are signed by the
// new key and the server accepts them.
func TestRollover(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	// Start from an RSA account key.
	rsaKey, err := keys.NewSigner("rsa")
	require.NoError(t, err)
	acct, err := resources.NewAccount(nil, rsaKey)
	require.NoError(t, err)

	client := newTestClient(t, srv)
	client.ActiveAccount = acct
	client.Accounts = []*resources.Account{acct}
	require.NoError(t, client.CreateAccount(ctx, acct, CreateAccountOptions{AgreeToS: true}))
	kidBefore := acct.ID

	// Create an order under the RSA key.
	order := &resources.Order{
		Identifiers: []resources.Identifier{{Type: "dns", Value: "example.com"}},
	}
	require.NoError(t, client.CreateOrder(ctx, order))

	// Roll to a P-256 key.
	ecKey, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)
	require.NoError(t, client.Rollover(ctx, ecKey))

	require.Equal(t, kidBefore, client.ActiveAccountID(), "rollover must not change the kid")
	require.Equal(t, ecKey, acct.Signer)

	// Requests after the rollover are signed with the EC key and the server
	// must accept them under the unchanged kid.
	require.NoError(t, client.UpdateOrder(ctx, order))
	newOrder := &resources.Order{
		Identifiers: []resources.Identifier{{Type: "dns", Value: "rolled.example.com"}},
	}
	require.NoError(t, client.CreateOrder(ctx, newOrder))
}

// A badNonce rejection is retried exactly once using the replacement nonce
// from the failed response.
func TestBadNonceRetry(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	srv.BadNonceRejections = 1

	order := &resources.Order{
		Identifiers: []resources.Identifier{{Type: "dns", Value: "example.com"}},
	}
	require.NoError(t, client.CreateOrder(ctx, order))
	require.NotEmpty(t, order.ID)

	// First POST rejected, second succeeded.
	require.Equal(t, 2, srv.PostCount("/order-plz"))
}

func TestBadNonceExhausted(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	// Both the request and its one retry are rejected.
	srv.BadNonceRejections = 2

	order := &resources.Order{
		Identifiers: []resources.Identifier{{Type: "dns", Value: "example.com"}},
	}
	err := client.CreateOrder(ctx, order)
	require.ErrorIs(t, err, ErrBadNonceExhausted)
}

func TestDeactivateAuthorization(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	order := &resources.Order{
		Identifiers: []resources.Identifier{{Type: "dns", Value: "example.com"}},
	}
	require.NoError(t, client.CreateOrder(ctx, order))

	authz := &resources.Authorization{ID: order.Authorizations[0]}
	require.NoError(t, client.UpdateAuthz(ctx, authz))
	require.Equal(t, acme.StatusPending, authz.Status)

	require.NoError(t, client.DeactivateAuthorization(ctx, authz))
	require.Equal(t, acme.StatusDeactivated, authz.Status)
}

func TestAccountSaveRestore(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)

	path := t.TempDir() + "/account.json"
	require.NoError(t, resources.SaveAccount(path, client.ActiveAccount))

	restored, err := resources.RestoreAccount(path)
	require.NoError(t, err)
	require.Equal(t, client.ActiveAccountID(), restored.ID)

	origThumb, err := keys.JWKThumbprint(client.ActiveAccount.Signer)
	require.NoError(t, err)
	restoredThumb, err := keys.JWKThumbprint(restored.Signer)
	require.NoError(t, err)
	require.Equal(t, origThumb, restoredThumb)
}
