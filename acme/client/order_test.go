package client

import (
	"context"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmeclient/acme"
	"github.com/cpu/acmeclient/acme/challenge"
	"github.com/cpu/acmeclient/acme/keys"
	"github.com/cpu/acmeclient/acme/resources"
)

func newOrderFor(identValues ...string) *resources.Order {
	var idents []resources.Identifier
	for _, value := range identValues {
		idents = append(idents, resources.Identifier{Type: "dns", Value: value})
	}
	return &resources.Order{Identifiers: idents}
}

// The full http-01 happy path: account, order, challenge response,
// finalization with a CSR, chain download.
func TestIssuanceHTTP01(t *testing.T) {
	srv := newTestServer(t)
	srv.ChallengeToken = "tok-xyz"
	client := newTestClient(t, srv)
	ctx := context.Background()

	order := newOrderFor("example.com")
	require.NoError(t, client.CreateOrder(ctx, order))
	require.Equal(t, acme.StatusPending, order.Status)
	require.Len(t, order.Authorizations, 1)
	require.NotEmpty(t, order.Finalize)

	authz, err := client.AuthzByIdentifier(ctx, order, "example.com")
	require.NoError(t, err)
	require.False(t, authz.Wildcard)
	require.Len(t, authz.Challenges, 3)

	chall := authz.ChallengeByType(acme.ChallengeHTTP01)
	require.NotNil(t, chall)
	require.Equal(t, "tok-xyz", chall.Token)

	// Materialize the challenge response the verifier would publish.
	resp, err := challenge.Materialize(chall, authz.Identifier.Value, client.ActiveAccount.Signer)
	require.NoError(t, err)
	thumb, err := keys.JWKThumbprint(client.ActiveAccount.Signer)
	require.NoError(t, err)
	require.Equal(t, "tok-xyz."+thumb, resp.KeyAuthorization)
	require.Equal(t, "/.well-known/acme-challenge/tok-xyz", resp.HTTP01Path)

	require.NoError(t, client.AnswerChallenge(ctx, chall))

	_, err = client.WaitAuthz(ctx, authz, acme.StatusValid)
	require.NoError(t, err)

	_, err = client.WaitOrder(ctx, order, acme.StatusReady)
	require.NoError(t, err)

	csrDER, _, _, err := client.CSR("", []string{"example.com"}, "")
	require.NoError(t, err)
	require.NoError(t, client.FinalizeOrder(ctx, order, csrDER))

	_, err = client.WaitOrder(ctx, order, acme.StatusValid)
	require.NoError(t, err)
	require.NotEmpty(t, order.Certificate, "valid order must carry a certificate URL")

	chain, err := client.DownloadCertificate(ctx, order)
	require.NoError(t, err)
	require.NotEmpty(t, chain.PEM)
	require.Len(t, chain.DER, 2, "expected leaf and issuer")

	leaf, err := x509.ParseCertificate(chain.DER[0])
	require.NoError(t, err)
	require.Contains(t, leaf.DNSNames, "example.com")
}

// Wildcard orders advertise dns-01 only, flag the authorization and strip
// the wildcard label from the identifier.
func TestWildcardDNS01(t *testing.T) {
	srv := newTestServer(t)
	srv.ChallengeToken = "tok-abc"
	client := newTestClient(t, srv)
	ctx := context.Background()

	order := newOrderFor("*.example.com")
	require.NoError(t, client.CreateOrder(ctx, order))

	authz, err := client.AuthzByIdentifier(ctx, order, "example.com")
	require.NoError(t, err)
	require.True(t, authz.Wildcard)
	require.Len(t, authz.Challenges, 1)
	require.Equal(t, acme.ChallengeDNS01, authz.Challenges[0].Type)
	require.Nil(t, authz.ChallengeByType(acme.ChallengeHTTP01))
	require.Nil(t, authz.ChallengeByType(acme.ChallengeTLSALPN01))

	chall := authz.ChallengeByType(acme.ChallengeDNS01)
	resp, err := challenge.Materialize(chall, "*.example.com", client.ActiveAccount.Signer)
	require.NoError(t, err)
	require.Equal(t, "_acme-challenge.example.com", resp.DNS01Name)
	require.Equal(t, challenge.DNS01Value(resp.KeyAuthorization), resp.DNS01Value)
	require.Len(t, resp.DNS01Value, 43)
}

// Mixed wildcard and non-wildcard identifiers: only the wildcard
// authorization is dns-01-only.
func TestMixedWildcardOrder(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	order := newOrderFor("*.example.com", "www.example.org")
	require.NoError(t, client.CreateOrder(ctx, order))
	require.Len(t, order.Authorizations, 2)

	authzs, err := client.Authorizations(ctx, order)
	require.NoError(t, err)
	for _, authz := range authzs {
		if authz.Wildcard {
			require.Len(t, authz.Challenges, 1)
			require.Equal(t, acme.ChallengeDNS01, authz.Challenges[0].Type)
		} else {
			require.Len(t, authz.Challenges, 3)
		}
	}
}

// Two orders for the same identifier set inside the replay window share an
// order URL.
func TestDuplicateOrder(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	first := newOrderFor("dup.example.com")
	require.NoError(t, client.CreateOrder(ctx, first))

	second := newOrderFor("dup.example.com")
	require.NoError(t, client.CreateOrder(ctx, second))

	require.Equal(t, first.ID, second.ID)
}

// Finalizing an order that is not ready is a client-side state violation;
// no request reaches the server.
func TestFinalizePendingOrder(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	order := newOrderFor("example.com")
	require.NoError(t, client.CreateOrder(ctx, order))
	require.Equal(t, acme.StatusPending, order.Status)

	csrDER, _, _, err := client.CSR("", []string{"example.com"}, "")
	require.NoError(t, err)

	finalizePath := "/finalize/" + orderPathSuffix(order)
	err = client.FinalizeOrder(ctx, order, csrDER)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, acme.StatusReady, stateErr.Expected)
	require.Equal(t, acme.StatusPending, stateErr.Actual)
	require.Equal(t, 0, srv.PostCount(finalizePath))
}

// A failing identifier drives its authorization and the order to invalid;
// finalize then surfaces the state violation.
func TestOrderRejection(t *testing.T) {
	srv := newTestServer(t)
	srv.FailIdentifiers["forbidden.example.com"] = true
	client := newTestClient(t, srv)
	ctx := context.Background()

	order := newOrderFor("forbidden.example.com")
	require.NoError(t, client.CreateOrder(ctx, order))

	authz, err := client.AuthzByIdentifier(ctx, order, "forbidden.example.com")
	require.NoError(t, err)
	chall := authz.ChallengeByType(acme.ChallengeHTTP01)
	require.NotNil(t, chall)

	require.NoError(t, client.AnswerChallenge(ctx, chall))
	require.Equal(t, acme.StatusInvalid, chall.Status)
	require.NotNil(t, chall.Error)

	// Waiting for valid fails fast on the terminal state.
	_, err = client.WaitAuthz(ctx, authz, acme.StatusValid)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)

	require.NoError(t, client.UpdateOrder(ctx, order))
	require.Equal(t, acme.StatusInvalid, order.Status)

	csrDER, _, _, err := client.CSR("", []string{"forbidden.example.com"}, "")
	require.NoError(t, err)
	err = client.FinalizeOrder(ctx, order, csrDER)
	require.ErrorAs(t, err, &stateErr)
}

// A caller deadline bounds polling; expiry surfaces the context error.
func TestWaitOrderDeadline(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)

	order := newOrderFor("example.com")
	require.NoError(t, client.CreateOrder(context.Background(), order))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The order stays pending forever; no challenge is ever answered.
	_, err := client.WaitOrder(ctx, order, acme.StatusReady)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// A Retry-After header on the poll response overrides the backoff delay.
func TestWaitHonorsRetryAfter(t *testing.T) {
	srv := newTestServer(t)
	srv.RetryAfter = 1
	client := newTestClient(t, srv)

	order := newOrderFor("example.com")
	require.NoError(t, client.CreateOrder(context.Background(), order))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	// The client's own backoff is milliseconds, so without the Retry-After
	// override many polls would fit in the deadline. With it the first
	// sleep is a full second and the deadline expires after one poll.
	start := time.Now()
	_, err := client.WaitOrder(ctx, order, acme.StatusReady)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, srv.PostCount("/order/"+orderPathSuffix(order)), 3)
	require.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

// Asynchronous issuance: the order reports processing for a few polls after
// finalization before turning valid.
func TestFinalizeProcessingPolls(t *testing.T) {
	srv := newTestServer(t)
	srv.ProcessingPolls = 2
	client := newTestClient(t, srv)
	ctx := context.Background()

	order := issueToReady(ctx, t, client, "slow.example.com")

	csrDER, _, _, err := client.CSR("", []string{"slow.example.com"}, "")
	require.NoError(t, err)
	require.NoError(t, client.FinalizeOrder(ctx, order, csrDER))
	require.Equal(t, acme.StatusProcessing, order.Status)

	_, err = client.WaitOrder(ctx, order, acme.StatusValid)
	require.NoError(t, err)
}

// Alternate chains are enumerated and individually downloadable.
func TestDownloadAlternateChain(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	order := issueToReady(ctx, t, client, "alt.example.com")
	csrDER, _, _, err := client.CSR("", []string{"alt.example.com"}, "")
	require.NoError(t, err)
	require.NoError(t, client.FinalizeOrder(ctx, order, csrDER))
	_, err = client.WaitOrder(ctx, order, acme.StatusValid)
	require.NoError(t, err)

	chain, err := client.DownloadCertificate(ctx, order)
	require.NoError(t, err)
	require.Len(t, chain.Alternates, 1)

	alt, err := client.DownloadChain(ctx, chain.Alternates[0])
	require.NoError(t, err)
	require.Len(t, alt.DER, 2)

	// Distinct issuers, same leaf subject.
	primaryIssuer, err := x509.ParseCertificate(chain.DER[1])
	require.NoError(t, err)
	altIssuer, err := x509.ParseCertificate(alt.DER[1])
	require.NoError(t, err)
	require.NotEqual(t, primaryIssuer.Subject.CommonName, altIssuer.Subject.CommonName)
}

func TestRevokeCertificate(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv)
	ctx := context.Background()

	order := issueToReady(ctx, t, client, "revoke.example.com")
	csrDER, _, _, err := client.CSR("", []string{"revoke.example.com"}, "")
	require.NoError(t, err)
	require.NoError(t, client.FinalizeOrder(ctx, order, csrDER))
	_, err = client.WaitOrder(ctx, order, acme.StatusValid)
	require.NoError(t, err)
	chain, err := client.DownloadCertificate(ctx, order)
	require.NoError(t, err)

	// By account key.
	reason := ReasonSuperseded
	require.NoError(t, client.RevokeCertificate(ctx, chain.DER[0], RevokeOptions{Reason: &reason}))

	// By the certificate's own key.
	certKey := client.Keys["revoke.example.com"]
	require.NotNil(t, certKey)
	require.NoError(t, client.RevokeCertificate(ctx, chain.DER[0], RevokeOptions{CertKey: certKey}))
}

// issueToReady answers the http-01 challenge for every authorization and
// waits for the order to become ready.
func issueToReady(ctx context.Context, t *testing.T, client *Client, domain string) *resources.Order {
	t.Helper()

	order := newOrderFor(domain)
	require.NoError(t, client.CreateOrder(ctx, order))

	authzs, err := client.Authorizations(ctx, order)
	require.NoError(t, err)
	for _, authz := range authzs {
		chall := authz.ChallengeByType(acme.ChallengeHTTP01)
		require.NotNil(t, chall)
		require.NoError(t, client.AnswerChallenge(ctx, chall))
		_, err = client.WaitAuthz(ctx, authz, acme.StatusValid)
		require.NoError(t, err)
	}

	_, err = client.WaitOrder(ctx, order, acme.StatusReady)
	require.NoError(t, err)
	return order
}

// orderPathSuffix extracts the "/order/N" number from an order URL for
// PostCount lookups.
func orderPathSuffix(order *resources.Order) string {
	for i := len(order.ID) - 1; i >= 0; i-- {
		if order.ID[i] == '/' {
			return order.ID[i+1:]
		}
	}
	return order.ID
}
