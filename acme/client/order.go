package client

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cpu/acmeclient/acme"
	"github.com/cpu/acmeclient/acme/resources"
)

// BackoffPolicy controls the pacing of status polls. A server-supplied
// Retry-After header always overrides the computed delay.
type BackoffPolicy struct {
	// Delay before the first re-poll.
	InitialDelay time.Duration
	// Multiplier applied to the delay after every poll.
	Multiplier float64
	// Upper bound for the computed delay.
	MaxDelay time.Duration
}

// DefaultBackoffPolicy polls quickly at first and backs off to ten second
// intervals. There is no attempt cap, the caller's context deadline bounds
// the polling budget.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
	}
}

func (p BackoffPolicy) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return p.InitialDelay
	}
	next := time.Duration(float64(cur) * p.Multiplier)
	if next > p.MaxDelay {
		return p.MaxDelay
	}
	return next
}

// retryAfter parses a Retry-After HTTP header value, trying to convert v
// into an int (seconds) or use http.ParseTime otherwise. It returns the
// fallback if v cannot be parsed.
func retryAfter(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	if i, err := strconv.Atoi(v); err == nil {
		return time.Duration(i) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return fallback
}

// CreateOrder creates the given Order resource with the ACME server. If the
// operation is successful the Order's ID field is populated with the value of
// the server's reply's Location header. Otherwise a non-nil error is returned.
//
// Servers deduplicate orders for an identical identifier set within their
// replay window by returning the existing order's URL, so calling
// CreateOrder twice with the same identifiers may yield the same ID.
//
// For more information on Order creation see "Applying for Certificate
// Issuance" in RFC 8555:
// https://tools.ietf.org/html/rfc8555#section-7.4
func (c *Client) CreateOrder(ctx context.Context, order *resources.Order) error {
	if c.ActiveAccountID() == "" {
		return fmt.Errorf("createOrder: active account is nil or has not been created")
	}

	req := struct {
		Identifiers []resources.Identifier `json:"identifiers"`
		NotBefore   string                 `json:"notBefore,omitempty"`
		NotAfter    string                 `json:"notAfter,omitempty"`
	}{
		Identifiers: order.Identifiers,
		NotBefore:   order.NotBefore,
		NotAfter:    order.NotAfter,
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return err
	}

	newOrderURL, ok := c.GetEndpointURL(ctx, acme.NEW_ORDER_ENDPOINT)
	if !ok {
		return fmt.Errorf(
			"createOrder: ACME server missing %q endpoint in directory",
			acme.NEW_ORDER_ENDPOINT)
	}

	// Sign the new order request with the active account
	resp, err := c.SignAndPost(ctx, newOrderURL, reqBody, nil)
	if err != nil {
		return err
	}

	respOb := resp.Response
	if respOb.StatusCode != http.StatusCreated {
		return fmt.Errorf("createOrder: server returned status code %d, expected %d",
			respOb.StatusCode, http.StatusCreated)
	}

	locHeader := respOb.Header.Get("Location")
	if locHeader == "" {
		return fmt.Errorf("createOrder: server returned response with no Location header")
	}

	// Unmarshal the updated order
	err = json.Unmarshal(resp.RespBody, order)
	if err != nil {
		return fmt.Errorf("createOrder: server returned invalid JSON: %s", err)
	}

	// Store the Location header as the Order's ID
	order.ID = locHeader
	log.Printf("Created new order with ID %q\n", order.ID)
	// Save the order for the account
	c.ActiveAccount.Orders = append(c.ActiveAccount.Orders, order.ID)
	return nil
}

// UpdateOrder refreshes a given Order by fetching its ID URL from the ACME
// server with a POST-as-GET request. If this is successful the Order is
// mutated in place. Otherwise an error is returned.
//
// Calling UpdateOrder is required to refresh an Order's Status field to
// synchronize the resource with the server-side representation.
func (c *Client) UpdateOrder(ctx context.Context, order *resources.Order) error {
	if order == nil {
		return fmt.Errorf("updateOrder: order must not be nil")
	}
	if order.ID == "" {
		return fmt.Errorf("updateOrder: order must have an ID")
	}

	resp, err := c.PostAsGet(ctx, order.ID)
	if err != nil {
		return err
	}

	return json.Unmarshal(resp.RespBody, order)
}

// UpdateAuthz refreshes a given Authorization by fetching its ID URL from the
// ACME server with a POST-as-GET request. If this is successful the Authz is
// updated in place. Otherwise an error is returned.
func (c *Client) UpdateAuthz(ctx context.Context, authz *resources.Authorization) error {
	if authz == nil {
		return fmt.Errorf("updateAuthz: authz must not be nil")
	}
	if authz.ID == "" {
		return fmt.Errorf("updateAuthz: authz must have an ID")
	}

	resp, err := c.PostAsGet(ctx, authz.ID)
	if err != nil {
		return err
	}

	return json.Unmarshal(resp.RespBody, authz)
}

// UpdateChallenge refreshes a given Challenge by fetching its URL from the
// ACME server with a POST-as-GET request. If this is successful the Challenge
// is updated in place. Otherwise an error is returned.
func (c *Client) UpdateChallenge(ctx context.Context, chall *resources.Challenge) error {
	if chall == nil {
		return fmt.Errorf("updateChallenge: chall must not be nil")
	}
	if chall.URL == "" {
		return fmt.Errorf("updateChallenge: chall must have a URL")
	}

	resp, err := c.PostAsGet(ctx, chall.URL)
	if err != nil {
		return err
	}

	return json.Unmarshal(resp.RespBody, chall)
}

// Authorizations fetches every Authorization referenced by the order.
func (c *Client) Authorizations(ctx context.Context, order *resources.Order) ([]*resources.Authorization, error) {
	var authzs []*resources.Authorization
	for _, authzURL := range order.Authorizations {
		authz := &resources.Authorization{ID: authzURL}
		if err := c.UpdateAuthz(ctx, authz); err != nil {
			return nil, err
		}
		authzs = append(authzs, authz)
	}
	return authzs, nil
}

// AuthzByIdentifier fetches the order's authorizations one at a time until
// one matching the given identifier value is found.
func (c *Client) AuthzByIdentifier(ctx context.Context, order *resources.Order, identifier string) (*resources.Authorization, error) {
	if order == nil {
		return nil, errors.New("authzByIdentifier: order was nil")
	}
	if len(order.Authorizations) == 0 {
		return nil, errors.New("authzByIdentifier: order has no authorizations")
	}

	for _, authzURL := range order.Authorizations {
		authz := &resources.Authorization{ID: authzURL}
		if err := c.UpdateAuthz(ctx, authz); err != nil {
			return nil, err
		}
		if authz.Identifier.Value == identifier {
			return authz, nil
		}
	}
	return nil, fmt.Errorf(
		"authzByIdentifier: order %q has no authz with identifier %q",
		order.ID,
		identifier)
}

// AnswerChallenge POSTs the empty JSON object to the challenge URL, telling
// the server the challenge response is in place and validation may begin.
// The server moves the challenge to "processing"; the caller then polls the
// challenge or its parent authorization.
//
// See https://tools.ietf.org/html/rfc8555#section-7.5.1
func (c *Client) AnswerChallenge(ctx context.Context, chall *resources.Challenge) error {
	if chall == nil || chall.URL == "" {
		return fmt.Errorf("answerChallenge: chall must have a URL")
	}

	resp, err := c.SignAndPost(ctx, chall.URL, []byte("{}"), nil)
	if err != nil {
		return err
	}

	return json.Unmarshal(resp.RespBody, chall)
}

// WaitOrder polls the order with the client's backoff policy until its
// status is one of wantStatuses, the status is terminally "invalid", or ctx
// expires. A Retry-After header on a poll response overrides the backoff
// delay. The order is refreshed in place and also returned.
func (c *Client) WaitOrder(ctx context.Context, order *resources.Order, wantStatuses ...string) (*resources.Order, error) {
	err := c.wait(ctx, order.ID, wantStatuses, func(body []byte) (string, error) {
		if err := json.Unmarshal(body, order); err != nil {
			return "", err
		}
		return order.Status, nil
	})
	return order, err
}

// WaitAuthz polls the authorization until its status is one of wantStatuses,
// it becomes "invalid", or ctx expires.
func (c *Client) WaitAuthz(ctx context.Context, authz *resources.Authorization, wantStatuses ...string) (*resources.Authorization, error) {
	err := c.wait(ctx, authz.ID, wantStatuses, func(body []byte) (string, error) {
		if err := json.Unmarshal(body, authz); err != nil {
			return "", err
		}
		return authz.Status, nil
	})
	return authz, err
}

// WaitChallenge polls the challenge until its status is one of wantStatuses,
// it becomes "invalid", or ctx expires.
func (c *Client) WaitChallenge(ctx context.Context, chall *resources.Challenge, wantStatuses ...string) (*resources.Challenge, error) {
	err := c.wait(ctx, chall.URL, wantStatuses, func(body []byte) (string, error) {
		if err := json.Unmarshal(body, chall); err != nil {
			return "", err
		}
		return chall.Status, nil
	})
	return chall, err
}

// wait implements the polling discipline shared by the Wait* functions. The
// decode callback absorbs a response body and reports the resource's status.
func (c *Client) wait(ctx context.Context, url string, wantStatuses []string, decode func([]byte) (string, error)) error {
	if len(wantStatuses) == 0 {
		return fmt.Errorf("wait: no target statuses given")
	}
	wanted := func(status string) bool {
		for _, s := range wantStatuses {
			if status == s {
				return true
			}
		}
		return false
	}

	var delay time.Duration
	for {
		resp, err := c.PostAsGet(ctx, url)
		if err != nil {
			return err
		}

		status, err := decode(resp.RespBody)
		if err != nil {
			return err
		}
		if wanted(status) {
			return nil
		}
		// "invalid" is terminal for orders, authorizations and challenges
		// alike. Polling past it would never return.
		if status == acme.StatusInvalid {
			return &StateError{
				Op:       "wait",
				Expected: wantStatuses[0],
				Actual:   status,
			}
		}

		delay = retryAfter(resp.Response.Header.Get("Retry-After"), c.Backoff.next(delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// FinalizeOrder POSTs {"csr": base64url(csrDER)} to the order's finalize URL.
// The order must have status "ready"; calling FinalizeOrder on an order in
// any other state returns a *StateError without contacting the server.
//
// On success the order is refreshed from the server's reply. The caller then
// polls with WaitOrder for "valid" before downloading the certificate.
//
// See https://tools.ietf.org/html/rfc8555#section-7.4
func (c *Client) FinalizeOrder(ctx context.Context, order *resources.Order, csrDER []byte) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("finalize: order must have an ID")
	}
	if order.Status != acme.StatusReady {
		return &StateError{
			Op:       "finalize",
			Expected: acme.StatusReady,
			Actual:   order.Status,
		}
	}
	if order.Finalize == "" {
		return fmt.Errorf("finalize: order %q has no finalize URL", order.ID)
	}

	req := struct {
		CSR string `json:"csr"`
	}{
		CSR: base64.RawURLEncoding.EncodeToString(csrDER),
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := c.SignAndPost(ctx, order.Finalize, reqBody, nil)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.RespBody, order); err != nil {
		return fmt.Errorf("finalize: server returned invalid JSON: %s", err)
	}
	log.Printf("Finalized order %q (status %q)\n", order.ID, order.Status)
	return nil
}

// CertificateChain is a downloaded certificate chain plus the alternate
// chain URLs the server advertised for the same order.
type CertificateChain struct {
	// The URL the chain was downloaded from.
	URL string
	// The chain exactly as served, application/pem-certificate-chain.
	PEM []byte
	// The decoded DER certificates in served order, leaf first.
	DER [][]byte
	// URLs of alternate chains (Link rel="alternate"), if any.
	Alternates []string
}

// DownloadCertificate fetches the order's certificate chain with
// a POST-as-GET request. The order must be "valid" and carry a certificate
// URL. Any alternate chains the server offers are enumerated in the result's
// Alternates field and can be fetched with DownloadChain.
//
// See https://tools.ietf.org/html/rfc8555#section-7.4.2
func (c *Client) DownloadCertificate(ctx context.Context, order *resources.Order) (*CertificateChain, error) {
	if order == nil || order.ID == "" {
		return nil, fmt.Errorf("downloadCertificate: order must have an ID")
	}
	if order.Status != acme.StatusValid {
		return nil, &StateError{
			Op:       "downloadCertificate",
			Expected: acme.StatusValid,
			Actual:   order.Status,
		}
	}
	if order.Certificate == "" {
		return nil, fmt.Errorf("downloadCertificate: order %q has no certificate URL", order.ID)
	}

	return c.DownloadChain(ctx, order.Certificate)
}

// DownloadChain fetches a certificate chain from the given URL, either an
// order's certificate URL or one of the alternates a prior download
// enumerated.
func (c *Client) DownloadChain(ctx context.Context, url string) (*CertificateChain, error) {
	resp, err := c.PostAsGet(ctx, url)
	if err != nil {
		return nil, err
	}

	if ct := resp.Response.Header.Get("Content-Type"); !strings.HasPrefix(ct, acme.PEM_CHAIN_CONTENT_TYPE) {
		return nil, fmt.Errorf("downloadChain: server returned Content-Type %q, expected %q",
			ct, acme.PEM_CHAIN_CONTENT_TYPE)
	}

	der, err := splitPEMChain(resp.RespBody)
	if err != nil {
		return nil, err
	}

	return &CertificateChain{
		URL:        url,
		PEM:        resp.RespBody,
		DER:        der,
		Alternates: linkURLs(resp.Response.Header, "alternate"),
	}, nil
}

// splitPEMChain decodes every CERTIFICATE block of a PEM chain to DER.
func splitPEMChain(pemBytes []byte) ([][]byte, error) {
	var der [][]byte
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("chain contained unexpected PEM block %q", block.Type)
		}
		der = append(der, block.Bytes)
	}
	if len(der) == 0 {
		return nil, errors.New("response contained no PEM certificates")
	}
	return der, nil
}

// RevocationReason values defined by RFC 5280 section 5.3.1.
const (
	ReasonUnspecified          = 0
	ReasonKeyCompromise        = 1
	ReasonAffiliationChanged   = 3
	ReasonSuperseded           = 4
	ReasonCessationOfOperation = 5
)

// RevokeOptions customize a RevokeCertificate request.
type RevokeOptions struct {
	// Reason is an RFC 5280 revocation reason code. Nil omits the field.
	Reason *int
	// CertKey, when set, signs the revocation request with the certificate's
	// own key (embedded JWK) instead of the account key (KeyID). Servers
	// accept either proof of authority.
	CertKey crypto.Signer
}

// RevokeCertificate POSTs {"certificate": base64url(certDER), "reason"?} to
// the revokeCert endpoint. The request is signed by the account key unless
// opts provides the certificate key.
//
// See https://tools.ietf.org/html/rfc8555#section-7.6
func (c *Client) RevokeCertificate(ctx context.Context, certDER []byte, opts RevokeOptions) error {
	req := struct {
		Certificate string `json:"certificate"`
		Reason      *int   `json:"reason,omitempty"`
	}{
		Certificate: base64.RawURLEncoding.EncodeToString(certDER),
		Reason:      opts.Reason,
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return err
	}

	revokeURL, ok := c.GetEndpointURL(ctx, acme.REVOKE_CERT_ENDPOINT)
	if !ok {
		return fmt.Errorf(
			"revoke: ACME server missing %q endpoint in directory",
			acme.REVOKE_CERT_ENDPOINT)
	}

	signOpts := &SigningOptions{}
	if opts.CertKey != nil {
		signOpts.EmbedKey = true
		signOpts.Signer = opts.CertKey
	}

	resp, err := c.SignAndPost(ctx, revokeURL, reqBody, signOpts)
	if err != nil {
		return err
	}

	if resp.Response.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke: server returned status code %d, expected %d",
			resp.Response.StatusCode, http.StatusOK)
	}
	log.Printf("Revoked certificate")
	return nil
}
