package client

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/cpu/acmeclient/acme"
	"github.com/cpu/acmeclient/acme/keys"
	"github.com/cpu/acmeclient/acme/resources"
)

// CreateAccountOptions customize a CreateAccount request.
type CreateAccountOptions struct {
	// AgreeToS asserts agreement with the server's terms of service. Most
	// servers refuse account creation without it.
	AgreeToS bool
	// OnlyReturnExisting asks the server to look up the account registered
	// for the key without creating one. The server returns 200 with the
	// existing account or an accountDoesNotExist problem.
	OnlyReturnExisting bool
}

// CreateAccount creates the given Account resource with the ACME server.
// The Account is updated with the ID returned in the server's response's
// Location header if the operation is successful, otherwise an error is
// returned. The request is signed by the account key with an embedded JWK
// since no KeyID exists yet; the private key never leaves the process.
//
// Registering the same key twice is not an error: the server responds 200
// (instead of 201) with the Location of the account it already has, and
// that ID is stored the same way.
//
// For more information on account creation see
// https://tools.ietf.org/html/rfc8555#section-7.3
func (c *Client) CreateAccount(ctx context.Context, acct *resources.Account, opts CreateAccountOptions) error {
	if acct.ID != "" {
		return fmt.Errorf("create: account already exists under ID %q", acct.ID)
	}

	newAcctReq := struct {
		Contact            []string `json:"contact,omitempty"`
		ToSAgreed          bool     `json:"termsOfServiceAgreed,omitempty"`
		OnlyReturnExisting bool     `json:"onlyReturnExisting,omitempty"`
	}{
		Contact:            acct.Contact,
		ToSAgreed:          opts.AgreeToS,
		OnlyReturnExisting: opts.OnlyReturnExisting,
	}

	reqBody, err := json.Marshal(&newAcctReq)
	if err != nil {
		return err
	}

	newAcctURL, ok := c.GetEndpointURL(ctx, acme.NEW_ACCOUNT_ENDPOINT)
	if !ok {
		return fmt.Errorf(
			"create: ACME server missing %q endpoint in directory",
			acme.NEW_ACCOUNT_ENDPOINT)
	}

	resp, err := c.SignAndPost(ctx, newAcctURL, reqBody, &SigningOptions{
		EmbedKey: true,
		Signer:   acct.Signer,
	})
	if err != nil {
		return err
	}

	respOb := resp.Response
	if respOb.StatusCode != http.StatusCreated && respOb.StatusCode != http.StatusOK {
		return fmt.Errorf("create: server returned status code %d, expected %d or %d",
			respOb.StatusCode, http.StatusCreated, http.StatusOK)
	}

	locHeader := respOb.Header.Get("Location")
	if locHeader == "" {
		return fmt.Errorf("create: server returned response with no Location header")
	}

	if err := json.Unmarshal(resp.RespBody, acct); err != nil {
		return fmt.Errorf("create: server returned invalid JSON: %s", err)
	}

	// Store the Location header as the Account's ID
	acct.ID = locHeader
	log.Printf("Account has ID %q\n", acct.ID)
	return nil
}

// UpdateAccount POSTs the account's mutable fields (contact) to its ID URL,
// authenticated by KeyID, and refreshes the local object from the server's
// reply.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3.2
func (c *Client) UpdateAccount(ctx context.Context, acct *resources.Account, contact []string) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("update: account must have been created first")
	}

	updateReq := struct {
		Contact []string `json:"contact,omitempty"`
	}{
		Contact: contact,
	}
	reqBody, err := json.Marshal(&updateReq)
	if err != nil {
		return err
	}

	resp, err := c.SignAndPost(ctx, acct.ID, reqBody, &SigningOptions{
		KeyID:  acct.ID,
		Signer: acct.Signer,
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.RespBody, acct); err != nil {
		return fmt.Errorf("update: server returned invalid JSON: %s", err)
	}
	return nil
}

// DeactivateAccount POSTs {"status":"deactivated"} to the account URL.
// A deactivated account can not be reactivated; the server will refuse all
// future requests authenticated by it.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3.6
func (c *Client) DeactivateAccount(ctx context.Context, acct *resources.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("deactivate: account must have been created first")
	}

	reqBody := []byte(fmt.Sprintf(`{"status":%q}`, acme.StatusDeactivated))
	resp, err := c.SignAndPost(ctx, acct.ID, reqBody, &SigningOptions{
		KeyID:  acct.ID,
		Signer: acct.Signer,
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.RespBody, acct); err != nil {
		return fmt.Errorf("deactivate: server returned invalid JSON: %s", err)
	}
	log.Printf("Deactivated account %q\n", acct.ID)
	return nil
}

// Rollover switches the active account to a new private key using the ACME
// key change protocol. The request is a nested JWS: the inner JWS is signed
// by the new key with its JWK embedded and carries the account URL and the
// old key's JWK as payload; the outer JWS is signed by the current account
// key with the account's KeyID. Both JWS share the keyChange endpoint as
// their protected "url" and each carries the "alg" of its own key.
//
// On success the ActiveAccount's Signer is replaced with newKey. The
// account's ID (kid) is unchanged.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3.5
func (c *Client) Rollover(ctx context.Context, newKey crypto.Signer) error {
	acctID := c.ActiveAccountID()
	if acctID == "" {
		return fmt.Errorf("rollover: active account is nil or has not been created")
	}
	account := c.ActiveAccount

	oldJWK := keys.JWKForSigner(account.Signer)
	rolloverRequest := struct {
		Account string          `json:"account"`
		OldKey  jose.JSONWebKey `json:"oldKey"`
	}{
		Account: acctID,
		OldKey:  oldJWK,
	}

	rolloverRequestJSON, err := json.Marshal(&rolloverRequest)
	if err != nil {
		return fmt.Errorf("rollover: failed to marshal request to JSON: %w", err)
	}

	targetURL, ok := c.GetEndpointURL(ctx, acme.KEY_CHANGE_ENDPOINT)
	if !ok {
		return fmt.Errorf("rollover: no %q endpoint in server's directory",
			acme.KEY_CHANGE_ENDPOINT)
	}

	// The inner JWS has no nonce, its anti-replay protection is the outer
	// JWS.
	innerSignResult, err := c.Sign(targetURL, rolloverRequestJSON, &SigningOptions{
		Signer:    newKey,
		EmbedKey:  true,
		OmitNonce: true,
	})
	if err != nil {
		return fmt.Errorf("rollover: error signing inner JWS: %w", err)
	}

	resp, err := c.SignAndPost(ctx, targetURL, innerSignResult.SerializedJWS, &SigningOptions{
		KeyID:  acctID,
		Signer: account.Signer,
	})
	if err != nil {
		return err
	}

	if resp.Response.StatusCode != http.StatusOK {
		return fmt.Errorf("rollover: server returned status code %d, expected %d",
			resp.Response.StatusCode, http.StatusOK)
	}

	c.Keys[acctID] = newKey
	account.Signer = newKey
	log.Printf("Rollover for %q completed\n", acctID)
	return nil
}

// DeactivateAuthorization POSTs {"status":"deactivated"} to an authorization
// URL, relinquishing the authorization so it can not be reused for future
// orders.
//
// See https://tools.ietf.org/html/rfc8555#section-7.5.2
func (c *Client) DeactivateAuthorization(ctx context.Context, authz *resources.Authorization) error {
	if authz == nil || authz.ID == "" {
		return fmt.Errorf("deactivateAuthz: authz must have an ID")
	}

	reqBody := []byte(fmt.Sprintf(`{"status":%q}`, acme.StatusDeactivated))
	resp, err := c.SignAndPost(ctx, authz.ID, reqBody, nil)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.RespBody, authz); err != nil {
		return fmt.Errorf("deactivateAuthz: server returned invalid JSON: %s", err)
	}
	return nil
}
