package client

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/cpu/acmeclient/acme"
)

// noncePool is a FIFO of unused Replay-Nonce values. Every response from the
// ACME server carries a fresh nonce which is banked here; signing operations
// take one each. The pool is safe for concurrent use, each in-flight request
// holds its own nonce. Lifetime equals the client's, there is no process
// wide nonce state.
type noncePool struct {
	mu     sync.Mutex
	nonces []string
}

// push banks a nonce. Empty values and values already pooled are dropped:
// the RFC says clients MUST ignore invalid Replay-Nonce values and a
// duplicate can only be served by a misbehaving server.
func (p *noncePool) push(nonce string) {
	if nonce == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.nonces {
		if n == nonce {
			return
		}
	}
	p.nonces = append(p.nonces, nonce)
}

// pop takes the oldest banked nonce. It does not block; the second return
// value is false when the pool is empty.
func (p *noncePool) pop() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.nonces) == 0 {
		return "", false
	}
	n := p.nonces[0]
	p.nonces = p.nonces[1:]
	return n, true
}

func (p *noncePool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nonces)
}

// Nonce returns a single-use nonce for signing a request, taking one from
// the pool when available and performing a HEAD request to the newNonce
// endpoint otherwise. This is the only request the client issues implicitly
// on the caller's behalf.
//
// See https://tools.ietf.org/html/rfc8555#section-7.2
func (c *Client) Nonce(ctx context.Context) (string, error) {
	if n, ok := c.nonces.pop(); ok {
		if c.Output.PrintNonceUpdates {
			log.Printf("Using pooled nonce %q", n)
		}
		return n, nil
	}
	if err := c.RefreshNonce(ctx); err != nil {
		return "", err
	}
	n, ok := c.nonces.pop()
	if !ok {
		return "", fmt.Errorf("nonce pool empty after refresh")
	}
	return n, nil
}

// stashNonce banks the Replay-Nonce header of a response, if any.
func (c *Client) stashNonce(header http.Header) {
	nonce := header.Get(acme.REPLAY_NONCE_HEADER)
	if nonce == "" {
		return
	}
	c.nonces.push(nonce)
	if c.Output.PrintNonceUpdates {
		log.Printf("Banked nonce %q", nonce)
	}
}

// RefreshNonce fetches a new nonce from the ACME server's newNonce endpoint
// and banks it in the client's pool for a subsequent signing operation.
//
// See https://tools.ietf.org/html/rfc8555#section-7.2
func (c *Client) RefreshNonce(ctx context.Context) error {
	nonceURL, ok := c.GetEndpointURL(ctx, acme.NEW_NONCE_ENDPOINT)
	if !ok {
		return fmt.Errorf(
			"missing %q entry in ACME server directory", acme.NEW_NONCE_ENDPOINT)
	}

	if c.Output.PrintNonceUpdates {
		log.Printf("Sending HTTP HEAD request to %q\n", nonceURL)
	}

	resp, err := c.net.HeadURL(ctx, nonceURL)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%q returned HTTP status %d, expected %d",
			acme.NEW_NONCE_ENDPOINT, resp.StatusCode, http.StatusOK)
	}

	nonce := resp.Header.Get(acme.REPLAY_NONCE_HEADER)
	if nonce == "" {
		return fmt.Errorf("%q returned no %q header value",
			acme.NEW_NONCE_ENDPOINT, acme.REPLAY_NONCE_HEADER)
	}

	c.nonces.push(nonce)
	if c.Output.PrintNonceUpdates {
		log.Printf("Refreshed nonce pool with %q", nonce)
	}
	return nil
}

// nonceSource hands one pre-fetched nonce to the JWS signer. go-jose's
// NonceSource interface has no context, so the network fetch happens before
// signing and the signer only ever sees this one-shot source.
type nonceSource struct {
	nonce string
}

func (s nonceSource) Nonce() (string, error) {
	if s.nonce == "" {
		return "", fmt.Errorf("nonce source is empty")
	}
	return s.nonce, nil
}
