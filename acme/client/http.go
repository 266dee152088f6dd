package client

import (
	"context"
	"encoding/json"
	"log"
	"mime"
	"net/http"
	"strings"

	"github.com/cpu/acmeclient/acme"
	"github.com/cpu/acmeclient/acme/resources"
	"github.com/cpu/acmeclient/net"
)

func (c *Client) handleRequest(req *http.Request) (*net.NetResponse, error) {
	resp, err := c.net.Do(req)
	if err != nil {
		return nil, err
	}
	if c.Output.PrintRequests {
		log.Printf("Request:\n%s\n", resp.ReqDump)
	}
	if c.Output.PrintResponses {
		log.Printf("Response:\n%s\n%s\n", resp.RespDump, resp.RespBody)
	}
	// Bank any Replay-Nonce the response carried.
	c.stashNonce(resp.Response.Header)
	return resp, nil
}

// GetURL performs a plain GET. Only the directory fetch and LegacyGET mode
// use this; everything else is a signed POST.
func (c *Client) GetURL(ctx context.Context, url string) (*net.NetResponse, error) {
	req, err := c.net.GetRequest(ctx, url)
	if err != nil {
		return nil, err
	}
	return c.handleRequest(req)
}

// PostURL POSTs an already-signed JWS body to the given URL.
func (c *Client) PostURL(ctx context.Context, url string, body []byte) (*net.NetResponse, error) {
	req, err := c.net.PostRequest(ctx, url, body)
	if err != nil {
		return nil, err
	}
	return c.handleRequest(req)
}

// SignAndPost signs the given payload per opts and POSTs it to url. It
// implements the request algorithm of RFC 8555 section 6.5:
//
//  1. take a nonce (pool, else HEAD newNonce)
//  2. build the JWS envelope
//  3. POST, banking any returned Replay-Nonce
//  4. on a badNonce problem, retry once with the replacement nonce the
//     server supplied; a second badNonce surfaces ErrBadNonceExhausted
//
// A non-2xx response with a problem document is returned as a
// *resources.Problem error; any other non-2xx as *UnexpectedStatusError.
// Responses in [200,299] are returned for the caller to decode.
func (c *Client) SignAndPost(ctx context.Context, url string, payload []byte, opts *SigningOptions) (*net.NetResponse, error) {
	if opts == nil {
		opts = &SigningOptions{}
	}

	resp, err := c.signAndPostOnce(ctx, url, payload, opts)
	if err != nil {
		return nil, err
	}

	if prob := c.problemFromResponse(resp); prob != nil {
		if !prob.IsType(acme.ErrorBadNonce) {
			return nil, prob
		}
		// The badNonce response carried a fresh Replay-Nonce which
		// stashNonce already banked. Sign again and retry exactly once.
		if c.Output.PrintNonceUpdates {
			log.Printf("Retrying %q with fresh nonce after badNonce", url)
		}
		resp, err = c.signAndPostOnce(ctx, url, payload, opts)
		if err != nil {
			return nil, err
		}
		if prob := c.problemFromResponse(resp); prob != nil {
			if prob.IsType(acme.ErrorBadNonce) {
				return nil, ErrBadNonceExhausted
			}
			return nil, prob
		}
	}

	if code := resp.Response.StatusCode; code < 200 || code > 299 {
		return nil, &UnexpectedStatusError{Code: code, Body: resp.RespBody}
	}
	return resp, nil
}

func (c *Client) signAndPostOnce(ctx context.Context, url string, payload []byte, opts *SigningOptions) (*net.NetResponse, error) {
	signOpts := *opts
	if signOpts.NonceSource == nil {
		nonce, err := c.Nonce(ctx)
		if err != nil {
			return nil, err
		}
		signOpts.NonceSource = nonceSource{nonce: nonce}
	}

	signResult, err := c.Sign(url, payload, &signOpts)
	if err != nil {
		return nil, err
	}

	return c.PostURL(ctx, url, signResult.SerializedJWS)
}

// PostAsGet performs a POST-as-GET request to the given URL: a signed POST
// whose payload is the empty string, authenticated with the active account's
// KeyID. When the client's LegacyGET field is set it performs a plain
// unsigned GET instead.
//
// See https://tools.ietf.org/html/rfc8555#section-6.3
func (c *Client) PostAsGet(ctx context.Context, url string) (*net.NetResponse, error) {
	if c.LegacyGET {
		resp, err := c.GetURL(ctx, url)
		if err != nil {
			return nil, err
		}
		if prob := c.problemFromResponse(resp); prob != nil {
			return nil, prob
		}
		if code := resp.Response.StatusCode; code < 200 || code > 299 {
			return nil, &UnexpectedStatusError{Code: code, Body: resp.RespBody}
		}
		return resp, nil
	}
	return c.SignAndPost(ctx, url, []byte(""), nil)
}

// problemFromResponse decodes a problem document from a non-2xx response.
// It returns nil when the response is a success or the body is not
// application/problem+json.
func (c *Client) problemFromResponse(resp *net.NetResponse) *resources.Problem {
	code := resp.Response.StatusCode
	if code >= 200 && code <= 299 {
		return nil
	}
	contentType, _, err := mime.ParseMediaType(resp.Response.Header.Get("Content-Type"))
	if err != nil || contentType != acme.PROBLEM_CONTENT_TYPE {
		return nil
	}
	var prob resources.Problem
	if err := json.Unmarshal(resp.RespBody, &prob); err != nil {
		return nil
	}
	if prob.Status == 0 {
		prob.Status = code
	}
	return &prob
}

// linkURLs extracts the URLs of every Link header on the response with the
// given relation type, e.g. `Link: <https://...>;rel="alternate"`.
//
// See https://tools.ietf.org/html/rfc8555#section-7.4.2
func linkURLs(header http.Header, rel string) []string {
	var urls []string
	for _, link := range header["Link"] {
		for _, part := range strings.Split(link, ",") {
			fields := strings.Split(strings.TrimSpace(part), ";")
			if len(fields) < 2 {
				continue
			}
			url := strings.TrimSpace(fields[0])
			if !strings.HasPrefix(url, "<") || !strings.HasSuffix(url, ">") {
				continue
			}
			for _, attr := range fields[1:] {
				attr = strings.TrimSpace(attr)
				if attr == `rel="`+rel+`"` || attr == "rel="+rel {
					urls = append(urls, strings.Trim(url, "<>"))
				}
			}
		}
	}
	return urls
}
