// Package solver publishes materialized challenge responses so an ACME
// server can validate them. The library core only derives the response
// data; this package is the publication glue for development and test
// environments, backed by a letsencrypt/challtestsrv challenge server.
package solver

import (
	"fmt"
	"log"
	"os"

	"github.com/letsencrypt/challtestsrv"

	"github.com/cpu/acmeclient/acme"
	"github.com/cpu/acmeclient/acme/challenge"
)

// ChallengeServer is an interface for the parts of
// github.com/letsencrypt/challtestsrv.ChallSrv the solver uses. Anything
// that can host http-01, dns-01 and tls-alpn-01 responses can stand in.
type ChallengeServer interface {
	// HTTP-01 challenge add/remove
	AddHTTPOneChallenge(token string, keyAuth string)
	DeleteHTTPOneChallenge(token string)

	// DNS-01 challenge add/remove
	AddDNSOneChallenge(host string, keyAuth string)
	DeleteDNSOneChallenge(host string)

	// TLS-ALPN-01 challenge add/remove
	AddTLSALPNChallenge(host string, keyAuth string)
	DeleteTLSALPNChallenge(host string)
}

// Solver publishes challenge responses to a ChallengeServer.
type Solver struct {
	srv ChallengeServer
}

// New creates a Solver around an existing ChallengeServer.
func New(srv ChallengeServer) *Solver {
	return &Solver{srv: srv}
}

// InProcessConfig configures NewInProcess.
type InProcessConfig struct {
	// Listen addresses for the challenge responders. Empty slices disable
	// the corresponding responder.
	HTTPOneAddrs    []string
	DNSOneAddrs     []string
	TLSALPNOneAddrs []string
	// DefaultIPv4 is the A record answer the DNS responder gives for
	// unknown hosts, typically the address validation traffic should hit.
	DefaultIPv4 string
}

// InProcessServer is a Solver backed by an in-process challtestsrv instance.
type InProcessServer struct {
	*Solver
	srv *challtestsrv.ChallSrv
}

// NewInProcess starts a challtestsrv challenge server inside this process
// and returns a Solver publishing to it. Call Shutdown when done.
func NewInProcess(config InProcessConfig) (*InProcessServer, error) {
	challSrv, err := challtestsrv.New(challtestsrv.Config{
		HTTPOneAddrs:    config.HTTPOneAddrs,
		DNSOneAddrs:     config.DNSOneAddrs,
		TLSALPNOneAddrs: config.TLSALPNOneAddrs,
		Log:             log.New(os.Stdout, "challRespSrv: ", log.Ldate|log.Ltime),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create challenge test server: %w", err)
	}
	if config.DefaultIPv4 != "" {
		challSrv.SetDefaultDNSIPv4(config.DefaultIPv4)
	}

	go challSrv.Run()

	return &InProcessServer{
		Solver: New(challSrv),
		srv:    challSrv,
	}, nil
}

// Shutdown stops the in-process challenge server.
func (s *InProcessServer) Shutdown() {
	s.srv.Shutdown()
}

// Publish makes the materialized response for identifier available to
// validation traffic. The response's key authorization is handed to the
// challenge server, which hosts the well-known file, TXT record or
// validation certificate itself.
func (s *Solver) Publish(identifier string, resp *challenge.Response) error {
	switch resp.Type {
	case acme.ChallengeHTTP01:
		token, err := tokenFromPath(resp.HTTP01Path)
		if err != nil {
			return err
		}
		s.srv.AddHTTPOneChallenge(token, resp.KeyAuthorization)
	case acme.ChallengeDNS01:
		s.srv.AddDNSOneChallenge(hostFromIdentifier(identifier), resp.KeyAuthorization)
	case acme.ChallengeTLSALPN01:
		s.srv.AddTLSALPNChallenge(hostFromIdentifier(identifier), resp.KeyAuthorization)
	default:
		return fmt.Errorf("solver: unsupported challenge type %q", resp.Type)
	}
	return nil
}

// Cleanup removes a previously published response.
func (s *Solver) Cleanup(identifier string, resp *challenge.Response) error {
	switch resp.Type {
	case acme.ChallengeHTTP01:
		token, err := tokenFromPath(resp.HTTP01Path)
		if err != nil {
			return err
		}
		s.srv.DeleteHTTPOneChallenge(token)
	case acme.ChallengeDNS01:
		s.srv.DeleteDNSOneChallenge(hostFromIdentifier(identifier))
	case acme.ChallengeTLSALPN01:
		s.srv.DeleteTLSALPNChallenge(hostFromIdentifier(identifier))
	default:
		return fmt.Errorf("solver: unsupported challenge type %q", resp.Type)
	}
	return nil
}

func tokenFromPath(wellKnownPath string) (string, error) {
	const prefix = "/.well-known/acme-challenge/"
	if len(wellKnownPath) <= len(prefix) {
		return "", fmt.Errorf("solver: malformed http-01 path %q", wellKnownPath)
	}
	return wellKnownPath[len(prefix):], nil
}

// hostFromIdentifier strips a wildcard prefix; challenge responses for
// "*.example.com" are hosted at "example.com".
func hostFromIdentifier(identifier string) string {
	if len(identifier) > 2 && identifier[:2] == "*." {
		return identifier[2:]
	}
	return identifier
}
