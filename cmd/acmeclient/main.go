// acmeclient obtains a certificate from an ACME server for one or more
// domains, publishing challenge responses on local challenge servers. With
// -shell it instead drops into an interactive prompt for driving the ACME
// protocol by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cpu/acmeclient/acme"
	"github.com/cpu/acmeclient/acme/challenge"
	acmeclient "github.com/cpu/acmeclient/acme/client"
	"github.com/cpu/acmeclient/acme/resources"
	acmecmd "github.com/cpu/acmeclient/cmd"
	"github.com/cpu/acmeclient/solver"
)

const (
	DIRECTORY_DEFAULT    = "https://acme-staging-v02.api.letsencrypt.org/directory"
	CA_DEFAULT           = ""
	AUTOREGISTER_DEFAULT = true
	CONTACT_DEFAULT      = ""
	ACCOUNT_DEFAULT      = ""
	CHALLENGE_DEFAULT    = "http-01"
	HTTP_PORT_DEFAULT    = 5002
	TLS_PORT_DEFAULT     = 5001
	DNS_PORT_DEFAULT     = 5252
)

func main() {
	directory := flag.String(
		"directory",
		DIRECTORY_DEFAULT,
		"Directory URL for ACME server")

	caCert := flag.String(
		"ca",
		CA_DEFAULT,
		"CA certificate(s) for verifying ACME server HTTPS")

	autoRegister := flag.Bool(
		"autoregister",
		AUTOREGISTER_DEFAULT,
		"Create an ACME account automatically at startup if required")

	email := flag.String(
		"contact",
		CONTACT_DEFAULT,
		"Optional contact email address for auto-registered ACME account")

	acctPath := flag.String(
		"account",
		ACCOUNT_DEFAULT,
		"Optional JSON filepath to save/restore auto-registered ACME account to")

	challType := flag.String(
		"challenge",
		CHALLENGE_DEFAULT,
		"Challenge type to solve (http-01, dns-01, tls-alpn-01)")

	certPath := flag.String(
		"out",
		"",
		"Optional filepath to save the issued PEM chain to")

	timeout := flag.Duration(
		"timeout",
		5*time.Minute,
		"Overall deadline for the issuance flow")

	httpPort := flag.Int(
		"httpPort",
		HTTP_PORT_DEFAULT,
		"HTTP-01 challenge server port")

	tlsPort := flag.Int(
		"tlsPort",
		TLS_PORT_DEFAULT,
		"TLS-ALPN-01 challenge server port")

	dnsPort := flag.Int(
		"dnsPort",
		DNS_PORT_DEFAULT,
		"DNS-01 challenge server port")

	pebble := flag.Bool(
		"pebble",
		false,
		"Use Pebble defaults")

	shellMode := flag.Bool(
		"shell",
		false,
		"Start an interactive shell instead of a one-shot issuance")

	flag.Parse()

	if *pebble {
		pebbleDirectory := "https://localhost:14000/dir"
		directory = &pebbleDirectory
		pebbleBaseDir := os.Getenv("GOPATH")
		pebbleCA := pebbleBaseDir + "/src/github.com/letsencrypt/pebble/test/certs/pebble.minica.pem"
		caCert = &pebbleCA
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := acmeclient.NewClient(ctx, acmeclient.ClientConfig{
		DirectoryURL: *directory,
		CACert:       *caCert,
		ContactEmail: *email,
		AccountPath:  *acctPath,
		AutoRegister: *autoRegister,
	})
	acmecmd.FailOnError(err, "Unable to create ACME client")

	challSolver, err := solver.NewInProcess(solver.InProcessConfig{
		HTTPOneAddrs:    []string{fmt.Sprintf(":%d", *httpPort)},
		TLSALPNOneAddrs: []string{fmt.Sprintf(":%d", *tlsPort)},
		DNSOneAddrs:     []string{fmt.Sprintf(":%d", *dnsPort)},
	})
	acmecmd.FailOnError(err, "Unable to create challenge server")
	defer challSolver.Shutdown()

	if *shellMode {
		go acmecmd.CatchSignals(challSolver.Shutdown)
		runShell(ctx, client, challSolver, *challType)
		return
	}

	domains := flag.Args()
	if len(domains) == 0 {
		log.Fatalf("[!] No domains given. Usage: acmeclient [flags] domain [domain...]")
	}

	chainPEM, err := issue(ctx, client, challSolver.Solver, domains, *challType)
	if err != nil {
		log.Fatalf("[!] Issuance failed - %s", err)
	}

	if *certPath != "" {
		if err := os.WriteFile(*certPath, chainPEM, 0o644); err != nil {
			log.Fatalf("[!] Unable to write chain to %q - %s", *certPath, err)
		}
		log.Printf("Certificate chain saved to %q", *certPath)
	} else {
		fmt.Printf("%s", chainPEM)
	}
}

// issue runs the whole flow: order, solve one challenge per authorization,
// finalize with a fresh CSR, download the chain.
func issue(ctx context.Context, client *acmeclient.Client, challSolver *solver.Solver, domains []string, challType string) ([]byte, error) {
	var idents []resources.Identifier
	for _, domain := range domains {
		idents = append(idents, resources.Identifier{Type: "dns", Value: domain})
	}

	order := &resources.Order{Identifiers: idents}
	if err := client.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	authzs, err := client.Authorizations(ctx, order)
	if err != nil {
		return nil, err
	}

	for _, authz := range authzs {
		if authz.Status != acme.StatusPending {
			continue
		}

		wantType := challType
		if authz.Wildcard {
			// Wildcard identifiers only ever offer dns-01.
			wantType = acme.ChallengeDNS01
		}
		chall := authz.ChallengeByType(wantType)
		if chall == nil {
			return nil, fmt.Errorf("authz %q offers no %q challenge", authz.ID, wantType)
		}

		resp, err := challenge.Materialize(chall, authz.Identifier.Value, client.ActiveAccount.Signer)
		if err != nil {
			return nil, err
		}
		if err := challSolver.Publish(authz.Identifier.Value, resp); err != nil {
			return nil, err
		}
		defer func(ident string, resp *challenge.Response) {
			_ = challSolver.Cleanup(ident, resp)
		}(authz.Identifier.Value, resp)

		if err := client.AnswerChallenge(ctx, chall); err != nil {
			return nil, err
		}
		if _, err := client.WaitAuthz(ctx, authz, acme.StatusValid); err != nil {
			return nil, err
		}
	}

	if _, err := client.WaitOrder(ctx, order, acme.StatusReady); err != nil {
		return nil, err
	}

	csrDER, _, _, err := client.CSR("", domains, "")
	if err != nil {
		return nil, err
	}
	if err := client.FinalizeOrder(ctx, order, csrDER); err != nil {
		return nil, err
	}
	if _, err := client.WaitOrder(ctx, order, acme.StatusValid); err != nil {
		return nil, err
	}

	chain, err := client.DownloadCertificate(ctx, order)
	if err != nil {
		return nil, err
	}
	if len(chain.Alternates) > 0 {
		log.Printf("Server offered %d alternate chain(s): %s",
			len(chain.Alternates), strings.Join(chain.Alternates, ", "))
	}
	return chain.PEM, nil
}
