// Package client provides a low-level ACME v2 client.
package client

import (
	"context"
	"crypto"
	"fmt"
	"log"
	"net/mail"
	"net/url"
	"strings"

	"github.com/cpu/acmeclient/acme/resources"
	acmenet "github.com/cpu/acmeclient/net"
)

// Client allows interaction with an ACME server. A client may have many
// Accounts, each corresponding to a keypair and corresponding server-side
// Account resource. Each client uses the ActiveAccount to authenticate
// requests to the ACME server. In addition to Accounts a client maintains
// a map of Keys containing private keys that can be used for signing CSRs
// when finalizing orders.
//
// The Client's DirectoryURL field is a parsed *url.URL for the ACME server's
// directory. The client configures itself with the correct URLs for ACME
// operations using the directory resource accessed at this URL. See
// https://tools.ietf.org/html/rfc8555#section-7.1.1
//
// The Client's ActiveAccount field is a pointer to an Account that should be
// used for authenticating ACME requests with JSON Web Signatures (JWS).
// Switching the ActiveAccount between entries from the Accounts array allows
// multi-account use (e.g. verifying access control restrictions on resources
// with a test ACME server).
//
// The Client's Keys field is a map of private keys that can be used for
// signing operations that should not use the ActiveAccount's keypair. One
// example of this being helpful is for certificate signing requests (CSRs)
// used during order finalization which SHOULD NOT be the account keypair
// (see https://tools.ietf.org/html/rfc8555#section-11.1). Each private key
// is indexed in the Keys map by a string key identifier which will often be
// a human readable name (e.g. "example-key"). The key identifier for the
// Keys entry has no relation to ACME JWS key identifiers.
type Client struct {
	// A parsed *url.URL pointer for the ACME server's directory URL.
	DirectoryURL *url.URL
	// A pointer to the Account object that is considered currently active for
	// signing JWS for ACME requests.
	ActiveAccount *resources.Account
	// A map of key identifiers to private keys. These keys are used for signing
	// operations that shouldn't use an Account's associated key.
	Keys map[string]crypto.Signer
	// A slice of Account object pointers. The ActiveAccount is selected from
	// this list of available accounts.
	Accounts []*resources.Account
	// Options controlling the Client's output.
	Output OutputOptions
	// Use GET requests for Orders, Authorizations, Challenges and
	// Certificates instead of POST-as-GET. RFC 8555 requires POST-as-GET;
	// plain GET only exists for poking at servers that predate it.
	LegacyGET bool
	// The backoff policy used when polling resources for a status change.
	Backoff BackoffPolicy
	// the net object is used to make HTTP GET/POST/HEAD requests to the ACME
	// server.
	net *acmenet.ACMENet
	// directory is an in-memory representation of the ACME server's directory
	// object. Immutable once fetched.
	directory *resources.Directory
	// nonces is the pool of unused Replay-Nonce values banked from prior
	// responses. See nonce.go.
	nonces noncePool
}

// OutputOptions holds runtime output settings for a client.
type OutputOptions struct {
	// Print all HTTP requests made to the ACME server.
	PrintRequests bool
	// Print all HTTP responses from the ACME server.
	PrintResponses bool
	// Print all the input to JWS produced.
	PrintSignedData bool
	// Print the JSON serialization of all JWS produced.
	PrintJWS bool
	// Print nonce pool refills and takes.
	PrintNonceUpdates bool
}

// ClientConfig contains configuration options provided to NewClient when
// creating a Client instance.
//
// The DirectoryURL field is a string containing the URL for the ACME
// server's directory endpoint. This field is mandatory and must not be
// empty. It should be a fully qualified URL with a HTTP/HTTPS protocol
// prefix ("http://" or "https://").
//
// The CACert field is an optional string containing a file path to a file
// containing one or more PEM encoded CA certificates that should be used as
// trust roots for HTTPS requests to the ACME server. If empty the default
// system roots are used. For example, if you are using Pebble as the ACME
// server, it should be the file path to the "test/certs/pebble.minica.pem"
// file from the Pebble source directory.
//
// The ContactEmail field is a string expected to contain a single email
// address or to be empty. It will be used as a "mailto:" contact address
// when auto-registering an ACME account. Because this field is only
// referenced during auto-registering an Account it is only used when
// AutoRegister is true.
//
// The AccountPath field is a string expected to contain a file path for
// a previously saved Account, or to be empty. If the AccountPath field is
// populated NewClient will try to load the Account serialized in the
// provided filepath. It will be the ActiveAccount once loaded.
type ClientConfig struct {
	// A fully qualified URL for the ACME server's directory resource. Must
	// include an HTTP/HTTPS protocol prefix.
	DirectoryURL string
	// An optional file path to one or more PEM encoded CA certificates to be
	// used as trust roots for HTTPS requests to the ACME server.
	CACert string
	// An optional email address to use if AutoRegister is true and an Account
	// is created with the ACME server. It should not have a protocol prefix.
	// This field only supports one email address.
	ContactEmail string
	// An optional file path to a previously saved account. It will be loaded
	// and used as the ActiveAccount. If the account loads, no account is
	// auto-registered even if AutoRegister is true. If loading fails and
	// AutoRegister is true, a new account is registered and saved to this path.
	AccountPath string
	// If AutoRegister is true NewClient will automatically create a new
	// Account with the ACME server and use it as the ActiveAccount. If
	// ContactEmail is specified it will be used as the new ACME account's
	// Contact mailto address.
	AutoRegister bool
	// If LegacyGET is true then requests for Orders, Authorizations,
	// Challenges and Certificates will be plain GETs instead of POST-as-GET.
	LegacyGET bool
	// Initial OutputOptions settings
	InitialOutput OutputOptions
}

// normalize validates a ClientConfig.
func (conf *ClientConfig) normalize() error {
	// Clean up any junk whitespace that might have snuck in
	conf.DirectoryURL = strings.TrimSpace(conf.DirectoryURL)
	conf.ContactEmail = strings.TrimSpace(conf.ContactEmail)
	conf.AccountPath = strings.TrimSpace(conf.AccountPath)

	if conf.DirectoryURL == "" {
		return fmt.Errorf("DirectoryURL must not be empty")
	}

	if _, err := url.Parse(conf.DirectoryURL); err != nil {
		return fmt.Errorf("DirectoryURL invalid: %s", err.Error())
	}

	if conf.ContactEmail != "" {
		addr, err := mail.ParseAddress(conf.ContactEmail)
		if err != nil {
			return fmt.Errorf("ContactEmail is invalid: %s", err.Error())
		}
		conf.ContactEmail = addr.Address
	}

	return nil
}

// NewClient creates a Client instance from the given ClientConfig. The
// server's directory is fetched immediately; account restore and
// auto-registration happen according to the config. If the config is not
// valid or if another error occurs it will be returned along with a nil
// Client.
func NewClient(ctx context.Context, config ClientConfig) (*Client, error) {
	// Validate the ClientConfig has no errors when normalized.
	if err := config.normalize(); err != nil {
		return nil, err
	}

	net, err := acmenet.New(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("unable to create ACME net client: %w", err)
	}

	// NOTE: Its safe to throw away the returned err here because we check
	// that `url.Parse` will succeed in `config.normalize()` above.
	dirURL, _ := url.Parse(config.DirectoryURL)

	client := &Client{
		DirectoryURL: dirURL,
		LegacyGET:    config.LegacyGET,
		Keys:         map[string]crypto.Signer{},
		Output:       config.InitialOutput,
		Backoff:      DefaultBackoffPolicy(),
		net:          net,
	}

	if err := client.UpdateDirectory(ctx); err != nil {
		return nil, err
	}

	// If requested, try to load an existing account from disk
	if config.AccountPath != "" {
		log.Printf("Trying to restore account from %q\n", config.AccountPath)
		acct, err := resources.RestoreAccount(config.AccountPath)

		// if there was an error loading the account and auto-register is not
		// specified then return an error. We have no account to use.
		if err != nil && !config.AutoRegister {
			return nil, fmt.Errorf("error restoring account from %q : %s",
				config.AccountPath, err)
		} else if err != nil && config.AutoRegister {
			log.Printf("No account restored\n")
		}

		// If there was no error, populate the active account
		if err == nil {
			client.Keys[acct.ID] = acct.Signer
			client.Accounts = append(client.Accounts, acct)
			client.ActiveAccount = acct
			log.Printf("Restored account with ID %q (Contact %s)\n",
				acct.ID, acct.Contact)
		}
	}

	// If there is no active account and auto-register is enabled then create
	// a new account.
	if config.AutoRegister && client.ActiveAccountID() == "" {
		// Make the account object
		acct, err := resources.NewAccount([]string{config.ContactEmail}, nil)
		if err != nil {
			return nil, err
		}
		// store the account object
		client.Accounts = append(client.Accounts, acct)
		// use the auto-registered account as the active account
		client.ActiveAccount = acct
		// create the account with the ACME server
		if err := client.CreateAccount(ctx, acct, CreateAccountOptions{AgreeToS: true}); err != nil {
			return nil, err
		}
		// store the account key
		client.Keys[acct.ID] = acct.Signer

		// if there is an account path configured, save the account we just
		// made to that path
		if config.AccountPath != "" {
			err := resources.SaveAccount(config.AccountPath, client.ActiveAccount)
			if err != nil {
				return nil, fmt.Errorf("error saving account to %q : %s",
					config.AccountPath, err)
			}
			log.Printf("Saved account data to %q", config.AccountPath)
		}
	}

	if acctID := client.ActiveAccountID(); acctID != "" {
		log.Printf("Active account: %q\n", acctID)
	}

	return client, nil
}

// ActiveAccountID returns the ID of the ActiveAccount. If the ActiveAccount is
// nil, an empty string is returned. If the ActiveAccount has not yet been
// created with the ACME server an empty string is returned.
func (c *Client) ActiveAccountID() string {
	if c.ActiveAccount == nil {
		return ""
	}

	return c.ActiveAccount.ID
}

func (c *Client) Printf(format string, vals ...interface{}) {
	log.Printf(format, vals...)
}
