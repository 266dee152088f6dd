package resources

import (
	"crypto"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cpu/acmeclient/acme/keys"
)

// Account holds information related to a single ACME Account resource. If the
// account has an empty ID it has not yet been created server-side with the ACME
// server using the client.CreateAccount function.
//
// The ID field holds the server assigned Account ID (a URL) that is assigned
// at the time of account creation and used as the JWS KeyID for
// authenticating ACME requests with the Account's registered keypair.
//
// The Signer field is the account's private key. The public component and
// the JWS algorithm are computed from it. The key itself is never sent over
// the wire, only its JWK.
type Account struct {
	// The server assigned Account ID. This is used for the JWS KeyID when
	// authenticating ACME requests using the Account's registered keypair.
	ID string `json:"-"`
	// The status of the account: "valid", "deactivated" (client initiated) or
	// "revoked" (server initiated).
	Status string `json:"status,omitempty"`
	// If not nil, a slice of one or more contact URIs for the Account
	// (typically "mailto:" addresses).
	Contact []string `json:"contact,omitempty"`
	// Whether the account holder agreed to the server's terms of service.
	TermsOfServiceAgreed bool `json:"termsOfServiceAgreed,omitempty"`
	// URL from which the account's order list can be fetched.
	OrdersURL string `json:"orders,omitempty"`
	// The private key used for the ACME account's keypair.
	Signer crypto.Signer `json:"-"`
	// If not nil, a slice of URLs for Order resources the Account created with
	// the ACME server.
	Orders []string `json:"-"`
}

// String returns the Account's ID or an empty string if it has not been created
// with the ACME server.
func (a Account) String() string {
	return a.ID
}

// NewAccount creates an ACME account in-memory. *Important:* the created
// Account is *not* registered with the ACME server until it is explicitly
// "created" server-side using a Client instance's CreateAccount function.
//
// The emails argument is a slice of zero or more email addresses that should
// be used as the Account's Contact information.
//
// The signer argument is a private key that should be used for the Account
// keypair. It will be used to create JWS for requests when the Account is
// a Client's ActiveAccount. If the signer argument is nil a new randomly
// generated P-256 key will be used for the Account key.
func NewAccount(emails []string, signer crypto.Signer) (*Account, error) {
	var contacts []string
	for _, e := range emails {
		if e == "" {
			continue
		}
		contacts = append(contacts, fmt.Sprintf("mailto:%s", e))
	}

	if signer == nil {
		randKey, err := keys.NewSigner("ecdsa")
		if err != nil {
			return nil, err
		}
		signer = randKey
	}

	return &Account{
		Contact: contacts,
		Signer:  signer,
	}, nil
}

// OrderURL returns the URL of the index-th order created by the account in
// this session.
func (a *Account) OrderURL(i int) (string, error) {
	if i < 0 || i >= len(a.Orders) {
		return "", fmt.Errorf("no order with index %d (have %d orders)", i, len(a.Orders))
	}
	return a.Orders[i], nil
}

// SaveAccount persists the given Account object (which must not be nil) to the
// given file path. If any errors occur serializing the account it will be
// returned.
func SaveAccount(path string, account *Account) error {
	if account == nil {
		return fmt.Errorf("account must not be nil")
	}
	frozenBytes, err := account.save()
	if err != nil {
		return err
	}
	return os.WriteFile(path, frozenBytes, 0o600)
}

// RestoreAccount loads a previously saved Account object from the given file
// path. This file should have been created using SaveAccount in a previous
// session. If any errors occur deserializing an Account from the data in the
// provided filepath a nil Account instance and a non-nil error will be
// returned.
func RestoreAccount(path string) (*Account, error) {
	acct := &Account{}
	frozenBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := acct.restore(frozenBytes); err != nil {
		return nil, err
	}
	return acct, nil
}

type rawAccount struct {
	ID         string
	Contact    []string
	KeyType    string
	PrivateKey []byte
}

func (acct *Account) save() ([]byte, error) {
	keyBytes, keyType, err := keys.MarshalSigner(acct.Signer)
	if err != nil {
		return nil, err
	}

	rawAcct := rawAccount{
		ID:         acct.ID,
		Contact:    acct.Contact,
		KeyType:    keyType,
		PrivateKey: keyBytes,
	}
	frozenAcct, err := json.MarshalIndent(rawAcct, "", "  ")
	if err != nil {
		return nil, err
	}
	return frozenAcct, nil
}

func (acct *Account) restore(frozenAcct []byte) error {
	var rawAcct rawAccount

	err := json.Unmarshal(frozenAcct, &rawAcct)
	if err != nil {
		return err
	}

	signer, err := keys.UnmarshalSigner(rawAcct.PrivateKey, rawAcct.KeyType)
	if err != nil {
		return err
	}

	acct.ID = rawAcct.ID
	acct.Contact = rawAcct.Contact
	acct.Signer = signer
	return nil
}
