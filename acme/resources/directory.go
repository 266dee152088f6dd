// Package resources provides types for representing and interacting with ACME
// protocol resources.
package resources

// Directory maps the ACME operations to the URLs a server exposes them at.
// Clients fetch it once from the configured directory URL and treat it as
// immutable afterwards.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.1
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	NewAuthz   string `json:"newAuthz,omitempty"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange"`
	Meta       *Meta  `json:"meta,omitempty"`
}

// Meta carries the optional directory metadata object.
// See https://tools.ietf.org/html/rfc8555#section-7.1.1
type Meta struct {
	TermsOfService          string   `json:"termsOfService,omitempty"`
	Website                 string   `json:"website,omitempty"`
	CAAIdentities           []string `json:"caaIdentities,omitempty"`
	ExternalAccountRequired bool     `json:"externalAccountRequired,omitempty"`
}

// EndpointURL returns the URL for the named directory entry ("newNonce",
// "newAccount", ...). If the entry is absent an empty string and a false
// bool are returned.
func (d Directory) EndpointURL(name string) (string, bool) {
	var url string
	switch name {
	case "newNonce":
		url = d.NewNonce
	case "newAccount":
		url = d.NewAccount
	case "newOrder":
		url = d.NewOrder
	case "newAuthz":
		url = d.NewAuthz
	case "revokeCert":
		url = d.RevokeCert
	case "keyChange":
		url = d.KeyChange
	}
	if url == "" {
		return "", false
	}
	return url, true
}
