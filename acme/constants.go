// Package acme provides ACME protocol constants. See RFC 8555.
package acme

const (
	// Directory constants
	// See https://tools.ietf.org/html/rfc8555#section-9.7.5

	// The ACME directory key for the newNonce endpoint
	NEW_NONCE_ENDPOINT = "newNonce"
	// The ACME directory key for the newAccount endpoint.
	NEW_ACCOUNT_ENDPOINT = "newAccount"
	// The ACME directory key for the newOrder endpoint.
	NEW_ORDER_ENDPOINT = "newOrder"
	// The ACME directory key for the revokeCert endpoint.
	REVOKE_CERT_ENDPOINT = "revokeCert"
	// The ACME directory key for the keyChange endpoint.
	KEY_CHANGE_ENDPOINT = "keyChange"

	// The HTTP response header used by ACME to communicate a fresh nonce. See
	// https://tools.ietf.org/html/rfc8555#section-9.3
	REPLAY_NONCE_HEADER = "Replay-Nonce"

	// The Content-Type for all signed ACME request bodies. See
	// https://tools.ietf.org/html/rfc8555#section-6.2
	JOSE_CONTENT_TYPE = "application/jose+json"
	// The Content-Type of ACME problem documents. See
	// https://tools.ietf.org/html/rfc8555#section-6.7
	PROBLEM_CONTENT_TYPE = "application/problem+json"
	// The Content-Type of issued certificate chains. See
	// https://tools.ietf.org/html/rfc8555#section-7.4.2
	PEM_CHAIN_CONTENT_TYPE = "application/pem-certificate-chain"
)

// Status values shared by accounts, orders, authorizations and challenges.
// See https://tools.ietf.org/html/rfc8555#section-7.1.6
const (
	StatusPending     = "pending"
	StatusReady       = "ready"
	StatusProcessing  = "processing"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusDeactivated = "deactivated"
	StatusExpired     = "expired"
	StatusRevoked     = "revoked"
)

// Challenge types defined by RFC 8555 section 8 and RFC 8737.
const (
	ChallengeHTTP01    = "http-01"
	ChallengeDNS01     = "dns-01"
	ChallengeTLSALPN01 = "tls-alpn-01"
)

// The namespace prefix for ACME error types. See
// https://tools.ietf.org/html/rfc8555#section-6.7
const ErrorNS = "urn:ietf:params:acme:error:"

// ACME error type URNs the client takes decisions on.
const (
	ErrorBadNonce        = ErrorNS + "badNonce"
	ErrorBadSignatureAlg = ErrorNS + "badSignatureAlgorithm"
	ErrorMalformed       = ErrorNS + "malformed"
	ErrorOrderNotReady   = ErrorNS + "orderNotReady"
	ErrorRateLimited     = ErrorNS + "rateLimited"
	ErrorRejectedID      = ErrorNS + "rejectedIdentifier"
	ErrorUnauthorized    = ErrorNS + "unauthorized"
)
