// Package acmetest provides an in-memory ACME v2 server for exercising
// clients in tests. It implements enough of RFC 8555 to drive the full
// issuance flow: directory, nonces, account registration and key rollover,
// orders with per-identifier authorizations and challenges, finalization
// against a real CSR, PEM chain download with alternate chains, and
// revocation. Challenge validation is simulated; the server never performs
// outbound HTTP/DNS/TLS lookups.
package acmetest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

var serverSigAlgs = []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.ES384, jose.ES512}

// Server is a fake ACME server. Configuration knobs are safe to set before
// issuing requests; the zero values give a well-behaved server.
type Server struct {
	// HTTP wrapper. URL() is the directory URL clients should use.
	httpServer *httptest.Server

	// ChallengeToken, when non-empty, is used as the token for every
	// challenge instead of a random value. Lets tests pin key
	// authorizations.
	ChallengeToken string

	// FailIdentifiers lists identifier values whose challenges always fail
	// validation, driving their authorization and order to "invalid".
	FailIdentifiers map[string]bool

	// BadNonceRejections makes the server reject that many signed POSTs
	// with a badNonce problem (each carrying a fresh Replay-Nonce) before
	// behaving normally.
	BadNonceRejections int

	// ProcessingPolls is how many order refreshes after finalization see
	// status "processing" before the order turns "valid". Models CAs whose
	// issuance is asynchronous. Zero means the first refresh is "valid".
	ProcessingPolls int

	// RetryAfter, when non-zero, is sent as a Retry-After header (seconds)
	// on order responses while the order is "pending" or "processing" and on
	// authorization responses while the authorization is "pending".
	RetryAfter int

	mu       sync.Mutex
	nonces   map[string]bool
	accounts map[string]*serverAccount // by account URL
	orders   map[string]*serverOrder   // by order number
	authzs   map[string]*serverAuthz   // by authz number
	challs   map[string]*serverChall   // by chall number
	certs    map[string][]byte         // cert number -> PEM chain
	postReqs map[string]int            // URL path -> signed POST count
	headReqs int                       // newNonce HEAD count
	nextID   int

	issuerKey  *ecdsa.PrivateKey
	issuerCert *x509.Certificate
	altKey     *ecdsa.PrivateKey
	altCert    *x509.Certificate
}

type serverAccount struct {
	url        string
	key        jose.JSONWebKey
	thumbprint string
	status     string
	contact    []string
}

type serverOrder struct {
	num         string
	status      string
	identifiers []identifier
	authzNums   []string
	certNum     string
	// polls since finalization, for ProcessingPolls
	processingSeen int
	expires        time.Time
}

type serverAuthz struct {
	num        string
	status     string
	identifier identifier
	wildcard   bool
	challNums  []string
	orderNum   string
	expires    time.Time
}

type serverChall struct {
	num       string
	typ       string
	status    string
	token     string
	authzNum  string
	validated time.Time
}

type identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// NewServer starts a fake ACME server. Call Close when done.
func NewServer() (*Server, error) {
	s := &Server{
		FailIdentifiers: map[string]bool{},
		nonces:          map[string]bool{},
		accounts:        map[string]*serverAccount{},
		orders:          map[string]*serverOrder{},
		authzs:          map[string]*serverAuthz{},
		challs:          map[string]*serverChall{},
		certs:           map[string][]byte{},
		postReqs:        map[string]int{},
	}

	if err := s.setupIssuers(); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/dir", s.handleDirectory)
	mux.HandleFunc("/nonce-plz", s.handleNonce)
	mux.HandleFunc("/sign-me-up", s.handleNewAccount)
	mux.HandleFunc("/order-plz", s.handleNewOrder)
	mux.HandleFunc("/acct/", s.handleAccount)
	mux.HandleFunc("/order/", s.handleOrder)
	mux.HandleFunc("/authz/", s.handleAuthz)
	mux.HandleFunc("/chall/", s.handleChall)
	mux.HandleFunc("/finalize/", s.handleFinalize)
	mux.HandleFunc("/cert/", s.handleCert)
	mux.HandleFunc("/key-change", s.handleKeyChange)
	mux.HandleFunc("/revoke-cert", s.handleRevoke)

	s.httpServer = httptest.NewServer(mux)
	return s, nil
}

func (s *Server) setupIssuers() error {
	makeIssuer := func(cn string) (*ecdsa.PrivateKey, *x509.Certificate, error) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		template := &x509.Certificate{
			SerialNumber:          big.NewInt(1),
			Subject:               pkix.Name{CommonName: cn},
			NotBefore:             time.Now().Add(-1 * time.Hour),
			NotAfter:              time.Now().Add(24 * time.Hour),
			IsCA:                  true,
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
			BasicConstraintsValid: true,
		}
		der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
		if err != nil {
			return nil, nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, err
		}
		return key, cert, nil
	}

	var err error
	s.issuerKey, s.issuerCert, err = makeIssuer("acmetest primary root")
	if err != nil {
		return err
	}
	s.altKey, s.altCert, err = makeIssuer("acmetest alternate root")
	return err
}

// Close shuts the server down.
func (s *Server) Close() {
	s.httpServer.Close()
}

// URL returns the directory URL for the fake server.
func (s *Server) URL() string {
	return s.httpServer.URL + "/dir"
}

// PostCount returns how many signed POSTs the server saw for the given URL
// path (e.g. "/order-plz").
func (s *Server) PostCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.postReqs[path]
}

func (s *Server) absURL(path string) string {
	return s.httpServer.URL + path
}

func (s *Server) freshNonce() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	nonce := base64.RawURLEncoding.EncodeToString(buf)
	s.nonces[nonce] = true
	return nonce
}

func (s *Server) writeNonce(w http.ResponseWriter) {
	w.Header().Set("Replay-Nonce", s.freshNonce())
}

func (s *Server) problem(w http.ResponseWriter, status int, typ, detail string) {
	s.writeNonce(w)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"type":   typ,
		"detail": detail,
		"status": status,
	})
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"newNonce":   s.absURL("/nonce-plz"),
		"newAccount": s.absURL("/sign-me-up"),
		"newOrder":   s.absURL("/order-plz"),
		"revokeCert": s.absURL("/revoke-cert"),
		"keyChange":  s.absURL("/key-change"),
		"meta": map[string]interface{}{
			"termsOfService": s.absURL("/terms"),
		},
	})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headReqs++
	s.writeNonce(w)
	w.WriteHeader(http.StatusNoContent)
}

// NonceFetches returns how many explicit newNonce requests the server saw.
func (s *Server) NonceFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headReqs
}

// verifiedRequest is a successfully authenticated signed POST.
type verifiedRequest struct {
	payload []byte
	jwk     *jose.JSONWebKey
	kid     string
	account *serverAccount
	url     string
}

// verifyJWS authenticates a signed POST body. It checks the flattened JWS
// shape, the nonce (single use, issued by us), the protected url matching
// the request, and the signature against either the embedded JWK or the
// registered account key for the kid. Must be called with s.mu held.
func (s *Server) verifyJWS(r *http.Request, body []byte) (*verifiedRequest, int, string, string) {
	s.postReqs[r.URL.Path]++

	jws, err := jose.ParseSigned(string(body), serverSigAlgs)
	if err != nil {
		return nil, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", fmt.Sprintf("JWS parse failure: %s", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "expected exactly one signature"
	}
	header := jws.Signatures[0].Protected

	// Nonce checks. An injected rejection consumes the nonce too.
	nonce := header.Nonce
	if nonce == "" || !s.nonces[nonce] {
		return nil, http.StatusBadRequest, "urn:ietf:params:acme:error:badNonce", "nonce missing, stale or reused"
	}
	delete(s.nonces, nonce)
	if s.BadNonceRejections > 0 {
		s.BadNonceRejections--
		return nil, http.StatusBadRequest, "urn:ietf:params:acme:error:badNonce", "injected badNonce rejection"
	}

	headerURL, _ := header.ExtraHeaders[jose.HeaderKey("url")].(string)
	wantURL := s.absURL(r.URL.Path)
	if headerURL != wantURL {
		return nil, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed",
			fmt.Sprintf("protected url %q does not match requested %q", headerURL, wantURL)
	}

	req := &verifiedRequest{url: headerURL}

	if header.JSONWebKey != nil && header.KeyID != "" {
		return nil, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "jwk and kid are mutually exclusive"
	}

	switch {
	case header.JSONWebKey != nil:
		req.jwk = header.JSONWebKey
		payload, err := jws.Verify(header.JSONWebKey)
		if err != nil {
			return nil, http.StatusForbidden, "urn:ietf:params:acme:error:unauthorized", "JWS verification failed"
		}
		req.payload = payload
	case header.KeyID != "":
		acct, ok := s.accounts[header.KeyID]
		if !ok {
			return nil, http.StatusForbidden, "urn:ietf:params:acme:error:accountDoesNotExist", "unknown kid"
		}
		payload, err := jws.Verify(acct.key)
		if err != nil {
			return nil, http.StatusForbidden, "urn:ietf:params:acme:error:unauthorized", "JWS verification failed"
		}
		req.payload = payload
		req.kid = header.KeyID
		req.account = acct
	default:
		return nil, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "JWS has neither jwk nor kid"
	}

	return req, 0, "", ""
}

func (s *Server) readVerified(w http.ResponseWriter, r *http.Request) (*verifiedRequest, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "unreadable body")
		return nil, false
	}
	req, code, typ, detail := s.verifyJWS(r, body)
	if req == nil {
		s.problem(w, code, typ, detail)
		return nil, false
	}
	return req, true
}

func thumbprintOf(jwk *jose.JSONWebKey) string {
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(tp)
}

func (s *Server) handleNewAccount(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.readVerified(w, r)
	if !ok {
		return
	}
	if req.jwk == nil {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "newAccount requires an embedded jwk")
		return
	}

	var acctReq struct {
		Contact            []string `json:"contact"`
		ToSAgreed          bool     `json:"termsOfServiceAgreed"`
		OnlyReturnExisting bool     `json:"onlyReturnExisting"`
	}
	if err := json.Unmarshal(req.payload, &acctReq); err != nil {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "bad newAccount payload")
		return
	}

	tp := thumbprintOf(req.jwk)
	for _, acct := range s.accounts {
		if acct.thumbprint == tp {
			// Same key registered again: return the existing account.
			s.writeAccount(w, acct, http.StatusOK)
			return
		}
	}

	if acctReq.OnlyReturnExisting {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:accountDoesNotExist", "no account registered for key")
		return
	}

	s.nextID++
	acct := &serverAccount{
		url:        s.absURL(fmt.Sprintf("/acct/%d", s.nextID)),
		key:        *req.jwk,
		thumbprint: tp,
		status:     "valid",
		contact:    acctReq.Contact,
	}
	s.accounts[acct.url] = acct
	s.writeAccount(w, acct, http.StatusCreated)
}

func (s *Server) writeAccount(w http.ResponseWriter, acct *serverAccount, code int) {
	s.writeNonce(w)
	w.Header().Set("Location", acct.url)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":               acct.status,
		"contact":              acct.contact,
		"termsOfServiceAgreed": true,
		"orders":               acct.url + "/orders",
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.readVerified(w, r)
	if !ok {
		return
	}
	acct, found := s.accounts[s.absURL(r.URL.Path)]
	if !found {
		s.problem(w, http.StatusNotFound, "urn:ietf:params:acme:error:accountDoesNotExist", "no such account")
		return
	}
	if req.account != acct {
		s.problem(w, http.StatusForbidden, "urn:ietf:params:acme:error:unauthorized", "kid does not own account")
		return
	}

	var update struct {
		Status  string   `json:"status"`
		Contact []string `json:"contact"`
	}
	_ = json.Unmarshal(req.payload, &update)
	if update.Status == "deactivated" {
		acct.status = "deactivated"
	}
	if update.Contact != nil {
		acct.contact = update.Contact
	}
	s.writeAccount(w, acct, http.StatusOK)
}

func identifierKey(idents []identifier) string {
	vals := make([]string, 0, len(idents))
	for _, ident := range idents {
		vals = append(vals, ident.Type+":"+ident.Value)
	}
	sort.Strings(vals)
	return strings.Join(vals, ",")
}

func (s *Server) handleNewOrder(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.readVerified(w, r)
	if !ok {
		return
	}
	if req.account == nil {
		s.problem(w, http.StatusForbidden, "urn:ietf:params:acme:error:unauthorized", "newOrder requires kid auth")
		return
	}

	var orderReq struct {
		Identifiers []identifier `json:"identifiers"`
	}
	if err := json.Unmarshal(req.payload, &orderReq); err != nil || len(orderReq.Identifiers) == 0 {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "bad newOrder payload")
		return
	}

	// Duplicate orders within the replay window return the existing order.
	wantKey := identifierKey(orderReq.Identifiers)
	for _, existing := range s.orders {
		if identifierKey(existing.identifiers) == wantKey && existing.status == "pending" {
			s.writeOrder(w, existing, http.StatusCreated)
			return
		}
	}

	s.nextID++
	order := &serverOrder{
		num:         fmt.Sprintf("%d", s.nextID),
		status:      "pending",
		identifiers: orderReq.Identifiers,
		expires:     time.Now().Add(time.Hour),
	}

	for _, ident := range orderReq.Identifiers {
		s.nextID++
		authz := &serverAuthz{
			num:        fmt.Sprintf("%d", s.nextID),
			status:     "pending",
			identifier: ident,
			orderNum:   order.num,
			expires:    time.Now().Add(time.Hour),
		}
		if strings.HasPrefix(ident.Value, "*.") {
			authz.wildcard = true
			authz.identifier.Value = strings.TrimPrefix(ident.Value, "*.")
		}

		// Wildcard authorizations advertise dns-01 only.
		types := []string{"http-01", "dns-01", "tls-alpn-01"}
		if authz.wildcard {
			types = []string{"dns-01"}
		}
		for _, typ := range types {
			s.nextID++
			chall := &serverChall{
				num:      fmt.Sprintf("%d", s.nextID),
				typ:      typ,
				status:   "pending",
				token:    s.tokenFor(),
				authzNum: authz.num,
			}
			s.challs[chall.num] = chall
			authz.challNums = append(authz.challNums, chall.num)
		}
		s.authzs[authz.num] = authz
		order.authzNums = append(order.authzNums, authz.num)
	}

	s.orders[order.num] = order
	s.writeOrder(w, order, http.StatusCreated)
}

func (s *Server) tokenFor() string {
	if s.ChallengeToken != "" {
		return s.ChallengeToken
	}
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func (s *Server) writeOrder(w http.ResponseWriter, order *serverOrder, code int) {
	s.writeNonce(w)
	w.Header().Set("Location", s.absURL("/order/"+order.num))
	if s.RetryAfter > 0 && (order.status == "pending" || order.status == "processing") {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", s.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	authzURLs := make([]string, 0, len(order.authzNums))
	for _, num := range order.authzNums {
		authzURLs = append(authzURLs, s.absURL("/authz/"+num))
	}
	body := map[string]interface{}{
		"status":         order.status,
		"expires":        order.expires.Format(time.RFC3339),
		"identifiers":    order.identifiers,
		"authorizations": authzURLs,
		"finalize":       s.absURL("/finalize/" + order.num),
	}
	if order.certNum != "" {
		body["certificate"] = s.absURL("/cert/" + order.certNum)
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.readVerified(w, r); !ok {
		return
	}
	num := strings.TrimPrefix(r.URL.Path, "/order/")
	order, found := s.orders[num]
	if !found {
		s.problem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such order")
		return
	}

	// Asynchronous issuance: flip processing orders to valid after the
	// configured number of polls.
	if order.status == "processing" {
		order.processingSeen++
		if order.processingSeen > s.ProcessingPolls {
			order.status = "valid"
		}
	}

	s.writeOrder(w, order, http.StatusOK)
}

func (s *Server) writeAuthz(w http.ResponseWriter, authz *serverAuthz) {
	s.writeNonce(w)
	w.Header().Set("Content-Type", "application/json")
	if s.RetryAfter > 0 && authz.status == "pending" {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", s.RetryAfter))
	}

	challs := make([]map[string]interface{}, 0, len(authz.challNums))
	for _, num := range authz.challNums {
		chall := s.challs[num]
		challs = append(challs, s.challJSON(chall))
	}
	body := map[string]interface{}{
		"status":     authz.status,
		"expires":    authz.expires.Format(time.RFC3339),
		"identifier": authz.identifier,
		"challenges": challs,
	}
	if authz.wildcard {
		body["wildcard"] = true
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) challJSON(chall *serverChall) map[string]interface{} {
	body := map[string]interface{}{
		"type":   chall.typ,
		"url":    s.absURL("/chall/" + chall.num),
		"status": chall.status,
		"token":  chall.token,
	}
	if !chall.validated.IsZero() {
		body["validated"] = chall.validated.Format(time.RFC3339)
	}
	if chall.status == "invalid" {
		body["error"] = map[string]interface{}{
			"type":   "urn:ietf:params:acme:error:unauthorized",
			"detail": "validation failed",
		}
	}
	return body
}

func (s *Server) handleAuthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.readVerified(w, r)
	if !ok {
		return
	}
	num := strings.TrimPrefix(r.URL.Path, "/authz/")
	authz, found := s.authzs[num]
	if !found {
		s.problem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such authz")
		return
	}

	var update struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(req.payload, &update)
	if update.Status == "deactivated" {
		authz.status = "deactivated"
	}

	s.writeAuthz(w, authz)
}

func (s *Server) handleChall(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.readVerified(w, r)
	if !ok {
		return
	}
	num := strings.TrimPrefix(r.URL.Path, "/chall/")
	chall, found := s.challs[num]
	if !found {
		s.problem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such challenge")
		return
	}

	// POSTing {} answers the challenge; POST-as-GET (empty payload) polls.
	if strings.TrimSpace(string(req.payload)) == "{}" && chall.status == "pending" {
		authz := s.authzs[chall.authzNum]
		if s.FailIdentifiers[authz.identifier.Value] {
			chall.status = "invalid"
			authz.status = "invalid"
			order := s.orders[authz.orderNum]
			order.status = "invalid"
		} else {
			chall.status = "valid"
			chall.validated = time.Now()
			authz.status = "valid"
			s.maybeReady(authz.orderNum)
		}
	}

	s.writeNonce(w)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Link", fmt.Sprintf(`<%s>;rel="up"`, s.absURL("/authz/"+chall.authzNum)))
	_ = json.NewEncoder(w).Encode(s.challJSON(chall))
}

// maybeReady moves an order to "ready" once every authorization is valid.
func (s *Server) maybeReady(orderNum string) {
	order := s.orders[orderNum]
	if order == nil || order.status != "pending" {
		return
	}
	for _, num := range order.authzNums {
		if s.authzs[num].status != "valid" {
			return
		}
	}
	order.status = "ready"
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.readVerified(w, r)
	if !ok {
		return
	}
	num := strings.TrimPrefix(r.URL.Path, "/finalize/")
	order, found := s.orders[num]
	if !found {
		s.problem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such order")
		return
	}
	if order.status != "ready" {
		s.problem(w, http.StatusForbidden, "urn:ietf:params:acme:error:orderNotReady",
			fmt.Sprintf("order is %q, not ready", order.status))
		return
	}

	var finalizeReq struct {
		CSR string `json:"csr"`
	}
	if err := json.Unmarshal(req.payload, &finalizeReq); err != nil {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "bad finalize payload")
		return
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(finalizeReq.CSR)
	if err != nil {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:badCSR", "csr is not base64url")
		return
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:badCSR", "csr did not parse")
		return
	}

	chainPEM, err := s.issueChain(csr, s.issuerKey, s.issuerCert)
	if err != nil {
		s.problem(w, http.StatusInternalServerError, "urn:ietf:params:acme:error:serverInternal", err.Error())
		return
	}
	altPEM, err := s.issueChain(csr, s.altKey, s.altCert)
	if err != nil {
		s.problem(w, http.StatusInternalServerError, "urn:ietf:params:acme:error:serverInternal", err.Error())
		return
	}

	s.nextID++
	order.certNum = fmt.Sprintf("%d", s.nextID)
	s.certs[order.certNum] = chainPEM
	s.certs[order.certNum+"-alt"] = altPEM
	order.status = "processing"
	order.processingSeen = 0

	s.writeOrder(w, order, http.StatusOK)
}

func (s *Server) issueChain(csr *x509.CertificateRequest, issuerKey *ecdsa.PrivateKey, issuerCert *x509.Certificate) ([]byte, error) {
	s.nextID++
	template := &x509.Certificate{
		SerialNumber: big.NewInt(int64(s.nextID)),
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, template, issuerCert, csr.PublicKey, issuerKey)
	if err != nil {
		return nil, err
	}

	var chain []byte
	for _, der := range [][]byte{leafDER, issuerCert.Raw} {
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	return chain, nil
}

func (s *Server) handleCert(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.readVerified(w, r); !ok {
		return
	}
	num := strings.TrimPrefix(r.URL.Path, "/cert/")
	chain, found := s.certs[num]
	if !found {
		s.problem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such certificate")
		return
	}

	s.writeNonce(w)
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	if !strings.HasSuffix(num, "-alt") {
		w.Header().Add("Link", fmt.Sprintf(`<%s>;rel="alternate"`, s.absURL("/cert/"+num+"-alt")))
	}
	_, _ = w.Write(chain)
}

func (s *Server) handleKeyChange(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.readVerified(w, r)
	if !ok {
		return
	}
	if req.account == nil {
		s.problem(w, http.StatusForbidden, "urn:ietf:params:acme:error:unauthorized", "keyChange requires kid auth")
		return
	}

	innerJWS, err := jose.ParseSigned(string(req.payload), serverSigAlgs)
	if err != nil || len(innerJWS.Signatures) != 1 {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "inner JWS did not parse")
		return
	}
	innerHeader := innerJWS.Signatures[0].Protected
	if innerHeader.JSONWebKey == nil {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "inner JWS must embed the new key")
		return
	}
	innerURL, _ := innerHeader.ExtraHeaders[jose.HeaderKey("url")].(string)
	if innerURL != req.url {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "inner and outer url differ")
		return
	}
	innerPayload, err := innerJWS.Verify(innerHeader.JSONWebKey)
	if err != nil {
		s.problem(w, http.StatusForbidden, "urn:ietf:params:acme:error:unauthorized", "inner JWS verification failed")
		return
	}

	var rollover struct {
		Account string          `json:"account"`
		OldKey  jose.JSONWebKey `json:"oldKey"`
	}
	if err := json.Unmarshal(innerPayload, &rollover); err != nil {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "bad rollover payload")
		return
	}
	if rollover.Account != req.account.url {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "rollover account mismatch")
		return
	}
	if thumbprintOf(&rollover.OldKey) != req.account.thumbprint {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "oldKey does not match account key")
		return
	}

	req.account.key = *innerHeader.JSONWebKey
	req.account.thumbprint = thumbprintOf(innerHeader.JSONWebKey)

	s.writeAccount(w, req.account, http.StatusOK)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.readVerified(w, r)
	if !ok {
		return
	}

	var revokeReq struct {
		Certificate string `json:"certificate"`
		Reason      *int   `json:"reason"`
	}
	if err := json.Unmarshal(req.payload, &revokeReq); err != nil || revokeReq.Certificate == "" {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "bad revoke payload")
		return
	}
	if _, err := base64.RawURLEncoding.DecodeString(revokeReq.Certificate); err != nil {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "certificate is not base64url")
		return
	}

	s.writeNonce(w)
	w.WriteHeader(http.StatusOK)
}
