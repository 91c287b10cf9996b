package auth

import (
	"container/list"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	defaultTimestampSkew = 2 * time.Minute
	defaultNonceWindow   = 10 * time.Minute
	defaultNonceCapacity = 4096
)

// Role is the authorization level attached to an API key.
type Role string

// Roles accepted by the settlement daemon. Admin keys may override the
// unpaid-participant settlement guard.
const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Credential pairs a shared secret with its authorization role.
type Credential struct {
	Secret string
	Role   Role
}

// Principal represents an authenticated API client.
type Principal struct {
	APIKey string
	Role   Role
}

// Admin reports whether the principal holds the admin role.
func (p *Principal) Admin() bool {
	return p != nil && p.Role == RoleAdmin
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
type Authenticator struct {
	credentials map[string]Credential
	skew        time.Duration
	nonceTTL    time.Duration
	nowFn       func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]*nonceWindow
}

// NewAuthenticator builds an Authenticator keyed by API key identifier.
func NewAuthenticator(credentials map[string]Credential, skew, nonceTTL time.Duration, nowFn func() time.Time) *Authenticator {
	cloned := make(map[string]Credential, len(credentials))
	for key, cred := range credentials {
		cred.Secret = strings.TrimSpace(cred.Secret)
		if cred.Role == "" {
			cred.Role = RoleOperator
		}
		cloned[strings.TrimSpace(key)] = cred
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		credentials: cloned,
		skew:        skew,
		nonceTTL:    nonceTTL,
		nowFn:       nowFn,
		nonces:      make(map[string]*nonceWindow),
	}
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	cred, ok := a.credentials[apiKey]
	if !ok || cred.Secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(cred.Secret, timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.nonceSeen(apiKey, timestampHeader+"|"+nonce, now) {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey, Role: cred.Role}, nil
}

func (a *Authenticator) nonceSeen(apiKey, composite string, now time.Time) bool {
	a.nonceMu.Lock()
	window, ok := a.nonces[apiKey]
	if !ok {
		window = newNonceWindow(a.nonceTTL, defaultNonceCapacity)
		a.nonces[apiKey] = window
	}
	a.nonceMu.Unlock()
	return window.Record(composite, now)
}

// CanonicalRequestPath renders the path plus normalised query for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + canonicalQuery(r.URL.RawQuery)
	}
	return path
}

func canonicalQuery(raw string) string {
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature builds the HMAC-SHA256 signature bytes for the request metadata.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// nonceWindow is a TTL-bounded LRU of observed nonces for one API key.
type nonceWindow struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceWindow(ttl time.Duration, capacity int) *nonceWindow {
	return &nonceWindow{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Record registers the nonce and reports whether it was already seen within the window.
func (w *nonceWindow) Record(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	if _, seen := w.entries[key]; seen {
		return true
	}
	element := w.order.PushBack(&nonceEntry{key: key, ts: now})
	w.entries[key] = element
	for w.order.Len() > w.capacity {
		oldest := w.order.Front()
		if oldest == nil {
			break
		}
		w.order.Remove(oldest)
		delete(w.entries, oldest.Value.(*nonceEntry).key)
	}
	return false
}

func (w *nonceWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.ttl)
	for {
		front := w.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*nonceEntry)
		if entry.ts.After(cutoff) {
			return
		}
		w.order.Remove(front)
		delete(w.entries, entry.key)
	}
}
