// Package auth signs and verifies application requests with HMAC-SHA256.
// Each request carries an app id, a unix timestamp, a nonce and a signature
// over the method, canonical path and body. Replayed nonces are rejected
// inside the nonce window.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderAppID     = "X-Nagare-App-Id"
	HeaderTimestamp = "X-Nagare-Timestamp"
	HeaderNonce     = "X-Nagare-Nonce"
	HeaderSignature = "X-Nagare-Signature"

	// MaxBodyForSignature bounds the body hashed when authenticating.
	MaxBodyForSignature = 1 << 20

	maxTimestampSkew     = 2 * time.Minute
	maxNonceWindow       = 10 * time.Minute
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
	pruneInterval        = time.Minute
)

var (
	ErrMissingCredentials = errors.New("auth: missing request credentials")
	ErrUnknownApp         = errors.New("auth: unknown application")
	ErrStaleTimestamp     = errors.New("auth: timestamp outside allowed skew")
	ErrBadSignature       = errors.New("auth: invalid signature")
	ErrReplay             = errors.New("auth: nonce already used")
	ErrBodyTooLarge       = errors.New("auth: request body too large")
)

// NonceLog durably records nonce usage so replays are caught across
// restarts.
type NonceLog interface {
	// Observe records the nonce and reports whether it was already present.
	Observe(ctx context.Context, app, nonce string, at time.Time) (bool, error)
	Prune(ctx context.Context, cutoff time.Time) error
}

// Options tunes the replay window. Values above the hard limits are clamped.
type Options struct {
	Skew          time.Duration
	NonceWindow   time.Duration
	NonceCapacity int
	Now           func() time.Time
	Log           NonceLog
}

// Authenticator verifies signed application requests.
type Authenticator struct {
	secrets map[string]string
	skew    time.Duration
	window  time.Duration
	now     func() time.Time
	cache   *nonceCache
	log     NonceLog

	pruneMu    sync.Mutex
	lastPruned time.Time
}

// NewAuthenticator builds an Authenticator over app id to secret pairs.
func NewAuthenticator(secrets map[string]string, opts Options) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for id, secret := range secrets {
		if id = strings.TrimSpace(id); id != "" {
			cloned[id] = strings.TrimSpace(secret)
		}
	}
	if opts.Skew <= 0 || opts.Skew > maxTimestampSkew {
		opts.Skew = maxTimestampSkew
	}
	if opts.NonceWindow <= 0 || opts.NonceWindow > maxNonceWindow {
		opts.NonceWindow = maxNonceWindow
	}
	if opts.NonceCapacity <= 0 {
		opts.NonceCapacity = defaultNonceCapacity
	}
	if opts.NonceCapacity > maxNonceCapacity {
		opts.NonceCapacity = maxNonceCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Authenticator{
		secrets: cloned,
		skew:    opts.Skew,
		window:  opts.NonceWindow,
		now:     opts.Now,
		cache:   newNonceCache(opts.NonceWindow, opts.NonceCapacity),
		log:     opts.Log,
	}
}

// Enabled reports whether any application is configured.
func (a *Authenticator) Enabled() bool { return a != nil && len(a.secrets) > 0 }

// Authenticate checks the signature headers of r against body and returns
// the calling app id.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (string, error) {
	if len(body) > MaxBodyForSignature {
		return "", ErrBodyTooLarge
	}
	app := strings.TrimSpace(r.Header.Get(HeaderAppID))
	stamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if app == "" || stamp == "" || nonce == "" || sig == "" {
		return "", ErrMissingCredentials
	}
	secret, ok := a.secrets[app]
	if !ok || secret == "" {
		return "", ErrUnknownApp
	}
	secs, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	}
	now := a.now().UTC()
	if skew := now.Sub(time.Unix(secs, 0)).Abs(); skew > a.skew {
		return "", ErrStaleTimestamp
	}
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return "", ErrBadSignature
	}
	if !hmac.Equal(provided, ComputeSignature(secret, stamp, nonce, r.Method, CanonicalPath(r), body)) {
		return "", ErrBadSignature
	}
	replay, err := a.observe(r.Context(), app, stamp+"|"+nonce, now)
	if err != nil {
		return "", err
	}
	if replay {
		return "", ErrReplay
	}
	return app, nil
}

func (a *Authenticator) observe(ctx context.Context, app, key string, now time.Time) (bool, error) {
	cacheKey := app + "|" + key
	if a.cache.Contains(cacheKey, now) {
		return true, nil
	}
	if a.log != nil {
		if err := a.prune(ctx, now); err != nil {
			return false, err
		}
		seen, err := a.log.Observe(ctx, app, key, now)
		if err != nil {
			return false, fmt.Errorf("record nonce: %w", err)
		}
		a.cache.Add(cacheKey, now)
		return seen, nil
	}
	a.cache.Add(cacheKey, now)
	return false, nil
}

func (a *Authenticator) prune(ctx context.Context, now time.Time) error {
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < pruneInterval {
		return nil
	}
	if err := a.log.Prune(ctx, now.Add(-a.window)); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	a.lastPruned = now
	return nil
}

// Middleware rejects unsigned requests through reject. The request body is
// buffered and restored for the next handler. A nil or empty Authenticator
// passes every request through.
func (a *Authenticator) Middleware(reject func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyForSignature+1))
			_ = r.Body.Close()
			if err != nil {
				reject(w, r, err)
				return
			}
			if _, err := a.Authenticate(r, body); err != nil {
				reject(w, r, err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// Sign sets the signature headers on req for app using a fresh nonce.
func Sign(req *http.Request, app, secret string, body []byte, now time.Time) {
	stamp := strconv.FormatInt(now.Unix(), 10)
	nonce := uuid.NewString()
	sig := ComputeSignature(secret, stamp, nonce, req.Method, CanonicalPath(req), body)
	req.Header.Set(HeaderAppID, app)
	req.Header.Set(HeaderTimestamp, stamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
}

// CanonicalPath is the URL path plus the query with its pairs sorted.
func CanonicalPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}

// ComputeSignature returns the HMAC-SHA256 over the request metadata.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")))
	return mac.Sum(nil)
}
