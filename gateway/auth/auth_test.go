package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nagare/storage"
)

func signedRequest(t *testing.T, app, secret, body string, at time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://witness.test/v1/zkfetch?b=2&a=1", strings.NewReader(body))
	Sign(req, app, secret, []byte(body), at)
	return req
}

func TestNonceCacheCapacityEviction(t *testing.T) {
	cache := newNonceCache(5*time.Minute, 3)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 4; i++ {
		cache.Add(fmt.Sprintf("nonce-%d", i), base)
	}
	if got := len(cache.entries); got != 3 {
		t.Fatalf("expected capacity to bound entries at 3, got %d", got)
	}
	if cache.Contains("nonce-0", base) {
		t.Fatalf("expected oldest nonce to be evicted")
	}
	if !cache.Contains("nonce-3", base) {
		t.Fatalf("expected newest nonce to be retained")
	}
}

func TestNonceCacheExpiresOldEntries(t *testing.T) {
	cache := newNonceCache(30*time.Second, 5)
	base := time.Unix(1700000000, 0).UTC()
	cache.Add("a", base)
	cache.Add("b", base.Add(5*time.Second))

	later := base.Add(time.Minute)
	if cache.Contains("a", later) || cache.Contains("b", later) {
		t.Fatalf("expected entries outside the window to expire")
	}
	if len(cache.entries) != 0 {
		t.Fatalf("expected expired entries to be dropped, got %d", len(cache.entries))
	}
}

func TestNewAuthenticatorClampsParameters(t *testing.T) {
	auth := NewAuthenticator(map[string]string{" prover ": " s3cret "}, Options{
		Skew:          time.Hour,
		NonceWindow:   time.Hour,
		NonceCapacity: 1_000_000,
	})
	if auth.skew != maxTimestampSkew {
		t.Fatalf("expected skew clamp to %s, got %s", maxTimestampSkew, auth.skew)
	}
	if auth.window != maxNonceWindow {
		t.Fatalf("expected nonce window clamp to %s, got %s", maxNonceWindow, auth.window)
	}
	if auth.cache.capacity != maxNonceCapacity {
		t.Fatalf("expected capacity clamp to %d, got %d", maxNonceCapacity, auth.cache.capacity)
	}
	if auth.secrets["prover"] != "s3cret" {
		t.Fatalf("expected trimmed credentials, got %v", auth.secrets)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(map[string]string{"prover": "s3cret"}, Options{Now: func() time.Time { return now }})
	body := `{"url":"https://hub.example"}`

	app, err := auth.Authenticate(signedRequest(t, "prover", "s3cret", body, now), []byte(body))
	if err != nil || app != "prover" {
		t.Fatalf("expected valid request to pass, got %q %v", app, err)
	}

	cases := []struct {
		name string
		req  *http.Request
		body string
		want error
	}{
		{"unknown app", signedRequest(t, "other", "s3cret", body, now), body, ErrUnknownApp},
		{"wrong secret", signedRequest(t, "prover", "nope", body, now), body, ErrBadSignature},
		{"tampered body", signedRequest(t, "prover", "s3cret", body, now), body + " ", ErrBadSignature},
		{"stale", signedRequest(t, "prover", "s3cret", body, now.Add(-10*time.Minute)), body, ErrStaleTimestamp},
		{"unsigned", httptest.NewRequest(http.MethodPost, "/v1/zkfetch", nil), "", ErrMissingCredentials},
	}
	for _, tc := range cases {
		if _, err := auth.Authenticate(tc.req, []byte(tc.body)); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	replayed := signedRequest(t, "prover", "s3cret", body, now)
	if _, err := auth.Authenticate(replayed, []byte(body)); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := auth.Authenticate(replayed, []byte(body)); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestCanonicalPathSortsQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/x?z=1&a=2", nil)
	if got := CanonicalPath(req); got != "/v1/x?a=2&z=1" {
		t.Fatalf("unexpected canonical path %q", got)
	}
}

func TestStoreLogSurvivesRestartAndPrunes(t *testing.T) {
	db := storage.NewMemDB()
	now := time.Unix(1_700_000_000, 0).UTC()
	body := "{}"
	replayed := signedRequest(t, "prover", "s3cret", body, now)
	nonce := replayed.Header.Get(HeaderNonce)

	first := NewAuthenticator(map[string]string{"prover": "s3cret"}, Options{Now: func() time.Time { return now }, Log: NewStoreLog(db)})
	if _, err := first.Authenticate(replayed, []byte(body)); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	restarted := NewAuthenticator(map[string]string{"prover": "s3cret"}, Options{Now: func() time.Time { return now }, Log: NewStoreLog(db)})
	if _, err := restarted.Authenticate(replayed, []byte(body)); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected replay via persisted log, got %v", err)
	}

	log := NewStoreLog(db)
	if err := log.Prune(context.Background(), now.Add(time.Second)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	seen, err := log.Observe(context.Background(), "prover", replayed.Header.Get(HeaderTimestamp)+"|"+nonce, now)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if seen {
		t.Fatalf("expected pruned nonce to be forgotten")
	}
}

func TestMiddlewareRestoresBody(t *testing.T) {
	now := time.Now()
	auth := NewAuthenticator(map[string]string{"prover": "s3cret"}, Options{})
	var rejected error
	handler := auth.Middleware(func(w http.ResponseWriter, _ *http.Request, err error) {
		rejected = err
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_, _ = w.Write(data)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, "prover", "s3cret", "hello", now))
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("expected body passthrough, got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/zkfetch", strings.NewReader("hello")))
	if rec.Code != http.StatusUnauthorized || !errors.Is(rejected, ErrMissingCredentials) {
		t.Fatalf("expected rejection, got %d %v", rec.Code, rejected)
	}

	open := NewAuthenticator(nil, Options{}).Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/zkfetch", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected open authenticator to pass through, got %d", rec.Code)
	}
}
