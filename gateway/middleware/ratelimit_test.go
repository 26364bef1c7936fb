package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, req *http.Request) int {
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res.Code
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"prover": {RatePerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("prover")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/verify-milestone", nil)
	require.Equal(t, http.StatusOK, serve(handler, req))
	require.Equal(t, http.StatusTooManyRequests, serve(handler, req))
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"agreements": {RatePerSecond: 1, Burst: 1},
		"vault":      {RatePerSecond: 1, Burst: 1},
	}, nil)
	agreements := limiter.Middleware("agreements")(okHandler())
	vault := limiter.Middleware("vault")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/agreements/0", nil)
	req.Header.Set("X-API-Key", "tenant-A")
	require.Equal(t, http.StatusOK, serve(agreements, req))

	vaultReq := httptest.NewRequest(http.MethodGet, "/v1/vault/balance/0x01", nil)
	vaultReq.Header.Set("X-API-Key", "tenant-A")
	require.Equal(t, http.StatusOK, serve(vault, vaultReq))
	require.Equal(t, http.StatusTooManyRequests, serve(vault, vaultReq))
}

func TestRateLimiterAppliesRouteTokens(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"agreements": {
			RatePerSecond: 5,
			Burst:         5,
			DefaultTokens: 1,
			Tokens: map[string]int{
				"POST /v1/agreements": 3,
			},
		},
	}, nil)
	handler := limiter.Middleware("agreements")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/agreements", nil)
	require.Equal(t, http.StatusOK, serve(handler, req))
	require.Equal(t, http.StatusTooManyRequests, serve(handler, req))

	// Reads still fit the remaining budget at the default cost.
	status := httptest.NewRequest(http.MethodGet, "/v1/agreements/0", nil)
	require.Equal(t, http.StatusOK, serve(handler, status))
}

func TestRateLimiterPrefersAPIKeyOverIP(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"prover": {RatePerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("prover")(okHandler())

	reqA := httptest.NewRequest(http.MethodPost, "/api/verify-milestone", nil)
	reqA.Header.Set("X-API-Key", "tenant-A")
	require.Equal(t, http.StatusOK, serve(handler, reqA))

	reqB := httptest.NewRequest(http.MethodPost, "/api/verify-milestone", nil)
	reqB.Header.Set("X-API-Key", "tenant-B")
	require.Equal(t, http.StatusOK, serve(handler, reqB))
}

func TestUnlimitedKeyPassesThrough(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("anything")(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, serve(handler, req))
	}
}
