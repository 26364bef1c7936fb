package prover

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"nagare/gateway/middleware"
)

const maxRequestBytes = 64 << 10

// Fid accepts a JSON number or a decimal string.
type Fid uint64

// UnmarshalJSON implements json.Unmarshaler.
func (f *Fid) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*f = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	if raw == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("fid must be a positive integer")
	}
	*f = Fid(v)
	return nil
}

type verifyRequest struct {
	Fid          Fid    `json:"fid"`
	CastHash     string `json:"castHash"`
	ExpectedText string `json:"expectedText"`
}

type verifyResponse struct {
	Success       bool   `json:"success"`
	ObservedValue string `json:"observedValue"`
	CastText      string `json:"castText"`
	OnchainProof  string `json:"onchainProof"`
}

type errorResponse struct {
	Error    string  `json:"error"`
	Expected *string `json:"expected,omitempty"`
	Actual   *string `json:"actual,omitempty"`
}

// Server exposes the pipeline over HTTP.
type Server struct {
	pipeline *Pipeline
	timeout  time.Duration
	logger   *slog.Logger
	router   chi.Router
}

// ServerOptions carries the optional HTTP middleware.
type ServerOptions struct {
	Timeout       time.Duration
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Logger        *slog.Logger
}

// NewServer builds the HTTP surface for pipeline.
func NewServer(pipeline *Pipeline, opts ServerOptions) (*Server, error) {
	if pipeline == nil {
		return nil, errors.New("prover: pipeline required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{pipeline: pipeline, timeout: opts.Timeout, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	if opts.Observability != nil {
		r.Handle("/metrics", opts.Observability.MetricsHandler())
	}
	r.Route("/api", func(sr chi.Router) {
		if opts.RateLimiter != nil {
			sr.Use(opts.RateLimiter.Middleware("prover"))
		}
		if opts.Observability != nil {
			sr.Use(opts.Observability.Middleware("verify-milestone"))
		}
		sr.Post("/verify-milestone", s.handleVerifyMilestone)
	})
	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleVerifyMilestone(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	_ = r.Body.Close()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errorResponse{Error: "read request: " + err.Error()})
		return
	}
	var req verifyRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	res, err := s.pipeline.Run(ctx, Request{
		Fid:          uint64(req.Fid),
		CastHash:     strings.TrimSpace(req.CastHash),
		ExpectedText: req.ExpectedText,
		RequestID:    middleware.RequestIDFrom(r.Context()),
	})
	if err != nil {
		status, payload := errorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.ErrorContext(r.Context(), "milestone verification failed", slog.Any("error", err))
		}
		s.writeError(w, status, payload)
		return
	}
	s.writeJSON(w, http.StatusOK, verifyResponse{
		Success:       true,
		ObservedValue: res.ObservedValue,
		CastText:      res.CastText,
		OnchainProof:  "0x" + hex.EncodeToString(res.Encoded),
	})
}

func errorStatus(err error) (int, errorResponse) {
	var (
		mismatch *FactMismatchError
		upstream *UpstreamFetchError
		genErr   *ProofGenerationError
	)
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorResponse{Error: "Missing required fields: fid, castHash, expectedText"}
	// Stage errors wrap the context error, so timeouts are matched first.
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorResponse{Error: "milestone verification timed out"}
	case errors.As(err, &upstream):
		return http.StatusBadRequest, errorResponse{Error: "Failed to fetch cast from hub API"}
	case errors.As(err, &mismatch):
		return http.StatusBadRequest, errorResponse{
			Error:    "Cast text does not match milestone text",
			Expected: &mismatch.Expected,
			Actual:   &mismatch.Actual,
		}
	case errors.As(err, &genErr):
		return http.StatusInternalServerError, errorResponse{Error: "Failed to generate zkFetch proof"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "Internal server error during milestone verification"}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, payload errorResponse) {
	s.writeJSON(w, status, payload)
}
