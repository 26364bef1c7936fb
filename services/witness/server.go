package witness

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"nagare/gateway/auth"
	"nagare/gateway/middleware"
	"nagare/proof"
)

const maxRequestBytes = 64 << 10

// Server exposes the attester over HTTP.
type Server struct {
	attester *Attester
	apps     *auth.Authenticator
	logger   *slog.Logger
	router   chi.Router
}

// ServerOptions carries credentials and optional middleware.
type ServerOptions struct {
	// Apps verifies signed application requests. Nil or empty disables
	// app authentication.
	Apps          *auth.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Logger        *slog.Logger
}

// NewServer builds the HTTP surface for attester.
func NewServer(attester *Attester, opts ServerOptions) (*Server, error) {
	if attester == nil {
		return nil, errors.New("witness: attester required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{attester: attester, apps: opts.Apps, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	r.Get("/v1/identity", s.handleIdentity)
	if opts.Observability != nil {
		r.Handle("/metrics", opts.Observability.MetricsHandler())
	}
	r.Group(func(gr chi.Router) {
		gr.Use(s.apps.Middleware(s.rejectApp))
		if opts.RateLimiter != nil {
			gr.Use(opts.RateLimiter.Middleware("witness"))
		}
		if opts.Observability != nil {
			gr.Use(opts.Observability.Middleware("zkfetch"))
		}
		gr.Post(proof.ZKFetchPath, s.handleZKFetch)
	})
	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) rejectApp(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn("attestation request rejected",
		slog.String("app", strings.TrimSpace(r.Header.Get(auth.HeaderAppID))),
		slog.Any("error", err))
	s.writeError(w, http.StatusUnauthorized, errors.Join(ErrUnauthorized, err))
}

func (s *Server) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": s.attester.Address().Hex(),
		"epoch":   s.attester.epoch,
	})
}

func (s *Server) handleZKFetch(w http.ResponseWriter, r *http.Request) {
	var req proof.FetchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Join(ErrInvalidRequest, err))
		return
	}
	att, err := s.attester.ZKFetch(r.Context(), &req)
	if err != nil {
		status := errorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.ErrorContext(r.Context(), "attestation failed", slog.Any("error", err))
		}
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, att)
}

func errorStatus(err error) int {
	var fetchErr *FetchError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrHostNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, ErrMatchFailed):
		return http.StatusUnprocessableEntity
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
