package registryd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"nagare/crypto"
	"nagare/gateway/middleware"
	"nagare/native/agreement"
	"nagare/native/authority"
	nativecommon "nagare/native/common"
	"nagare/native/vault"
	"nagare/native/verifier"
)

const maxRequestBody = 1 << 20

// Server is the HTTP front-end for the registry node.
type Server struct {
	node    *Node
	timeout time.Duration
	logger  *slog.Logger
	router  chi.Router
}

// ServerOptions carries the optional HTTP middleware.
type ServerOptions struct {
	Timeout       time.Duration
	Auth          *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          *middleware.CORSConfig
	Logger        *slog.Logger
}

// NewServer builds the HTTP surface for node.
func NewServer(node *Node, opts ServerOptions) (*Server, error) {
	if node == nil {
		return nil, errors.New("registryd: node required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{node: node, timeout: opts.Timeout, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if opts.CORS != nil {
		r.Use(middleware.CORS(*opts.CORS))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	if opts.Observability != nil {
		r.Handle("/metrics", opts.Observability.MetricsHandler())
	}
	// The websocket route stays outside the observability middleware, whose
	// response recorder cannot be hijacked.
	r.Get("/v1/events", s.handleEvents)

	r.Route("/v1", func(v1 chi.Router) {
		if opts.Auth != nil {
			v1.Use(opts.Auth.Middleware())
		}
		if opts.RateLimiter != nil {
			v1.Use(opts.RateLimiter.Middleware("registryd"))
		}
		if opts.Observability != nil {
			v1.Use(opts.Observability.Middleware("registryd"))
		}
		v1.Post("/agreements", s.handleStartAgreement)
		v1.Get("/agreements/{id}", s.handleGetAgreement)
		v1.Get("/agreements/{id}/balance", s.handleAgreementBalance)
		v1.Get("/agreements/{id}/completed", s.handleCompleted)
		v1.Post("/agreements/{id}/checkpoints/{cid}", s.handleCheckpoint)
		v1.Get("/agreements/{id}/checkpoints/{cid}", s.handleGetCheckpoint)
		v1.Post("/agreements/{id}/terminate", s.handleTerminate)
		v1.Post("/vault/deposit", s.handleDeposit)
		v1.Get("/vault/balance/{account}", s.handleVaultBalance)
		v1.Post("/verifier/agreement-contracts", s.handleAgreementContract)
		v1.Post("/verifier/epochs", s.handleAddEpoch)
		v1.Post("/owner/transfer", s.handleTransferOwnership)
		v1.Post("/owner/pause", s.handlePause)
	})
	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// TemplateRequest lets callers describe the claim template instead of
// sending it pre-encoded.
type TemplateRequest struct {
	Endpoint        string   `json:"endpoint"`
	Fid             string   `json:"fid"`
	CheckpointTexts []string `json:"checkpointTexts"`
	TerminationText string   `json:"terminationText"`
}

// StartAgreementRequest is the body of POST /v1/agreements.
type StartAgreementRequest struct {
	Verifier        string           `json:"verifier"`
	ContractInfo    string           `json:"contractInfo,omitempty"`
	Template        *TemplateRequest `json:"template,omitempty"`
	TotalSize       string           `json:"totalSize"`
	CheckpointSizes []string         `json:"checkpointSizes"`
	Receiver        string           `json:"receiver"`
	Provider        string           `json:"provider"`
}

// AgreementResponse renders a stored agreement.
type AgreementResponse struct {
	ID                 uint64   `json:"id"`
	Status             string   `json:"status"`
	Creator            string   `json:"creator"`
	Verifier           string   `json:"verifier"`
	Receiver           string   `json:"receiver"`
	Provider           string   `json:"provider"`
	TotalSize          string   `json:"totalSize"`
	CheckpointSizes    []string `json:"checkpointSizes"`
	Completed          []uint64 `json:"completed"`
	Released           string   `json:"released"`
	Balance            string   `json:"balance"`
	Terminated         bool     `json:"terminated"`
	TerminationRelease string   `json:"terminationRelease,omitempty"`
	CreatedAt          int64    `json:"createdAt"`
	UpdatedAt          int64    `json:"updatedAt"`
}

type auxRequest struct {
	AuxiliaryData string `json:"auxiliaryData"`
}

type depositRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type agreementContractRequest struct {
	Registry string `json:"registry"`
	Allowed  bool   `json:"allowed"`
}

type epochRequest struct {
	Witnesses        []string `json:"witnesses"`
	MinimumWitnesses uint32   `json:"minimumWitnesses"`
}

type transferRequest struct {
	Component string `json:"component"`
	NewOwner  string `json:"newOwner"`
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

var errBadRequest = errors.New("bad request")

func (s *Server) handleStartAgreement(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req StartAgreementRequest
	if !s.decode(w, r, &req) {
		return
	}
	terms, err := req.agreement()
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	id, err := s.node.Registry.StartAgreement(ctx, caller, terms)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (req StartAgreementRequest) agreement() (*agreement.Agreement, error) {
	verifierAddr, err := parseAddress("verifier", req.Verifier)
	if err != nil {
		return nil, err
	}
	receiver, err := parseAddress("receiver", req.Receiver)
	if err != nil {
		return nil, err
	}
	provider, err := parseAddress("provider", req.Provider)
	if err != nil {
		return nil, err
	}
	total, err := parseAmount("totalSize", req.TotalSize)
	if err != nil {
		return nil, err
	}
	sizes := make([]*big.Int, len(req.CheckpointSizes))
	for i, raw := range req.CheckpointSizes {
		if sizes[i], err = parseAmount(fmt.Sprintf("checkpointSizes[%d]", i), raw); err != nil {
			return nil, err
		}
	}
	var info []byte
	switch {
	case strings.TrimSpace(req.ContractInfo) != "":
		if info, err = decodeHex("contractInfo", req.ContractInfo); err != nil {
			return nil, err
		}
	case req.Template != nil:
		fid, ok := new(big.Int).SetString(strings.TrimSpace(req.Template.Fid), 10)
		if !ok {
			return nil, fmt.Errorf("%w: template.fid must be a decimal integer", errBadRequest)
		}
		info, err = verifier.EncodeContractInfo(&verifier.ContractInfo{
			Endpoint:        req.Template.Endpoint,
			Fid:             fid,
			CheckpointTexts: req.Template.CheckpointTexts,
			TerminationText: req.Template.TerminationText,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: contractInfo or template required", errBadRequest)
	}
	return &agreement.Agreement{
		Verifier:        verifierAddr,
		ContractInfo:    info,
		TotalSize:       total,
		CheckpointSizes: sizes,
		Receiver:        receiver,
		Provider:        provider,
	}, nil
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUint(w, r, "id")
	if !ok {
		return
	}
	rec, err := s.node.Registry.Agreement(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, renderAgreement(rec))
}

func renderAgreement(rec *agreement.Record) AgreementResponse {
	sizes := make([]string, len(rec.Terms.CheckpointSizes))
	for i, size := range rec.Terms.CheckpointSizes {
		sizes[i] = size.String()
	}
	completed := append([]uint64{}, rec.Completed...)
	resp := AgreementResponse{
		ID:              rec.ID,
		Status:          rec.Status().String(),
		Creator:         rec.Creator.Hex(),
		Verifier:        rec.Terms.Verifier.Hex(),
		Receiver:        rec.Terms.Receiver.Hex(),
		Provider:        rec.Terms.Provider.Hex(),
		TotalSize:       rec.Terms.TotalSize.String(),
		CheckpointSizes: sizes,
		Completed:       completed,
		Released:        amountOrZero(rec.Released),
		Balance:         rec.Balance().String(),
		Terminated:      rec.Terminated,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	if rec.Terminated {
		resp.TerminationRelease = amountOrZero(rec.TerminationRelease)
	}
	return resp
}

func (s *Server) handleAgreementBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUint(w, r, "id")
	if !ok {
		return
	}
	balance, err := s.node.Registry.AgreementBalance(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "balance": balance.String()})
}

func (s *Server) handleCompleted(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUint(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.node.Registry.Agreement(id); err != nil {
		s.writeError(w, err)
		return
	}
	if s.node.ReadModel == nil {
		ids, err := s.node.Registry.CompletedCheckpoints(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "completed": ids})
		return
	}
	rows, err := s.node.ReadModel.Completed(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rows == nil {
		rows = []CompletedCheckpoint{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "completed": rows})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUint(w, r, "id")
	if !ok {
		return
	}
	cid, ok := s.pathUint(w, r, "cid")
	if !ok {
		return
	}
	aux, ok := s.decodeAux(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if err := s.node.Registry.Checkpoint(ctx, id, cid, aux); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeCheckpoint(w, id, cid)
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUint(w, r, "id")
	if !ok {
		return
	}
	cid, ok := s.pathUint(w, r, "cid")
	if !ok {
		return
	}
	rec, err := s.node.Registry.Agreement(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cid >= uint64(len(rec.Terms.CheckpointSizes)) {
		s.writeError(w, fmt.Errorf("%w: checkpoint %d outside schedule", agreement.ErrInvalidCheckpoint, cid))
		return
	}
	s.writeCheckpoint(w, id, cid)
}

func (s *Server) writeCheckpoint(w http.ResponseWriter, id, cid uint64) {
	rec, err := s.node.Registry.Agreement(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           id,
		"checkpointId": cid,
		"amount":       rec.Terms.CheckpointSizes[cid].String(),
		"completed":    rec.IsCompleted(cid),
		"balance":      rec.Balance().String(),
	})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathUint(w, r, "id")
	if !ok {
		return
	}
	aux, ok := s.decodeAux(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if err := s.node.Registry.Terminate(ctx, id, aux); err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.node.Registry.Agreement(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, renderAgreement(rec))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Only the registry owner may mint vault shares.
	if err := s.node.Registry.Authority().Require(caller); err != nil {
		s.writeError(w, err)
		return
	}
	shares, err := s.node.Vault.Deposit(account, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	balance, err := s.node.Vault.BalanceOf(account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"account": account.Hex(),
		"shares":  shares.String(),
		"balance": balance.String(),
	})
}

func (s *Server) handleVaultBalance(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("account", chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	balance, err := s.node.Vault.BalanceOf(account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	shares, err := s.node.Vault.SharesOf(account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"account": account.Hex(),
		"balance": balance.String(),
		"shares":  shares.String(),
	})
}

func (s *Server) handleAgreementContract(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req agreementContractRequest
	if !s.decode(w, r, &req) {
		return
	}
	registry, err := parseAddress("registry", req.Registry)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.node.Verifier.SetAgreementContract(caller, registry, req.Allowed); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"registry": registry.Hex(), "allowed": req.Allowed})
}

func (s *Server) handleAddEpoch(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req epochRequest
	if !s.decode(w, r, &req) {
		return
	}
	witnesses := make([]common.Address, len(req.Witnesses))
	for i, raw := range req.Witnesses {
		addr, err := parseAddress(fmt.Sprintf("witnesses[%d]", i), raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		witnesses[i] = addr
	}
	epoch, err := s.node.Attesters.AddEpoch(caller, witnesses, req.MinimumWitnesses)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rendered := make([]string, len(epoch.Witnesses))
	for i, addr := range epoch.Witnesses {
		rendered[i] = addr.Hex()
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":               epoch.ID,
		"witnesses":        rendered,
		"minimumWitnesses": epoch.MinimumWitnesses,
		"createdAt":        epoch.CreatedAt,
	})
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !s.decode(w, r, &req) {
		return
	}
	auth, found := s.node.Authority(strings.ToLower(strings.TrimSpace(req.Component)))
	if !found {
		s.writeError(w, fmt.Errorf("%w: unknown component %q", errBadRequest, req.Component))
		return
	}
	var err error
	if strings.TrimSpace(req.NewOwner) == "" {
		err = auth.RenounceOwnership(caller)
	} else {
		var next common.Address
		if next, err = parseAddress("newOwner", req.NewOwner); err == nil {
			err = auth.TransferOwnership(caller, next)
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"component": req.Component, "owner": auth.Owner().Hex()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req pauseRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Module) == "" {
		s.writeError(w, fmt.Errorf("%w: module required", errBadRequest))
		return
	}
	if err := s.node.Pauses.SetPaused(caller, req.Module, req.Paused); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"module": req.Module, "paused": req.Paused})
}

// caller resolves the acting address from the JWT subject.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	subject := middleware.SubjectFrom(r.Context())
	addr, err := crypto.ParseAddress(subject)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "token subject must be an address"})
		return common.Address{}, false
	}
	return addr, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid JSON payload: %v", errBadRequest, err))
		return false
	}
	return true
}

func (s *Server) decodeAux(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	var req auxRequest
	if !s.decode(w, r, &req) {
		return nil, false
	}
	aux, err := decodeHex("auxiliaryData", req.AuxiliaryData)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return aux, true
}

func (s *Server) pathUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %s must be an unsigned integer", errBadRequest, name))
		return 0, false
	}
	return v, true
}

func parseAddress(field, raw string) (common.Address, error) {
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return addr, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a decimal integer", errBadRequest, field)
	}
	return v, nil
}

func decodeHex(field, raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %s required", errBadRequest, field)
	}
	out, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not hex: %v", errBadRequest, field, err)
	}
	return out, nil
}

func amountOrZero(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, authority.ErrUnauthorizedAccount), errors.Is(err, verifier.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, agreement.ErrUnknownAgreement):
		return http.StatusNotFound
	case errors.Is(err, agreement.ErrCheckpointAlreadyCompleted), errors.Is(err, agreement.ErrAgreementAlreadyTerminated):
		return http.StatusConflict
	case errors.Is(err, agreement.ErrCheckpointVerificationFailed), errors.Is(err, agreement.ErrTerminationVerificationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, agreement.ErrVaultTransfer):
		return http.StatusInternalServerError
	case errors.Is(err, agreement.ErrInvalidAgreement),
		errors.Is(err, agreement.ErrInvalidCheckpoint),
		errors.Is(err, authority.ErrInvalidOwner),
		errors.Is(err, verifier.ErrInvalidEpoch),
		errors.Is(err, verifier.ErrInvalidRegistry),
		errors.Is(err, verifier.ErrMalformedContractInfo),
		errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrInvalidAccount),
		errors.Is(err, vault.ErrOverflow),
		errors.Is(err, vault.ErrZeroShares):
		return http.StatusBadRequest
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

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("registry request failed", slog.Int("status", status), slog.Any("error", err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
