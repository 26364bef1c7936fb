// Package prover turns a milestone claim ("cast X by fid F says T") into an
// encoded proof a verifier accepts. It checks the cast through the hub read
// API, has an attester fetch and sign the same resource, and ABI encodes the
// result.
package prover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nagare/native/verifier"
	"nagare/observability"
	"nagare/proof"
)

// Pipeline stage names.
const (
	StageFetch  = "fetch"
	StageVerify = "verify"
	StageProve  = "prove"
	StageEncode = "encode"
)

// CastSource reads casts and describes how to fetch them.
type CastSource interface {
	CastURL(castHash string, fid uint64) string
	PrivateHeaders() map[string]string
	FetchCastText(ctx context.Context, castHash string, fid uint64) (string, error)
}

// Attester produces signed attestations of HTTP fetches.
type Attester interface {
	ZKFetch(ctx context.Context, req *proof.FetchRequest) (*proof.Attestation, error)
}

// IssuanceRecorder keeps an audit trail of issued proofs.
type IssuanceRecorder interface {
	Record(entry IssuanceEntry) error
}

// Request is a milestone to prove.
type Request struct {
	Fid          uint64
	CastHash     string
	ExpectedText string
	RequestID    string
}

// Validate reports missing fields.
func (r Request) Validate() error {
	var missing []string
	if r.Fid == 0 {
		missing = append(missing, "fid")
	}
	if strings.TrimSpace(r.CastHash) == "" {
		missing = append(missing, "castHash")
	}
	if r.ExpectedText == "" {
		missing = append(missing, "expectedText")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// Result is a successful pipeline run.
type Result struct {
	CastText      string
	ObservedValue string
	Proof         *proof.Proof
	Encoded       []byte
}

// Pipeline runs fetch, verify, prove and encode in order; the first failure
// ends the run.
type Pipeline struct {
	casts    CastSource
	attester Attester
	log      IssuanceRecorder
	owner    string
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *observability.ProverMetrics
	clock    func() time.Time
}

// NewPipeline wires a pipeline. log may be nil. owner is the claim owner
// address sent to the attester.
func NewPipeline(casts CastSource, attester Attester, log IssuanceRecorder, owner string, logger *slog.Logger) (*Pipeline, error) {
	if casts == nil {
		return nil, errors.New("prover: cast source required")
	}
	if attester == nil {
		return nil, errors.New("prover: attester required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		casts:    casts,
		attester: attester,
		log:      log,
		owner:    owner,
		logger:   logger,
		tracer:   otel.Tracer("nagare/prover"),
		metrics:  observability.Prover(),
		clock:    time.Now,
	}, nil
}

// Run executes every stage for req.
func (p *Pipeline) Run(ctx context.Context, req Request) (res *Result, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, span := p.tracer.Start(ctx, "prover.run", trace.WithAttributes(
		attribute.Int64("milestone.fid", int64(req.Fid)),
		attribute.String("milestone.cast_hash", req.CastHash),
	))
	stage := StageFetch
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		p.metrics.RecordOutcome(stage, err)
	}()

	var castText string
	if err = p.stage(ctx, StageFetch, func(ctx context.Context) error {
		castText, err = p.FetchExpectedFact(ctx, req.CastHash, req.Fid)
		return err
	}); err != nil {
		return nil, err
	}

	stage = StageVerify
	if err = p.stage(ctx, StageVerify, func(context.Context) error {
		return VerifyFact(castText, req.ExpectedText)
	}); err != nil {
		return nil, err
	}

	stage = StageProve
	var built *proof.Proof
	var observed string
	if err = p.stage(ctx, StageProve, func(ctx context.Context) error {
		built, observed, err = p.BuildProof(ctx, req.CastHash, req.Fid)
		return err
	}); err != nil {
		return nil, err
	}

	stage = StageEncode
	var encoded []byte
	if err = p.stage(ctx, StageEncode, func(context.Context) error {
		encoded, err = proof.EncodeProof(built)
		return err
	}); err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	if p.log != nil {
		entry := IssuanceEntry{
			Identifier: built.SignedClaim.Claim.IdentifierHash().Hex(),
			Fid:        req.Fid,
			CastHash:   req.CastHash,
			RequestID:  req.RequestID,
			Epoch:      built.SignedClaim.Claim.Epoch,
			IssuedAt:   p.clock().UTC().Unix(),
		}
		if logErr := p.log.Record(entry); logErr != nil {
			p.logger.WarnContext(ctx, "record issuance failed", slog.String("identifier", entry.Identifier), slog.Any("error", logErr))
		}
	}
	p.logger.InfoContext(ctx, "milestone proof issued",
		slog.Uint64("fid", req.Fid),
		slog.String("castHash", req.CastHash),
		slog.String("requestId", req.RequestID),
	)
	return &Result{CastText: castText, ObservedValue: observed, Proof: built, Encoded: encoded}, nil
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := p.tracer.Start(ctx, "prover."+name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	p.metrics.ObserveStage(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// FetchExpectedFact reads the cast text from the hub.
func (p *Pipeline) FetchExpectedFact(ctx context.Context, castHash string, fid uint64) (string, error) {
	return p.casts.FetchCastText(ctx, castHash, fid)
}

// VerifyFact requires an exact match between observed and expected text.
func VerifyFact(observed, expected string) error {
	if observed != expected {
		return &FactMismatchError{Expected: expected, Actual: observed}
	}
	return nil
}

// BuildProof has the attester fetch the cast and returns the on-chain proof
// together with the text the attester observed.
func (p *Pipeline) BuildProof(ctx context.Context, castHash string, fid uint64) (*proof.Proof, string, error) {
	req := &proof.FetchRequest{
		URL: p.casts.CastURL(castHash, fid),
		PublicOptions: proof.PublicOptions{
			Method:  "GET",
			Headers: map[string]string{"accept": "application/json"},
		},
		PrivateOptions: proof.PrivateOptions{Headers: p.casts.PrivateHeaders()},
		ResponseMatches: []proof.ResponseMatch{{
			Name:  verifier.ExtractedTextKey,
			Type:  proof.MatchJSONPath,
			Value: castTextPath,
		}},
		Owner: p.owner,
	}
	att, err := p.attester.ZKFetch(ctx, req)
	if err != nil {
		return nil, "", &ProofGenerationError{Err: err}
	}
	if att == nil {
		return nil, "", &ProofGenerationError{Err: errors.New("attester returned no attestation")}
	}
	onchain, err := att.ToOnchain()
	if err != nil {
		return nil, "", &ProofGenerationError{Err: err}
	}
	if !onchain.IdentifierMatches() {
		return nil, "", &ProofGenerationError{Err: errors.New("attestation identifier does not match claim info")}
	}
	claimCtx, err := proof.ParseContext(onchain.ClaimInfo.Context)
	if err != nil {
		return nil, "", &ProofGenerationError{Err: err}
	}
	return onchain, claimCtx.ExtractedParameters[verifier.ExtractedTextKey], nil
}
