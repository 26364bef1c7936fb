// Package witness is a reference zk-fetch attester. It performs the fetch a
// caller describes, extracts the requested values and signs a claim over the
// public half of the request.
package witness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nagare/crypto"
	"nagare/observability"
	"nagare/observability/logging"
	"nagare/proof"
)

// Attestation outcomes recorded in metrics.
const (
	OutcomeSigned   = "signed"
	OutcomeRejected = "rejected"
	OutcomeUpstream = "upstream_error"
	OutcomeInternal = "internal"
)

// Attester signs claims about fetched resources.
type Attester struct {
	key     *crypto.PrivateKey
	epoch   uint32
	fetcher *Fetcher
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.WitnessMetrics
	nowFn   func() time.Time
}

// NewAttester binds key to epoch.
func NewAttester(key *crypto.PrivateKey, epoch uint32, fetcher *Fetcher, logger *slog.Logger) (*Attester, error) {
	if key == nil {
		return nil, errors.New("witness: signing key required")
	}
	if epoch == 0 {
		return nil, errors.New("witness: epoch must be positive")
	}
	if fetcher == nil {
		return nil, errors.New("witness: fetcher required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Attester{
		key:     key,
		epoch:   epoch,
		fetcher: fetcher,
		logger:  logger,
		tracer:  otel.Tracer("nagare/witness"),
		metrics: observability.Witness(),
		nowFn:   time.Now,
	}, nil
}

// Address is the witness identity verifiers list in their epochs.
func (a *Attester) Address() common.Address { return a.key.EthAddress() }

// SetNowFunc overrides the clock used for claim timestamps.
func (a *Attester) SetNowFunc(now func() time.Time) {
	if now != nil {
		a.nowFn = now
	}
}

// ZKFetch fetches req, extracts its matches and returns the signed
// attestation.
func (a *Attester) ZKFetch(ctx context.Context, req *proof.FetchRequest) (att *proof.Attestation, err error) {
	ctx, span := a.tracer.Start(ctx, "witness.zkfetch", trace.WithAttributes(attribute.String("fetch.url", req.URL)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		a.metrics.RecordAttestation(outcome(err))
	}()

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	owner := a.key.EthAddress()
	if raw := strings.TrimSpace(req.Owner); raw != "" {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("%w: owner %q", ErrInvalidRequest, raw)
		}
		owner = common.HexToAddress(raw)
	}

	start := time.Now()
	body, err := a.fetcher.Fetch(ctx, req)
	a.metrics.ObserveFetch(time.Since(start))
	if err != nil {
		return nil, err
	}
	extracted, err := ExtractMatches(body, req.ResponseMatches)
	if err != nil {
		return nil, err
	}

	info, err := proof.NewHTTPClaimInfo(req.Parameters(), extracted)
	if err != nil {
		return nil, err
	}
	signed, err := proof.Sign(info, owner, uint32(a.nowFn().Unix()), a.epoch, a.key)
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "attestation signed",
		slog.String("url", req.URL),
		slog.String("identifier", signed.SignedClaim.Claim.IdentifierHash().Hex()),
		slog.Int("privateHeaders", len(req.PrivateOptions.Headers)),
	)
	if len(req.PrivateOptions.Headers) > 0 {
		a.logger.DebugContext(ctx, "private headers forwarded", logging.MaskHeaders("headers", req.PrivateOptions.Headers))
	}
	witnesses := []proof.WitnessData{{ID: strings.ToLower(a.key.EthAddress().Hex())}}
	return proof.NewAttestation(signed, witnesses, extracted), nil
}

func outcome(err error) string {
	var fetchErr *FetchError
	switch {
	case err == nil:
		return OutcomeSigned
	case errors.As(err, &fetchErr):
		return OutcomeUpstream
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrMatchFailed), errors.Is(err, ErrHostNotAllowed):
		return OutcomeRejected
	default:
		return OutcomeInternal
	}
}
