// Package agreement is the milestone escrow state machine. Agreements are
// started with a checkpoint schedule, pay out one checkpoint at a time on
// verified evidence and end with a verified termination that releases the
// remaining balance.
package agreement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"nagare/core/events"
	"nagare/native/authority"
	nativecommon "nagare/native/common"
	"nagare/observability"
)

const moduleName = "agreement"

// Registry owns agreement records. Its address is the caller it presents to
// verifiers and the vault account escrowed funds are drawn from.
type Registry struct {
	address   common.Address
	auth      *authority.Authority
	state     engineState
	vault     Vault
	verifiers VerifierDirectory
	emitter   events.Emitter
	pauses    nativecommon.PauseView
	nowFn     func() int64
	tracer    trace.Tracer
	calls     metric.Int64Counter
	metrics   *observability.AgreementMetrics

	idMu  sync.Mutex
	locks lockTable
}

// New wires a registry at address. All collaborators are required.
func New(address common.Address, auth *authority.Authority, state engineState, vault Vault, verifiers VerifierDirectory) (*Registry, error) {
	switch {
	case address == (common.Address{}):
		return nil, errors.New("agreement: registry address required")
	case auth == nil:
		return nil, errors.New("agreement: authority required")
	case state == nil:
		return nil, errNilState
	case vault == nil:
		return nil, errors.New("agreement: vault required")
	case verifiers == nil:
		return nil, errors.New("agreement: verifier directory required")
	}
	calls, err := otel.Meter("nagare/agreement").Int64Counter("agreement.calls",
		metric.WithDescription("Registry operations by outcome."))
	if err != nil {
		return nil, fmt.Errorf("agreement: meter: %w", err)
	}
	return &Registry{
		address:   address,
		auth:      auth,
		state:     state,
		vault:     vault,
		verifiers: verifiers,
		emitter:   events.NoopEmitter{},
		nowFn:     func() int64 { return time.Now().Unix() },
		tracer:    otel.Tracer("nagare/agreement"),
		calls:     calls,
		metrics:   observability.Agreement(),
	}, nil
}

// SetEmitter configures the event emitter used by the registry. Passing nil
// resets the emitter to a no-op implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetPauses installs the pause view guarding mutations.
func (r *Registry) SetPauses(p nativecommon.PauseView) { r.pauses = p }

// SetNowFunc overrides the time source used by the registry. Primarily
// intended for tests to provide deterministic timestamps.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// Address returns the registry's identity.
func (r *Registry) Address() common.Address { return r.address }

// Authority exposes the registry's owner.
func (r *Registry) Authority() *authority.Authority { return r.auth }

// Owner returns the current owner.
func (r *Registry) Owner() common.Address { return r.auth.Owner() }

// TransferOwnership hands the registry to next.
func (r *Registry) TransferOwnership(caller, next common.Address) error {
	return r.auth.TransferOwnership(caller, next)
}

// RenounceOwnership permanently clears the owner.
func (r *Registry) RenounceOwnership(caller common.Address) error {
	return r.auth.RenounceOwnership(caller)
}

// StartAgreement validates terms, registers the claim template with the
// agreement's verifier and stores the record under the next sequential id.
// A record that cannot be stored has its template unregistered so the id is
// free for the next call.
func (r *Registry) StartAgreement(ctx context.Context, caller common.Address, terms *Agreement) (id uint64, err error) {
	ctx, finish := r.begin(ctx, "start")
	defer func() { finish(err) }()

	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return 0, err
	}
	if err := terms.Validate(); err != nil {
		return 0, err
	}
	verifier, ok := r.verifiers.Verifier(terms.Verifier)
	if !ok {
		return 0, fmt.Errorf("%w: verifier %s not resolvable", ErrInvalidAgreement, terms.Verifier.Hex())
	}
	if checker, ok := verifier.(ScheduleChecker); ok {
		if err := checker.CheckSchedule(terms.ContractInfo, len(terms.CheckpointSizes)); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidAgreement, err)
		}
	}

	r.idMu.Lock()
	defer r.idMu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id, err = r.state.AgreementCount()
	if err != nil {
		return 0, err
	}
	if err := verifier.RegisterAgreement(r.address, terms.ContractInfo, id); err != nil {
		return 0, fmt.Errorf("%w: register with verifier: %w", ErrInvalidAgreement, err)
	}
	now := r.nowFn()
	rec := &Record{
		ID:                 id,
		Creator:            caller,
		Terms:              terms.Clone(),
		Released:           big.NewInt(0),
		TerminationRelease: big.NewInt(0),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.state.AgreementPut(rec); err != nil {
		if undoErr := verifier.UnregisterAgreement(r.address, id); undoErr != nil {
			return 0, fmt.Errorf("agreement: persist %d: %w (unregister failed: %v)", id, err, undoErr)
		}
		return 0, fmt.Errorf("agreement: persist %d: %w", id, err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("agreement.id", int64(id)))
	r.emitter.Emit(events.AgreementStarted{
		AgreementID: id,
		Verifier:    terms.Verifier,
		Receiver:    terms.Receiver,
		Provider:    terms.Provider,
		TotalSize:   cloneBigInt(terms.TotalSize),
		Checkpoints: len(terms.CheckpointSizes),
	})
	return id, nil
}

// Checkpoint completes checkpointID of agreement id when the agreement's
// verifier accepts aux. Nothing changes unless the verifier accepts.
func (r *Registry) Checkpoint(ctx context.Context, id, checkpointID uint64, aux []byte) (err error) {
	ctx, finish := r.begin(ctx, "checkpoint",
		attribute.Int64("agreement.id", int64(id)),
		attribute.Int64("agreement.checkpoint", int64(checkpointID)))
	defer func() { finish(err) }()

	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return err
	}
	unlock := r.locks.lock(id)
	defer unlock()

	rec, err := r.load(id)
	if err != nil {
		return err
	}
	if rec.Terminated {
		return ErrAgreementAlreadyTerminated
	}
	if checkpointID >= uint64(len(rec.Terms.CheckpointSizes)) {
		return fmt.Errorf("%w: %d outside schedule of %d", ErrInvalidCheckpoint, checkpointID, len(rec.Terms.CheckpointSizes))
	}
	if rec.IsCompleted(checkpointID) {
		return ErrCheckpointAlreadyCompleted
	}
	verifier, ok := r.verifiers.Verifier(rec.Terms.Verifier)
	if !ok {
		return fmt.Errorf("%w: verifier %s not resolvable", ErrCheckpointVerificationFailed, rec.Terms.Verifier.Hex())
	}
	accepted, err := verifier.VerifyCheckpoint(r.address, id, checkpointID, aux)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpointVerificationFailed, err)
	}
	if !accepted {
		return ErrCheckpointVerificationFailed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	amount := cloneBigInt(rec.Terms.CheckpointSizes[checkpointID])
	next := rec.Clone()
	next.markCompleted(checkpointID, amount)
	next.UpdatedAt = r.nowFn()
	if err := r.release(next, amount); err != nil {
		return err
	}
	r.metrics.RecordRelease("checkpoint", amount)
	r.emitter.Emit(events.CheckpointCompleted{
		AgreementID:  id,
		CheckpointID: checkpointID,
		Receiver:     rec.Terms.Receiver,
		Amount:       amount,
	})
	return nil
}

// Terminate ends agreement id when its verifier accepts aux, releasing the
// remaining balance to the receiver.
func (r *Registry) Terminate(ctx context.Context, id uint64, aux []byte) (err error) {
	ctx, finish := r.begin(ctx, "terminate", attribute.Int64("agreement.id", int64(id)))
	defer func() { finish(err) }()

	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return err
	}
	unlock := r.locks.lock(id)
	defer unlock()

	rec, err := r.load(id)
	if err != nil {
		return err
	}
	if rec.Terminated {
		return ErrAgreementAlreadyTerminated
	}
	verifier, ok := r.verifiers.Verifier(rec.Terms.Verifier)
	if !ok {
		return fmt.Errorf("%w: verifier %s not resolvable", ErrTerminationVerificationFailed, rec.Terms.Verifier.Hex())
	}
	accepted, err := verifier.VerifyTermination(r.address, id, aux)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTerminationVerificationFailed, err)
	}
	if !accepted {
		return ErrTerminationVerificationFailed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	remaining := rec.Balance()
	next := rec.Clone()
	next.Terminated = true
	next.TerminationRelease = remaining
	next.UpdatedAt = r.nowFn()
	if err := r.release(next, remaining); err != nil {
		return err
	}
	r.metrics.RecordRelease("termination", remaining)
	r.emitter.Emit(events.AgreementTerminated{
		AgreementID: id,
		Receiver:    rec.Terms.Receiver,
		Released:    cloneBigInt(remaining),
	})
	return nil
}

// release pays amount to the receiver and persists next. A failed persist
// returns the funds so vault and record never disagree.
func (r *Registry) release(next *Record, amount *big.Int) error {
	receiver := next.Terms.Receiver
	if amount.Sign() > 0 {
		if err := r.vault.Transfer(r.address, receiver, amount); err != nil {
			return fmt.Errorf("%w: %w", ErrVaultTransfer, err)
		}
	}
	if err := r.state.AgreementPut(next); err != nil {
		if amount.Sign() > 0 {
			if rbErr := r.vault.Transfer(receiver, r.address, amount); rbErr != nil {
				return fmt.Errorf("agreement: persist %d: %w (refund failed: %v)", next.ID, err, rbErr)
			}
		}
		return fmt.Errorf("agreement: persist %d: %w", next.ID, err)
	}
	return nil
}

// Agreement returns a copy of the stored record.
func (r *Registry) Agreement(id uint64) (*Record, error) {
	return r.load(id)
}

// Count returns the number of agreements started so far.
func (r *Registry) Count() (uint64, error) {
	return r.state.AgreementCount()
}

// AgreementBalance returns the funds of agreement id not yet released.
func (r *Registry) AgreementBalance(id uint64) (*big.Int, error) {
	rec, err := r.load(id)
	if err != nil {
		return nil, err
	}
	return rec.Balance(), nil
}

// CompletedCheckpoints returns the ids of paid checkpoints in ascending order.
func (r *Registry) CompletedCheckpoints(id uint64) ([]uint64, error) {
	rec, err := r.load(id)
	if err != nil {
		return nil, err
	}
	return rec.Completed, nil
}

// IsAgreementTerminated reports whether agreement id is terminated. Unknown
// ids report false.
func (r *Registry) IsAgreementTerminated(id uint64) bool {
	rec, err := r.load(id)
	return err == nil && rec.Terminated
}

// IsCheckpointCompleted reports whether checkpointID of agreement id has been
// paid. Unknown ids report false.
func (r *Registry) IsCheckpointCompleted(id, checkpointID uint64) bool {
	rec, err := r.load(id)
	return err == nil && rec.IsCompleted(checkpointID)
}

// EscrowBalance returns the vault balance backing all agreements.
func (r *Registry) EscrowBalance() (*big.Int, error) {
	return r.vault.BalanceOf(r.address)
}

func (r *Registry) load(id uint64) (*Record, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	rec, ok, err := r.state.AgreementGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || rec == nil || rec.Terms == nil {
		return nil, fmt.Errorf("%w %d", ErrUnknownAgreement, id)
	}
	return rec, nil
}

func (r *Registry) begin(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "agreement."+operation, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, operation)
		}
		span.End()
		reason := Reason(err)
		outcome := reason
		if outcome == "" {
			outcome = "ok"
		}
		r.calls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("outcome", outcome),
		))
		r.metrics.Observe(operation, time.Since(start), reason, err)
	}
}

// Reason maps an error onto a stable label for metrics and API responses.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCheckpointAlreadyCompleted):
		return "checkpoint_already_completed"
	case errors.Is(err, ErrInvalidCheckpoint):
		return "invalid_checkpoint"
	case errors.Is(err, ErrInvalidAgreement):
		return "invalid_agreement"
	case errors.Is(err, ErrAgreementAlreadyTerminated):
		return "already_terminated"
	case errors.Is(err, ErrCheckpointVerificationFailed):
		return "checkpoint_verification_failed"
	case errors.Is(err, ErrTerminationVerificationFailed):
		return "termination_verification_failed"
	case errors.Is(err, ErrVaultTransfer):
		return "vault_transfer"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
