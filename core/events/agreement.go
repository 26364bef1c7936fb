package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"nagare/core/types"
	"nagare/crypto"
)

const (
	// TypeAgreementStarted is emitted when the registry records a new
	// agreement.
	TypeAgreementStarted = "agreement.started"
	// TypeCheckpointCompleted is emitted once a checkpoint proof has been
	// accepted and its amount released.
	TypeCheckpointCompleted = "agreement.checkpoint_completed"
	// TypeAgreementTerminated is emitted when an agreement is terminated and
	// its remaining balance released.
	TypeAgreementTerminated = "agreement.terminated"
	// TypeOwnershipTransferred is emitted whenever a component changes owner.
	TypeOwnershipTransferred = "authority.ownership_transferred"
)

// AgreementStarted describes a newly started agreement.
type AgreementStarted struct {
	AgreementID uint64
	Verifier    common.Address
	Receiver    common.Address
	Provider    common.Address
	TotalSize   *big.Int
	Checkpoints int
}

// EventType satisfies the events.Event interface.
func (AgreementStarted) EventType() string { return TypeAgreementStarted }

// Event converts the payload into its wire form.
func (e AgreementStarted) Event() *types.Event {
	return &types.Event{Type: TypeAgreementStarted, Attributes: map[string]string{
		"agreementId": strconv.FormatUint(e.AgreementID, 10),
		"verifier":    e.Verifier.Hex(),
		"receiver":    displayAddress(e.Receiver),
		"provider":    displayAddress(e.Provider),
		"totalSize":   amountString(e.TotalSize),
		"checkpoints": strconv.Itoa(e.Checkpoints),
	}}
}

// CheckpointCompleted describes an accepted checkpoint.
type CheckpointCompleted struct {
	AgreementID  uint64
	CheckpointID uint64
	Receiver     common.Address
	Amount       *big.Int
}

// EventType satisfies the events.Event interface.
func (CheckpointCompleted) EventType() string { return TypeCheckpointCompleted }

// Event converts the payload into its wire form.
func (e CheckpointCompleted) Event() *types.Event {
	return &types.Event{Type: TypeCheckpointCompleted, Attributes: map[string]string{
		"agreementId":  strconv.FormatUint(e.AgreementID, 10),
		"checkpointId": strconv.FormatUint(e.CheckpointID, 10),
		"receiver":     displayAddress(e.Receiver),
		"amount":       amountString(e.Amount),
	}}
}

// AgreementTerminated describes a terminated agreement.
type AgreementTerminated struct {
	AgreementID uint64
	Receiver    common.Address
	Released    *big.Int
}

// EventType satisfies the events.Event interface.
func (AgreementTerminated) EventType() string { return TypeAgreementTerminated }

// Event converts the payload into its wire form.
func (e AgreementTerminated) Event() *types.Event {
	return &types.Event{Type: TypeAgreementTerminated, Attributes: map[string]string{
		"agreementId": strconv.FormatUint(e.AgreementID, 10),
		"receiver":    displayAddress(e.Receiver),
		"released":    amountString(e.Released),
	}}
}

// OwnershipTransferred records an owner change on a named component.
type OwnershipTransferred struct {
	Component string
	Previous  common.Address
	Next      common.Address
}

// EventType satisfies the events.Event interface.
func (OwnershipTransferred) EventType() string { return TypeOwnershipTransferred }

// Event converts the payload into its wire form.
func (e OwnershipTransferred) Event() *types.Event {
	attrs := map[string]string{
		"component": e.Component,
		"previous":  e.Previous.Hex(),
		"next":      e.Next.Hex(),
	}
	if e.Next == (common.Address{}) {
		attrs["renounced"] = "true"
	}
	return &types.Event{Type: TypeOwnershipTransferred, Attributes: attrs}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// displayAddress renders participant addresses in the chain's bech32 form.
func displayAddress(addr common.Address) string {
	return crypto.FromCommon(addr).String()
}
