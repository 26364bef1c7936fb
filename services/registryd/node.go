// Package registryd serves the agreement registry, its verifier and the
// escrow vault over HTTP, backed by a LevelDB store and a SQL read model.
package registryd

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"nagare/core/events"
	"nagare/native/agreement"
	"nagare/native/authority"
	nativecommon "nagare/native/common"
	"nagare/native/vault"
	"nagare/native/verifier"
	"nagare/observability"
	"nagare/storage"
)

// Ownable components, as named in owner transfer requests and events.
const (
	ComponentRegistry = "registry"
	ComponentVerifier = "verifier"
	ComponentPauses   = "pauses"
)

// Node bundles the wired components.
type Node struct {
	Store     *storage.Store
	Registry  *agreement.Registry
	Verifier  *verifier.Verifier
	Attesters *verifier.Attesters
	Vault     *vault.Vault
	Pauses    *nativecommon.Pauses
	Stream    *events.Stream
	ReadModel *ReadModel

	authorities map[string]*authority.Authority
}

// NodeOptions selects identities and the event history kept for streaming.
type NodeOptions struct {
	Owner           common.Address
	RegistryAddress common.Address
	VerifierAddress common.Address
	EventHistory    int
	Logger          *slog.Logger
}

// NewNode wires every component on top of store. readModel may be nil.
func NewNode(store *storage.Store, readModel *ReadModel, opts NodeOptions) (*Node, error) {
	if store == nil {
		return nil, fmt.Errorf("registryd: store required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	n := &Node{
		Store:       store,
		Stream:      events.NewStream(opts.EventHistory),
		ReadModel:   readModel,
		authorities: make(map[string]*authority.Authority),
	}
	emitters := events.Multi{n.Stream, events.EmitterFunc(func(evt events.Event) {
		observability.Events().RecordEvent(evt.EventType())
	})}
	if readModel != nil {
		emitters = append(emitters, readModel)
	}

	for _, component := range []string{ComponentRegistry, ComponentVerifier, ComponentPauses} {
		auth, err := n.restoreAuthority(component, opts.Owner, emitters, opts.Logger)
		if err != nil {
			return nil, err
		}
		n.authorities[component] = auth
	}

	attesters, err := verifier.NewAttesters(n.authorities[ComponentVerifier], store)
	if err != nil {
		return nil, err
	}
	v, err := verifier.New(opts.VerifierAddress, n.authorities[ComponentVerifier], attesters, store)
	if err != nil {
		return nil, err
	}
	directory := agreement.NewDirectory()
	directory.Register(opts.VerifierAddress, v)

	n.Vault = vault.New(store)
	registry, err := agreement.New(opts.RegistryAddress, n.authorities[ComponentRegistry], store, n.Vault, directory)
	if err != nil {
		return nil, err
	}
	n.Pauses = nativecommon.NewPauses(n.authorities[ComponentPauses])
	registry.SetPauses(n.Pauses)
	registry.SetEmitter(emitters)

	// First boot: the verifier still belongs to the configured owner, so the
	// local registry can be allow-listed on its behalf.
	if !v.IsAgreementContract(opts.RegistryAddress) && v.Authority().Owner() == opts.Owner {
		if err := v.SetAgreementContract(opts.Owner, opts.RegistryAddress, true); err != nil {
			return nil, fmt.Errorf("allow registry: %w", err)
		}
	}

	n.Registry = registry
	n.Verifier = v
	n.Attesters = attesters
	return n, nil
}

func (n *Node) restoreAuthority(component string, owner common.Address, emitter events.Emitter, logger *slog.Logger) (*authority.Authority, error) {
	stored, ok, err := n.Store.OwnerGet(component)
	if err != nil {
		return nil, fmt.Errorf("load %s owner: %w", component, err)
	}
	var auth *authority.Authority
	if ok {
		auth = authority.Restore(stored)
	} else {
		if auth, err = authority.New(owner); err != nil {
			return nil, err
		}
		if err := n.Store.OwnerPut(component, owner); err != nil {
			return nil, fmt.Errorf("persist %s owner: %w", component, err)
		}
	}
	auth.SetHook(func(previous, next common.Address) {
		if err := n.Store.OwnerPut(component, next); err != nil {
			logger.Error("persist owner failed", slog.String("component", component), slog.Any("error", err))
		}
		emitter.Emit(events.OwnershipTransferred{Component: component, Previous: previous, Next: next})
	})
	return auth, nil
}

// Authority returns the authority of a named component.
func (n *Node) Authority(component string) (*authority.Authority, bool) {
	auth, ok := n.authorities[component]
	return auth, ok
}
