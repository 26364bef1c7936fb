// Package verifier decides whether a zk-fetch proof satisfies the claim
// template bound to an agreement. It answers only to agreement registries the
// owner has allow-listed.
package verifier

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"nagare/native/authority"
	"nagare/proof"
)

// ExtractedTextKey is the extracted parameter compared against template texts.
const ExtractedTextKey = "text"

// Verifier is the checkpoint and termination policy for agreements whose
// evidence is a signed fetch of a social post.
type Verifier struct {
	address   common.Address
	auth      *authority.Authority
	attesters ProofChecker
	state     State

	mu        sync.RWMutex
	allowed   map[common.Address]struct{}
	templates map[templateKey]*ContractInfo
}

// New constructs a verifier identified by address. Proof signatures are
// checked by attesters. A nil state keeps everything in memory.
func New(address common.Address, auth *authority.Authority, attesters ProofChecker, state State) (*Verifier, error) {
	if auth == nil {
		return nil, fmt.Errorf("verifier: authority required")
	}
	if attesters == nil {
		return nil, fmt.Errorf("verifier: attester registry required")
	}
	if state == nil {
		state = NewMemState()
	}
	v := &Verifier{
		address:   address,
		auth:      auth,
		attesters: attesters,
		state:     state,
		allowed:   make(map[common.Address]struct{}),
		templates: make(map[templateKey]*ContractInfo),
	}
	allowed, err := state.VerifierAllowed()
	if err != nil {
		return nil, fmt.Errorf("verifier: load allow-list: %w", err)
	}
	for _, addr := range allowed {
		v.allowed[addr] = struct{}{}
	}
	return v, nil
}

// Address returns the verifier's identity.
func (v *Verifier) Address() common.Address { return v.address }

// Authority exposes the verifier's owner.
func (v *Verifier) Authority() *authority.Authority { return v.auth }

// SetAgreementContract adds or removes registry from the allow-list. Only the
// owner may call it.
func (v *Verifier) SetAgreementContract(caller, registry common.Address, allowed bool) error {
	if err := v.auth.Require(caller); err != nil {
		return err
	}
	if registry == (common.Address{}) {
		return ErrInvalidRegistry
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.state.VerifierAllowedPut(registry, allowed); err != nil {
		return fmt.Errorf("verifier: persist allow-list: %w", err)
	}
	if allowed {
		v.allowed[registry] = struct{}{}
	} else {
		delete(v.allowed, registry)
	}
	return nil
}

// IsAgreementContract reports whether registry is allow-listed.
func (v *Verifier) IsAgreementContract(registry common.Address) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.allowed[registry]
	return ok
}

// RegisterAgreement binds contractInfo to agreementID for the calling
// registry. A second registration for the same id is rejected.
func (v *Verifier) RegisterAgreement(caller common.Address, contractInfo []byte, agreementID uint64) error {
	info, err := DecodeContractInfo(contractInfo)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.allowed[caller]; !ok {
		return ErrUnauthorized
	}
	key := templateKey{registry: caller, agreementID: agreementID}
	if _, ok := v.templates[key]; ok {
		return ErrAgreementRegistered
	}
	if _, ok, err := v.state.VerifierTemplateGet(caller, agreementID); err != nil {
		return fmt.Errorf("verifier: load template: %w", err)
	} else if ok {
		return ErrAgreementRegistered
	}
	if err := v.state.VerifierTemplatePut(caller, agreementID, contractInfo); err != nil {
		return fmt.Errorf("verifier: persist template: %w", err)
	}
	v.templates[key] = info
	return nil
}

// UnregisterAgreement drops the template bound to (caller, agreementID). A
// registry calls it to undo RegisterAgreement when it cannot store the
// agreement. Removing an unknown template is a no-op.
func (v *Verifier) UnregisterAgreement(caller common.Address, agreementID uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.allowed[caller]; !ok {
		return ErrUnauthorized
	}
	if err := v.state.VerifierTemplateDelete(caller, agreementID); err != nil {
		return fmt.Errorf("verifier: delete template: %w", err)
	}
	delete(v.templates, templateKey{registry: caller, agreementID: agreementID})
	return nil
}

// CheckSchedule reports whether contractInfo names a text for each of the
// agreement's checkpoints.
func (v *Verifier) CheckSchedule(contractInfo []byte, checkpoints int) error {
	info, err := DecodeContractInfo(contractInfo)
	if err != nil {
		return err
	}
	if len(info.CheckpointTexts) < checkpoints {
		return fmt.Errorf("%w: %d texts for %d checkpoints", ErrScheduleMismatch, len(info.CheckpointTexts), checkpoints)
	}
	return nil
}

// Template returns the template registry bound to agreementID.
func (v *Verifier) Template(registry common.Address, agreementID uint64) (*ContractInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	info, err := v.templateLocked(registry, agreementID)
	if err != nil {
		return nil, err
	}
	return info.Clone(), nil
}

func (v *Verifier) templateLocked(registry common.Address, agreementID uint64) (*ContractInfo, error) {
	key := templateKey{registry: registry, agreementID: agreementID}
	if info, ok := v.templates[key]; ok {
		return info, nil
	}
	raw, ok, err := v.state.VerifierTemplateGet(registry, agreementID)
	if err != nil {
		return nil, fmt.Errorf("verifier: load template: %w", err)
	}
	if !ok {
		return nil, ErrUnknownAgreement
	}
	info, err := DecodeContractInfo(raw)
	if err != nil {
		return nil, err
	}
	v.templates[key] = info
	return info, nil
}

// VerifyCheckpoint reports whether aux is a proof that checkpointID of the
// caller's agreement was reached. Malformed aux returns an error; a proof
// that does not satisfy the template returns false.
func (v *Verifier) VerifyCheckpoint(caller common.Address, agreementID, checkpointID uint64, aux []byte) (bool, error) {
	return v.verify(caller, agreementID, aux, func(info *ContractInfo) string {
		if checkpointID >= uint64(len(info.CheckpointTexts)) {
			return ""
		}
		return info.CheckpointTexts[checkpointID]
	})
}

// VerifyTermination reports whether aux proves the termination text of the
// caller's agreement.
func (v *Verifier) VerifyTermination(caller common.Address, agreementID uint64, aux []byte) (bool, error) {
	return v.verify(caller, agreementID, aux, func(info *ContractInfo) string {
		return info.TerminationText
	})
}

func (v *Verifier) verify(caller common.Address, agreementID uint64, aux []byte, expected func(*ContractInfo) string) (bool, error) {
	v.mu.Lock()
	if _, ok := v.allowed[caller]; !ok {
		v.mu.Unlock()
		return false, ErrUnauthorized
	}
	info, err := v.templateLocked(caller, agreementID)
	v.mu.Unlock()
	if err != nil {
		return false, err
	}
	p, err := proof.DecodeProof(aux)
	if err != nil {
		return false, err
	}
	return v.evaluate(info, p, expected(info)) == nil, nil
}

// evaluate returns nil when p proves that the template's resource yielded
// want, or the first reason it does not.
func (v *Verifier) evaluate(info *ContractInfo, p *proof.Proof, want string) error {
	if want == "" {
		return errRejectNoText
	}
	if !p.IdentifierMatches() {
		return errRejectIdentifier
	}
	if err := v.attesters.CheckSignatures(p); err != nil {
		return err
	}
	if !strings.EqualFold(p.ClaimInfo.Provider, proof.ProviderHTTP) {
		return errRejectProvider
	}
	params, err := proof.ParseParameters(p.ClaimInfo.Parameters)
	if err != nil {
		return fmt.Errorf("%w: %v", errRejectParameters, err)
	}
	u, err := params.ParsedURL()
	if err != nil {
		return fmt.Errorf("%w: %v", errRejectParameters, err)
	}
	if !info.targets(u) {
		return errRejectResource
	}
	ctx, err := proof.ParseContext(p.ClaimInfo.Context)
	if err != nil {
		return fmt.Errorf("%w: %v", errRejectContext, err)
	}
	if ctx.ProviderHash != "" {
		if computed, err := proof.ProviderHash(params); err != nil || !strings.EqualFold(computed, ctx.ProviderHash) {
			return errRejectContext
		}
	}
	got, ok := ctx.ExtractedParameters[ExtractedTextKey]
	if !ok || got != want {
		return errRejectValue
	}
	return nil
}
