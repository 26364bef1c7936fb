package verifier

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"nagare/crypto"
	"nagare/native/authority"
	"nagare/proof"
)

const testEndpoint = "https://hub.example/v1/castById"

var (
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	registry = common.HexToAddress("0x0000000000000000000000000000000000000002")
	stranger = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

type fixture struct {
	verifier  *Verifier
	attesters *Attesters
	witnesses []*crypto.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	auth, err := authority.New(owner)
	require.NoError(t, err)
	state := NewMemState()
	attesters, err := NewAttesters(auth, state)
	require.NoError(t, err)

	witnesses := make([]*crypto.PrivateKey, 3)
	addrs := make([]common.Address, 3)
	for i := range witnesses {
		witnesses[i], err = crypto.GeneratePrivateKey()
		require.NoError(t, err)
		addrs[i] = witnesses[i].EthAddress()
	}
	_, err = attesters.AddEpoch(owner, addrs, 2)
	require.NoError(t, err)

	v, err := New(common.HexToAddress("0x00000000000000000000000000000000000000fe"), auth, attesters, state)
	require.NoError(t, err)
	require.NoError(t, v.SetAgreementContract(owner, registry, true))
	return &fixture{verifier: v, attesters: attesters, witnesses: witnesses}
}

func template(t *testing.T, fid int64, texts []string, termination string) []byte {
	t.Helper()
	encoded, err := EncodeContractInfo(&ContractInfo{
		Endpoint:        testEndpoint,
		Fid:             big.NewInt(fid),
		CheckpointTexts: texts,
		TerminationText: termination,
	})
	require.NoError(t, err)
	return encoded
}

func buildProof(t *testing.T, url, text string, epoch uint32, signers ...*crypto.PrivateKey) *proof.Proof {
	t.Helper()
	info, err := proof.NewHTTPClaimInfo(proof.Parameters{
		Method:          "GET",
		URL:             url,
		Headers:         map[string]string{"accept": "application/json"},
		ResponseMatches: []proof.ResponseMatch{{Name: ExtractedTextKey, Type: proof.MatchJSONPath, Value: "data.castAddBody.text"}},
	}, map[string]string{ExtractedTextKey: text})
	require.NoError(t, err)
	p, err := proof.Sign(info, signers[0].EthAddress(), 1700000000, epoch, signers...)
	require.NoError(t, err)
	return p
}

func encode(t *testing.T, p *proof.Proof) []byte {
	t.Helper()
	encoded, err := proof.EncodeProof(p)
	require.NoError(t, err)
	return encoded
}

func castURL(fid int64) string {
	return fmt.Sprintf("%s?hash=0xdeadbeef&fid=%d", testEndpoint, fid)
}

func TestContractInfoRoundTrip(t *testing.T) {
	raw := template(t, 42, []string{"Shipped v1", "Shipped v2"}, "Cancelled")
	info, err := DecodeContractInfo(raw)
	require.NoError(t, err)
	require.Equal(t, testEndpoint, info.Endpoint)
	require.Equal(t, int64(42), info.Fid.Int64())
	require.Equal(t, []string{"Shipped v1", "Shipped v2"}, info.CheckpointTexts)
	require.Equal(t, "Cancelled", info.TerminationText)

	_, err = DecodeContractInfo([]byte{0x01})
	require.ErrorIs(t, err, ErrMalformedContractInfo)

	_, err = EncodeContractInfo(&ContractInfo{Endpoint: "/relative", Fid: big.NewInt(1)})
	require.ErrorIs(t, err, ErrMalformedContractInfo)
}

func TestRegisterAgreementAccessControl(t *testing.T) {
	f := newFixture(t)
	raw := template(t, 42, []string{"a"}, "")

	require.ErrorIs(t, f.verifier.RegisterAgreement(stranger, raw, 0), ErrUnauthorized)
	require.NoError(t, f.verifier.RegisterAgreement(registry, raw, 0))
	require.ErrorIs(t, f.verifier.RegisterAgreement(registry, raw, 0), ErrAgreementRegistered)
	require.ErrorIs(t, f.verifier.RegisterAgreement(registry, []byte("junk"), 1), ErrMalformedContractInfo)

	err := f.verifier.SetAgreementContract(stranger, stranger, true)
	require.ErrorIs(t, err, authority.ErrUnauthorizedAccount)
	require.ErrorIs(t, f.verifier.SetAgreementContract(owner, common.Address{}, true), ErrInvalidRegistry)

	require.NoError(t, f.verifier.SetAgreementContract(owner, registry, false))
	_, err = f.verifier.VerifyCheckpoint(registry, 0, 0, nil)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestUnregisterAgreementFreesID(t *testing.T) {
	f := newFixture(t)
	raw := template(t, 42, []string{"a"}, "")
	require.NoError(t, f.verifier.RegisterAgreement(registry, raw, 0))

	require.ErrorIs(t, f.verifier.UnregisterAgreement(stranger, 0), ErrUnauthorized)
	require.NoError(t, f.verifier.UnregisterAgreement(registry, 0))
	_, err := f.verifier.Template(registry, 0)
	require.ErrorIs(t, err, ErrUnknownAgreement)
	require.NoError(t, f.verifier.UnregisterAgreement(registry, 0))

	require.NoError(t, f.verifier.RegisterAgreement(registry, raw, 0))
}

func TestCheckScheduleRequiresTextPerCheckpoint(t *testing.T) {
	f := newFixture(t)
	raw := template(t, 42, []string{"a", "b"}, "")

	require.NoError(t, f.verifier.CheckSchedule(raw, 2))
	require.NoError(t, f.verifier.CheckSchedule(raw, 1))
	require.ErrorIs(t, f.verifier.CheckSchedule(raw, 3), ErrScheduleMismatch)
	require.ErrorIs(t, f.verifier.CheckSchedule([]byte("junk"), 1), ErrMalformedContractInfo)
}

func TestTemplatesAreScopedPerRegistry(t *testing.T) {
	f := newFixture(t)
	other := common.HexToAddress("0x0000000000000000000000000000000000000004")
	require.NoError(t, f.verifier.SetAgreementContract(owner, other, true))
	require.NoError(t, f.verifier.RegisterAgreement(registry, template(t, 42, []string{"a"}, ""), 0))

	p := encode(t, buildProof(t, castURL(42), "a", 1, f.witnesses[0], f.witnesses[1]))
	_, err := f.verifier.VerifyCheckpoint(other, 0, 0, p)
	require.ErrorIs(t, err, ErrUnknownAgreement)

	require.NoError(t, f.verifier.RegisterAgreement(other, template(t, 7, []string{"b"}, ""), 0))
	ok, err := f.verifier.VerifyCheckpoint(other, 0, 0, p)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyCheckpointAcceptsOnlyExactResourceAndValue(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.verifier.RegisterAgreement(registry, template(t, 42, []string{"Shipped v1", "Shipped v2"}, ""), 9))
	signers := []*crypto.PrivateKey{f.witnesses[0], f.witnesses[2]}

	ok, err := f.verifier.VerifyCheckpoint(registry, 9, 0, encode(t, buildProof(t, castURL(42), "Shipped v1", 1, signers...)))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.verifier.VerifyCheckpoint(registry, 9, 1, encode(t, buildProof(t, castURL(42), "Shipped v1", 1, signers...)))
	require.NoError(t, err)
	require.False(t, ok, "value for a different checkpoint")

	ok, err = f.verifier.VerifyCheckpoint(registry, 9, 0, encode(t, buildProof(t, castURL(43), "Shipped v1", 1, signers...)))
	require.NoError(t, err)
	require.False(t, ok, "different fid")

	ok, err = f.verifier.VerifyCheckpoint(registry, 9, 0, encode(t, buildProof(t, "https://evil.example/v1/castById?fid=42", "Shipped v1", 1, signers...)))
	require.NoError(t, err)
	require.False(t, ok, "different host")

	ok, err = f.verifier.VerifyCheckpoint(registry, 9, 5, encode(t, buildProof(t, castURL(42), "Shipped v1", 1, signers...)))
	require.NoError(t, err)
	require.False(t, ok, "checkpoint outside template")

	_, err = f.verifier.VerifyCheckpoint(registry, 9, 0, []byte{0xde, 0xad})
	require.ErrorIs(t, err, proof.ErrMalformedProof)
}

func TestEvaluateRejectionReasons(t *testing.T) {
	f := newFixture(t)
	info, err := DecodeContractInfo(template(t, 42, []string{"a"}, ""))
	require.NoError(t, err)

	good := buildProof(t, castURL(42), "a", 1, f.witnesses[0], f.witnesses[1])
	require.NoError(t, f.verifier.evaluate(info, good, "a"))
	require.ErrorIs(t, f.verifier.evaluate(info, good, ""), errRejectNoText)

	tampered := good.Clone()
	tampered.ClaimInfo.Context = `{"extractedParameters":{"text":"a"},"providerHash":""}`
	require.ErrorIs(t, f.verifier.evaluate(info, tampered, "a"), errRejectIdentifier)

	tooFew := buildProof(t, castURL(42), "a", 1, f.witnesses[0])
	require.ErrorIs(t, f.verifier.evaluate(info, tooFew, "a"), errRejectSignatures)

	dup := buildProof(t, castURL(42), "a", 1, f.witnesses[0], f.witnesses[0])
	require.ErrorIs(t, f.verifier.evaluate(info, dup, "a"), errRejectSignatures)

	outsider, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	unknown := buildProof(t, castURL(42), "a", 1, f.witnesses[0], f.witnesses[1], outsider)
	require.ErrorIs(t, f.verifier.evaluate(info, unknown, "a"), errRejectSignatures)

	wrongEpoch := buildProof(t, castURL(42), "a", 2, f.witnesses[0], f.witnesses[1])
	require.ErrorIs(t, f.verifier.evaluate(info, wrongEpoch, "a"), errRejectEpoch)
}

func TestVerifyTermination(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.verifier.RegisterAgreement(registry, template(t, 42, []string{"a"}, "Project cancelled"), 0))
	require.NoError(t, f.verifier.RegisterAgreement(registry, template(t, 42, []string{"a"}, ""), 1))

	p := encode(t, buildProof(t, castURL(42), "Project cancelled", 1, f.witnesses[1], f.witnesses[2]))
	ok, err := f.verifier.VerifyTermination(registry, 0, p)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.verifier.VerifyTermination(registry, 1, p)
	require.NoError(t, err)
	require.False(t, ok, "termination disabled by empty text")

	_, err = f.verifier.VerifyTermination(registry, 2, p)
	require.True(t, errors.Is(err, ErrUnknownAgreement))
}

func TestStatePersistsAcrossInstances(t *testing.T) {
	auth, err := authority.New(owner)
	require.NoError(t, err)
	state := NewMemState()
	attesters, err := NewAttesters(auth, state)
	require.NoError(t, err)
	w, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	epoch, err := attesters.AddEpoch(owner, []common.Address{w.EthAddress()}, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), epoch.ID)

	v, err := New(common.Address{}, auth, attesters, state)
	require.NoError(t, err)
	require.NoError(t, v.SetAgreementContract(owner, registry, true))
	require.NoError(t, v.RegisterAgreement(registry, template(t, 1, []string{"x"}, ""), 3))

	reloadedAttesters, err := NewAttesters(auth, state)
	require.NoError(t, err)
	current, ok := reloadedAttesters.CurrentEpoch()
	require.True(t, ok)
	require.Equal(t, []common.Address{w.EthAddress()}, current.Witnesses)

	reloaded, err := New(common.Address{}, auth, reloadedAttesters, state)
	require.NoError(t, err)
	require.True(t, reloaded.IsAgreementContract(registry))
	require.ErrorIs(t, reloaded.RegisterAgreement(registry, template(t, 1, []string{"x"}, ""), 3), ErrAgreementRegistered)
	ok, err = reloaded.VerifyCheckpoint(registry, 3, 0, encode(t, buildProof(t, castURL(1), "x", 1, w)))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAddEpochValidation(t *testing.T) {
	auth, err := authority.New(owner)
	require.NoError(t, err)
	attesters, err := NewAttesters(auth, nil)
	require.NoError(t, err)
	w := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	_, err = attesters.AddEpoch(stranger, []common.Address{w}, 1)
	require.ErrorIs(t, err, authority.ErrUnauthorizedAccount)
	_, err = attesters.AddEpoch(owner, nil, 1)
	require.ErrorIs(t, err, ErrInvalidEpoch)
	_, err = attesters.AddEpoch(owner, []common.Address{w, w}, 1)
	require.ErrorIs(t, err, ErrInvalidEpoch)
	_, err = attesters.AddEpoch(owner, []common.Address{w}, 2)
	require.ErrorIs(t, err, ErrInvalidEpoch)
	_, ok := attesters.CurrentEpoch()
	require.False(t, ok)
}
