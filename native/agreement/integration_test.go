package agreement_test

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"nagare/crypto"
	"nagare/native/agreement"
	"nagare/native/authority"
	"nagare/native/vault"
	"nagare/native/verifier"
	"nagare/proof"
)

const hubEndpoint = "https://hub.example/v1/castById"

func castProof(t *testing.T, fid int64, text string, signers ...*crypto.PrivateKey) []byte {
	t.Helper()
	info, err := proof.NewHTTPClaimInfo(proof.Parameters{
		Method: "GET",
		URL:    fmt.Sprintf("%s?hash=0x1234&fid=%d", hubEndpoint, fid),
		ResponseMatches: []proof.ResponseMatch{{
			Name:  verifier.ExtractedTextKey,
			Type:  proof.MatchJSONPath,
			Value: "data.castAddBody.text",
		}},
	}, map[string]string{verifier.ExtractedTextKey: text})
	require.NoError(t, err)
	p, err := proof.Sign(info, signers[0].EthAddress(), 1700000000, 1, signers...)
	require.NoError(t, err)
	encoded, err := proof.EncodeProof(p)
	require.NoError(t, err)
	return encoded
}

func TestMilestoneEscrowEndToEnd(t *testing.T) {
	ctx := context.Background()
	owner := common.HexToAddress("0x0000000000000000000000000000000000000001")
	receiver := common.HexToAddress("0x0000000000000000000000000000000000000002")
	provider := common.HexToAddress("0x0000000000000000000000000000000000000003")
	registryAddr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	verifierAddr := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	verifierAuth, err := authority.New(owner)
	require.NoError(t, err)
	vstate := verifier.NewMemState()
	attesters, err := verifier.NewAttesters(verifierAuth, vstate)
	require.NoError(t, err)
	witness, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	_, err = attesters.AddEpoch(owner, []common.Address{witness.EthAddress()}, 1)
	require.NoError(t, err)
	v, err := verifier.New(verifierAddr, verifierAuth, attesters, vstate)
	require.NoError(t, err)
	require.NoError(t, v.SetAgreementContract(owner, registryAddr, true))

	pool := vault.New(vault.NewMemState())
	_, err = pool.Deposit(registryAddr, big.NewInt(1000))
	require.NoError(t, err)

	dir := agreement.NewDirectory()
	dir.Register(verifierAddr, v)
	registryAuth, err := authority.New(owner)
	require.NoError(t, err)
	reg, err := agreement.New(registryAddr, registryAuth, agreement.NewMemState(), pool, dir)
	require.NoError(t, err)

	contractInfo, err := verifier.EncodeContractInfo(&verifier.ContractInfo{
		Endpoint:        hubEndpoint,
		Fid:             big.NewInt(7),
		CheckpointTexts: []string{"Shipped v1", "Shipped v2"},
		TerminationText: "Project cancelled",
	})
	require.NoError(t, err)
	id, err := reg.StartAgreement(ctx, owner, &agreement.Agreement{
		Verifier:        verifierAddr,
		ContractInfo:    contractInfo,
		TotalSize:       big.NewInt(1000),
		CheckpointSizes: []*big.Int{big.NewInt(300), big.NewInt(700)},
		Receiver:        receiver,
		Provider:        provider,
	})
	require.NoError(t, err)

	// Wrong fid and wrong text are rejected without side effects.
	err = reg.Checkpoint(ctx, id, 0, castProof(t, 8, "Shipped v1", witness))
	require.ErrorIs(t, err, agreement.ErrCheckpointVerificationFailed)
	err = reg.Checkpoint(ctx, id, 0, castProof(t, 7, "Shipped v2", witness))
	require.ErrorIs(t, err, agreement.ErrCheckpointVerificationFailed)
	err = reg.Checkpoint(ctx, id, 0, []byte("not a proof"))
	require.ErrorIs(t, err, agreement.ErrCheckpointVerificationFailed)
	require.ErrorIs(t, err, proof.ErrMalformedProof)
	require.False(t, reg.IsCheckpointCompleted(id, 0))

	require.NoError(t, reg.Checkpoint(ctx, id, 0, castProof(t, 7, "Shipped v1", witness)))
	got, err := pool.BalanceOf(receiver)
	require.NoError(t, err)
	require.Equal(t, int64(300), got.Int64())

	require.NoError(t, reg.Terminate(ctx, id, castProof(t, 7, "Project cancelled", witness)))
	got, err = pool.BalanceOf(receiver)
	require.NoError(t, err)
	require.Equal(t, int64(1000), got.Int64())
	require.True(t, reg.IsAgreementTerminated(id))

	err = reg.Checkpoint(ctx, id, 1, castProof(t, 7, "Shipped v2", witness))
	require.ErrorIs(t, err, agreement.ErrAgreementAlreadyTerminated)
}
