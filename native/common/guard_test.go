package common

import (
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"nagare/native/authority"
)

func TestPausesGuard(t *testing.T) {
	owner := ethcommon.HexToAddress("0x01")
	auth, err := authority.New(owner)
	require.NoError(t, err)
	pauses := NewPauses(auth)

	require.NoError(t, Guard(pauses, "agreement"))
	require.ErrorIs(t, pauses.SetPaused(ethcommon.HexToAddress("0x02"), "agreement", true), authority.ErrUnauthorizedAccount)
	require.NoError(t, pauses.SetPaused(owner, " Agreement ", true))
	require.ErrorIs(t, Guard(pauses, "agreement"), ErrModulePaused)
	require.NoError(t, Guard(pauses, "vault"))
	require.NoError(t, Guard(nil, "agreement"))

	require.NoError(t, pauses.SetPaused(owner, "agreement", false))
	require.NoError(t, Guard(pauses, "agreement"))
}
