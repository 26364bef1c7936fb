package authority

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

func TestNewRejectsZeroOwner(t *testing.T) {
	_, err := New(common.Address{})
	require.ErrorIs(t, err, ErrInvalidOwner)
}

func TestTransferOwnership(t *testing.T) {
	auth, err := New(alice)
	require.NoError(t, err)

	var seen [][2]common.Address
	auth.SetHook(func(prev, next common.Address) { seen = append(seen, [2]common.Address{prev, next}) })

	err = auth.TransferOwnership(bob, bob)
	var unauthorized *OwnableUnauthorizedAccount
	require.True(t, errors.As(err, &unauthorized))
	require.Equal(t, bob, unauthorized.Account)
	require.ErrorIs(t, err, ErrUnauthorizedAccount)

	require.ErrorIs(t, auth.TransferOwnership(alice, common.Address{}), ErrInvalidOwner)
	require.NoError(t, auth.TransferOwnership(alice, bob))
	require.Equal(t, bob, auth.Owner())
	require.NoError(t, auth.Require(bob))
	require.Error(t, auth.Require(alice))
	require.Equal(t, [][2]common.Address{{alice, bob}}, seen)
}

func TestRenounceIsPermanent(t *testing.T) {
	auth, err := New(alice)
	require.NoError(t, err)
	require.NoError(t, auth.RenounceOwnership(alice))
	require.True(t, auth.Renounced())

	require.ErrorIs(t, auth.Require(alice), ErrUnauthorizedAccount)
	require.ErrorIs(t, auth.Require(common.Address{}), ErrUnauthorizedAccount)
	require.ErrorIs(t, auth.TransferOwnership(alice, bob), ErrUnauthorizedAccount)
	require.ErrorIs(t, auth.RenounceOwnership(common.Address{}), ErrUnauthorizedAccount)

	restored := Restore(common.Address{})
	require.True(t, restored.Renounced())
}
