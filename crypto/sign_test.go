package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignPersonalRecoversSigner(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	msg := []byte("0xabc\n0xdef\n1700000000\n1")
	sig, err := SignPersonal(key, msg)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)
	require.Contains(t, []byte{27, 28}, sig[64])

	signer, err := RecoverPersonal(msg, sig)
	require.NoError(t, err)
	require.Equal(t, key.EthAddress(), signer)
}

func TestRecoverPersonalDifferentMessage(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	sig, err := SignPersonal(key, []byte("first"))
	require.NoError(t, err)

	signer, err := RecoverPersonal([]byte("second"), sig)
	if err == nil {
		require.NotEqual(t, key.EthAddress(), signer)
	}
}

func TestRecoverPersonalRejectsMalformed(t *testing.T) {
	_, err := RecoverPersonal([]byte("msg"), []byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrInvalidSignature)

	bad := make([]byte, SignatureLength)
	bad[64] = 40
	_, err = RecoverPersonal([]byte("msg"), bad)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	display := key.PubKey().Address()
	require.Equal(t, NagarePrefix, display.Prefix())

	parsed, err := ParseAddress(display.String())
	require.NoError(t, err)
	require.Equal(t, key.EthAddress(), parsed)

	parsedHex, err := ParseAddress(key.EthAddress().Hex())
	require.NoError(t, err)
	require.Equal(t, key.EthAddress(), parsedHex)

	_, err = ParseAddress("  ")
	require.Error(t, err)
}

func TestLoadOrCreateKeystore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "attester.json")
	created, fresh, err := LoadOrCreateKeystore(path, "secret")
	require.NoError(t, err)
	require.True(t, fresh)

	loaded, fresh, err := LoadOrCreateKeystore(path, "secret")
	require.NoError(t, err)
	require.False(t, fresh)
	require.Equal(t, created.EthAddress(), loaded.EthAddress())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}
