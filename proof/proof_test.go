package proof

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"nagare/crypto"
)

func testClaimInfo(t *testing.T, text string) ClaimInfo {
	t.Helper()
	params := Parameters{
		Method:          "GET",
		URL:             "https://hub.example/v1/castById?hash=0xabc&fid=42",
		Headers:         map[string]string{"accept": "application/json"},
		ResponseMatches: []ResponseMatch{{Name: "text", Type: MatchJSONPath, Value: "data.castAddBody.text"}},
	}
	info, err := NewHTTPClaimInfo(params, map[string]string{"text": text})
	require.NoError(t, err)
	return info
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func TestHashClaimInfoMatchesKeccakOfJoinedFields(t *testing.T) {
	info := ClaimInfo{Provider: "http", Parameters: "{}", Context: "{\"a\":1}"}
	want := ethcrypto.Keccak256([]byte("http\n{}\n{\"a\":1}"))
	got := HashClaimInfo(info)
	require.Equal(t, want, got[:])
}

func TestSerialiseClaimFormat(t *testing.T) {
	var id [32]byte
	id[31] = 0x01
	owner := common.HexToAddress("0x00000000000000000000000000000000000000AB")
	got := SerialiseClaim(Claim{Identifier: id, Owner: owner, TimestampS: 1700000000, Epoch: 3})
	want := "0x" + hex.EncodeToString(id[:]) + "\n0x00000000000000000000000000000000000000ab\n1700000000\n3"
	require.Equal(t, want, got)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	w1, w2 := mustKey(t), mustKey(t)
	owner := mustKey(t).EthAddress()
	p, err := Sign(testClaimInfo(t, "Shipped v1"), owner, 1700000000, 1, w1, w2)
	require.NoError(t, err)

	encoded, err := EncodeProof(p)
	require.NoError(t, err)
	// Dynamic tuple: first word is the offset of the tuple body.
	require.Equal(t, common.LeftPadBytes([]byte{0x20}, 32), encoded[:32])

	decoded, err := DecodeProof(encoded)
	require.NoError(t, err)
	require.Equal(t, p, decoded)

	again, err := EncodeProof(decoded)
	require.NoError(t, err)
	require.True(t, bytes.Equal(encoded, again))
}

func TestDecodeProofRejectsGarbage(t *testing.T) {
	_, err := DecodeProof(nil)
	require.ErrorIs(t, err, ErrMalformedProof)

	_, err = DecodeProof([]byte{0x01, 0x02, 0x03})
	require.ErrorIs(t, err, ErrMalformedProof)

	junk := bytes.Repeat([]byte{0xff}, 96)
	_, err = DecodeProof(junk)
	require.ErrorIs(t, err, ErrMalformedProof)
}

func TestRecoverSigners(t *testing.T) {
	w1, w2 := mustKey(t), mustKey(t)
	p, err := Sign(testClaimInfo(t, "x"), w1.EthAddress(), 10, 1, w1, w2)
	require.NoError(t, err)
	require.True(t, p.IdentifierMatches())

	signers, err := RecoverSigners(p.SignedClaim)
	require.NoError(t, err)
	require.Equal(t, []common.Address{w1.EthAddress(), w2.EthAddress()}, signers)

	tampered := p.Clone()
	tampered.SignedClaim.Claim.TimestampS++
	signers, err = RecoverSigners(tampered.SignedClaim)
	if err == nil {
		require.NotContains(t, signers, w1.EthAddress())
	}

	_, err = RecoverSigners(SignedClaim{Claim: p.SignedClaim.Claim})
	require.ErrorIs(t, err, ErrNoSignatures)
}

func TestIdentifierMatchesDetectsEditedInfo(t *testing.T) {
	p, err := Sign(testClaimInfo(t, "Shipped v1"), common.Address{}, 1, 1, mustKey(t))
	require.NoError(t, err)
	p.ClaimInfo.Context = testClaimInfo(t, "Shipped v2").Context
	require.False(t, p.IdentifierMatches())
}

func TestAttestationToOnchain(t *testing.T) {
	w := mustKey(t)
	p, err := Sign(testClaimInfo(t, "gm"), w.EthAddress(), 99, 2, w)
	require.NoError(t, err)

	att := NewAttestation(p, []WitnessData{{ID: w.EthAddress().Hex(), URL: "https://witness.local"}}, map[string]string{"text": "gm"})
	onchain, err := att.ToOnchain()
	require.NoError(t, err)
	require.Equal(t, p, onchain)

	att.ClaimData.Identifier = "0x1234"
	att.Identifier = ""
	_, err = att.ToOnchain()
	require.ErrorIs(t, err, ErrMalformedAttestation)
}

func TestParametersCanonicalAndParse(t *testing.T) {
	params := Parameters{
		Method:  "get",
		URL:     "https://hub.example/v1/castById?hash=0x1&fid=7",
		Headers: map[string]string{"b": "2", "a": "1"},
	}
	encoded, err := params.Encode()
	require.NoError(t, err)
	require.Equal(t, `{"body":"","headers":{"a":"1","b":"2"},"method":"GET","url":"https://hub.example/v1/castById?hash=0x1&fid=7"}`, encoded)

	parsed, err := ParseParameters(encoded)
	require.NoError(t, err)
	u, err := parsed.ParsedURL()
	require.NoError(t, err)
	require.Equal(t, "hub.example", u.Host)
	require.Equal(t, "7", u.Query().Get("fid"))

	ctx, err := ParseContext(`{"providerHash":"0x1"}`)
	require.NoError(t, err)
	require.NotNil(t, ctx.ExtractedParameters)
}
