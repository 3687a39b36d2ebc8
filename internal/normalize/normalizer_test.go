package normalize

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

func TestNormalizeTaggedSuccess(t *testing.T) {
	n := Default()

	out, err := n.Normalize(domain.ChainSolana, domain.OpSend, []byte(`{"ok":{"txSignature":"5xSig"}}`))
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "5xSig", out.PrimaryIdentifier)
	assert.Equal(t, domain.ChainSolana, out.Chain)
	assert.Equal(t, domain.OpSend, out.Op)
}

func TestNormalizeTaggedFailure(t *testing.T) {
	n := Default()

	out, err := n.Normalize(domain.ChainICP, domain.OpSend, []byte(`{"Err":"InsufficientFunds"}`))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "InsufficientFunds", out.Message)
	assert.Empty(t, out.PrimaryIdentifier)
}

func TestNormalizeTaggedObjectError(t *testing.T) {
	n := Default()

	out, err := n.Normalize(domain.ChainSui, domain.OpSend, []byte(`{"err":{"code":7,"msg":"gas"}}`))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "gas")
}

func TestNormalizeFlatRecords(t *testing.T) {
	n := Default()

	out, err := n.Normalize(domain.ChainEthereum, domain.OpSend,
		[]byte(`{"success":true,"txHash":"0xabc","nonce":12,"error":null}`))
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "0xabc", out.PrimaryIdentifier)
	assert.Equal(t, "12", out.Field("nonce"))

	out, err = n.Normalize(domain.ChainBitcoin, domain.OpSend,
		[]byte(`{"success":false,"txid":null,"error":"no utxos"}`))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "no utxos", out.Message)
}

func TestNormalizeFlatWithoutSuccessIsMalformed(t *testing.T) {
	n := Default()

	_, err := n.Normalize(domain.ChainXRP, domain.OpSend, []byte(`{"txHash":"ABC"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMalformedResponse))
}

func TestNormalizeDivergentAddressFields(t *testing.T) {
	n := Default()
	record := []byte(`{
		"solana": {"address": "So1"},
		"evm": {"evmAddress": "0x00000000000000000000000000000000000000aa"},
		"sui": {"suiAddress": "0xsui"},
		"bitcoin": {"bech32Address": "bc1q"},
		"tron": {"base58Address": "T9y", "hexAddress": "41ab"},
		"ton": {"nonBounceable": "UQ", "bounceable": "EQ"},
		"near": {"implicitAccountId": "abcd"}
	}`)

	cases := []struct {
		chain domain.Chain
		want  string
	}{
		{domain.ChainSolana, "So1"},
		{domain.ChainArbitrum, "0x00000000000000000000000000000000000000aa"},
		{domain.ChainSui, "0xsui"},
		{domain.ChainBitcoin, "bc1q"},
		{domain.ChainTron, "T9y"},
		{domain.ChainTON, "UQ"},
		{domain.ChainNear, "abcd"},
	}
	for _, tc := range cases {
		out, err := n.Normalize(tc.chain, domain.OpAddress, record)
		require.NoError(t, err, tc.chain)
		assert.Equal(t, tc.want, out.PrimaryIdentifier, tc.chain)
	}

	out, err := n.Normalize(domain.ChainTON, domain.OpAddress, record)
	require.NoError(t, err)
	assert.Equal(t, "EQ", out.Field("bounceable"))
}

func TestNormalizeBalanceKeepsBigIntegers(t *testing.T) {
	n := Default()

	out, err := n.Normalize(domain.ChainEthereum, domain.OpBalance, []byte(`{"ok":123456789012345678901234}`))
	require.NoError(t, err)
	v, ok := out.Value()
	require.True(t, ok)
	assert.Equal(t, "123456789012345678901234", v.String())

	out, err = n.Normalize(domain.ChainICP, domain.OpBalance, []byte(`{"e8s":150000000}`))
	require.NoError(t, err)
	v, ok = out.Value()
	require.True(t, ok)
	assert.Equal(t, "150000000", v.String())
}

func TestNormalizeUnmappedPair(t *testing.T) {
	n := Default()

	_, err := n.Normalize(domain.ChainBitcoin, domain.OpSwap, []byte(`{"ok":{}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnmappedOperation))
}

func TestNormalizeMissingIdentifierIsMalformed(t *testing.T) {
	n := Default()

	_, err := n.Normalize(domain.ChainSolana, domain.OpSend, []byte(`{"ok":{"signature":"x"}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMalformedResponse))
}

func TestRegisterOverridesMapping(t *testing.T) {
	n := New(nil)
	n.Register(domain.ChainTON, domain.OpSend, Mapping{Shape: ShapeTagged, Identifier: P("hash")})

	out, err := n.Normalize(domain.ChainTON, domain.OpSend, []byte(`{"ok":{"hash":"h1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "h1", out.PrimaryIdentifier)
	assert.Len(t, n.Keys(), 1)
}
