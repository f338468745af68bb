package deployer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func abiType(t *testing.T, name string) abi.Type {
	t.Helper()
	typ, err := abi.NewType(name, "", nil)
	require.NoError(t, err)
	return typ
}

func TestCoerceIntegerWidths(t *testing.T) {
	tests := []struct {
		abiType string
		raw     any
		want    any
	}{
		{"uint256", 1000000, big.NewInt(1000000)},
		{"uint256", "1000000000000000000000", mustBig(t, "1000000000000000000000")},
		{"uint256", "0xff", big.NewInt(255)},
		{"uint64", 7, uint64(7)},
		{"uint32", 7, uint32(7)},
		{"uint8", 255, uint8(255)},
		{"int256", -5, big.NewInt(-5)},
		{"int64", -5, int64(-5)},
		{"int8", -128, int8(-128)},
		{"uint128", 12, big.NewInt(12)},
		{"uint256", float64(1e6), big.NewInt(1000000)},
	}

	for _, tc := range tests {
		got, err := coerceInteger(abiType(t, tc.abiType), tc.raw)
		require.NoError(t, err, "%s from %v", tc.abiType, tc.raw)
		if want, ok := tc.want.(*big.Int); ok {
			assert.Zero(t, want.Cmp(got.(*big.Int)), "%s from %v", tc.abiType, tc.raw)
		} else {
			assert.Equal(t, tc.want, got, "%s from %v", tc.abiType, tc.raw)
		}
	}
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	n, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok)
	return n
}

func TestCoerceIntegerRejections(t *testing.T) {
	tests := []struct {
		abiType string
		raw     any
	}{
		{"uint8", 256},
		{"uint256", -1},
		{"int8", 128},
		{"uint64", "not a number"},
		{"uint256", 1.5},
		{"uint256", true},
	}

	for _, tc := range tests {
		_, err := coerceInteger(abiType(t, tc.abiType), tc.raw)
		assert.Error(t, err, "%s from %v", tc.abiType, tc.raw)
	}
}

func TestCoerceAddress(t *testing.T) {
	book := NewAddressBook(t.TempDir())
	deployed := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	book.Record("Token", deployed)

	got, err := coerceAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8", book)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), got)

	got, err = coerceAddress("$Token", book)
	require.NoError(t, err)
	assert.Equal(t, deployed, got)

	_, err = coerceAddress("$Vault", book)
	require.Error(t, err)

	_, err = coerceAddress("not-an-address", book)
	require.Error(t, err)

	_, err = coerceAddress(5, book)
	require.Error(t, err)
}

func TestCoerceFixedBytes(t *testing.T) {
	got, err := coerceArg(abiType(t, "bytes32"), "0x"+"11"+"00"+"22"+"00"+"33"+"000000000000000000000000000000000000000000000000000000", nil)
	require.NoError(t, err)
	arr, ok := got.([32]byte)
	require.True(t, ok)
	assert.Equal(t, byte(0x11), arr[0])
	assert.Equal(t, byte(0x22), arr[2])

	_, err = coerceArg(abiType(t, "bytes32"), "0x1122", nil)
	require.Error(t, err, "length mismatch must fail")
}

func TestCoerceDynamicBytesAndScalars(t *testing.T) {
	got, err := coerceArg(abiType(t, "bytes"), "0xdeadbeef", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, got)

	got, err = coerceArg(abiType(t, "bool"), true, nil)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = coerceArg(abiType(t, "string"), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	_, err = coerceArg(abiType(t, "uint256[]"), []any{1}, nil)
	require.Error(t, err, "slice arguments are not supported")
}

func TestCoerceArgsCountMismatch(t *testing.T) {
	inputs := abi.Arguments{{Type: abiType(t, "uint256")}}
	_, err := coerceArgs(inputs, nil, nil)
	require.Error(t, err)

	_, err = coerceArgs(inputs, []any{1, 2}, nil)
	require.Error(t, err)
}
