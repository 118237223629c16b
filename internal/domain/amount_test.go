package domain

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maxUint256 = "115792089237316195423570985008687907853269984665640564039457584007913129639935"

func TestParseAmount(t *testing.T) {
	a, err := ParseAmount(" 3000000000 ")
	require.NoError(t, err)
	assert.Equal(t, "3000000000", a.String())

	for _, bad := range []string{"", "-1", "1.5", "0x10", "abc"} {
		_, err := ParseAmount(bad)
		assert.Error(t, err, bad)
	}

	_, err = ParseAmount(maxUint256)
	require.NoError(t, err)
}

func TestAmountArithmetic(t *testing.T) {
	max := MustParseAmount(maxUint256)

	_, ok := max.Add(NewAmount(1))
	assert.False(t, ok)

	_, ok = NewAmount(1).Sub(NewAmount(2))
	assert.False(t, ok)

	d, ok := NewAmount(5).Sub(NewAmount(2))
	require.True(t, ok)
	assert.Equal(t, uint64(3), d.Uint64())

	assert.True(t, NewAmount(1).LT(NewAmount(2)))
	assert.True(t, NewAmount(2).GTE(NewAmount(2)))
	assert.Equal(t, -1, NewAmount(1).Cmp(NewAmount(2)))
	assert.True(t, ZeroAmount.IsZero())
	assert.Equal(t, "1000000000000000000", Pow10(18).String())
}

func TestMulDivCeil(t *testing.T) {
	got, ok := NewAmount(7).MulDivCeil(NewAmount(3), NewAmount(2))
	require.True(t, ok)
	assert.Equal(t, "11", got.String())

	got, ok = NewAmount(6).MulDivCeil(NewAmount(3), NewAmount(2))
	require.True(t, ok)
	assert.Equal(t, "9", got.String())

	// The intermediate product exceeds 256 bits but the result fits.
	max := MustParseAmount(maxUint256)
	got, ok = max.MulDivCeil(NewAmount(10), NewAmount(10))
	require.True(t, ok)
	assert.True(t, got.Equal(max))

	_, ok = max.MulDivCeil(max, NewAmount(1))
	assert.False(t, ok)
	_, ok = NewAmount(1).MulDivCeil(NewAmount(1), ZeroAmount)
	assert.False(t, ok)
}

func TestAmountFormat(t *testing.T) {
	assert.Equal(t, "1.5", NewAmount(1_500_000).Format(6))
	assert.Equal(t, "0.05", NewAmount(50_000).Format(6))
	assert.Equal(t, "3000", NewAmount(3_000_000_000).Format(6))
	assert.Equal(t, "0", ZeroAmount.Format(6))
	assert.Equal(t, "42", NewAmount(42).Format(0))
}

func TestAmountJSON(t *testing.T) {
	type wrapper struct {
		A Amount `json:"a"`
	}
	raw, err := json.Marshal(wrapper{A: MustParseAmount("1000000000000000000")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"1000000000000000000"}`, string(raw))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"a":"12"}`), &w))
	assert.Equal(t, "12", w.A.String())
	assert.Error(t, json.Unmarshal([]byte(`{"a":"-1"}`), &w))
}

func TestAmountFromBig(t *testing.T) {
	a, ok := AmountFromBig(big.NewInt(99))
	require.True(t, ok)
	assert.Equal(t, "99", a.String())
	assert.Equal(t, int64(99), a.Big().Int64())

	_, ok = AmountFromBig(big.NewInt(-1))
	assert.False(t, ok)
	_, ok = AmountFromBig(new(big.Int).Lsh(big.NewInt(1), 256))
	assert.False(t, ok)
}
