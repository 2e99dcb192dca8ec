package fixedpoint

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func maxUint256() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

func TestAddOverflow(t *testing.T) {
	_, err := Add(maxUint256(), New(1))
	require.ErrorIs(t, err, ErrOverflow)

	sum, err := Add(New(2), New(3))
	require.NoError(t, err)
	require.Equal(t, uint64(5), sum.Uint64())
}

func TestSubUnderflow(t *testing.T) {
	_, err := Sub(New(2), New(3))
	require.ErrorIs(t, err, ErrUnderflow)

	diff, err := Sub(New(3), New(3))
	require.NoError(t, err)
	require.True(t, diff.IsZero())
}

func TestNilIsZero(t *testing.T) {
	sum, err := Add(nil, New(7))
	require.NoError(t, err)
	require.Equal(t, uint64(7), sum.Uint64())
}

func TestMulOverflow(t *testing.T) {
	_, err := Mul(maxUint256(), New(2))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestMulDiv(t *testing.T) {
	// 1000e18 * 2e8 / 1e8 = 2000e18
	amount := MustParse("1000000000000000000000")
	got, err := MulDiv(amount, New(200_000_000), Pow10(8))
	require.NoError(t, err)
	require.Equal(t, "2000000000000000000000", got.Dec())

	_, err = MulDiv(amount, New(1), Zero())
	require.ErrorIs(t, err, ErrDivideByZero)

	// Wide intermediate: max * 2 / 2 fits again.
	got, err = MulDiv(maxUint256(), New(2), New(2))
	require.NoError(t, err)
	require.True(t, got.Eq(maxUint256()))

	_, err = MulDiv(maxUint256(), New(2), New(1))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestPow10(t *testing.T) {
	require.Equal(t, "100000000", Pow10(8).Dec())
	require.Equal(t, uint64(1), Pow10(0).Uint64())
}

func TestParse(t *testing.T) {
	x, err := Parse(" 42 ")
	require.NoError(t, err)
	require.Equal(t, uint64(42), x.Uint64())

	for _, bad := range []string{"", "-1", "1.5", "abc"} {
		_, err := Parse(bad)
		require.ErrorIs(t, err, ErrInvalidAmount, "input %q", bad)
	}
}

func TestDecimalConversions(t *testing.T) {
	x := MustParse("123456789012345678901234567890")
	d := ToDecimal(x)
	require.Equal(t, "123456789012345678901234567890", d.String())

	back, err := FromDecimal(d)
	require.NoError(t, err)
	require.True(t, back.Eq(x))

	_, err = FromDecimal(decimal.RequireFromString("-1"))
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = FromDecimal(decimal.RequireFromString("1.25"))
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestShift(t *testing.T) {
	require.Equal(t, "1.5", Shift(New(1_500_000), 6).String())
}

func TestMin(t *testing.T) {
	require.Equal(t, uint64(3), Min(New(3), New(9)).Uint64())
	require.Equal(t, uint64(3), Min(New(9), New(3)).Uint64())
}
