package amount

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMuldiv(t *testing.T) {
	q, r, err := Muldiv(10, 3, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(7), q)
	require.Equal(t, uint64(2), r)

	// 128-bit intermediate: product exceeds 2^64 but the quotient fits.
	q, _, err = Muldiv(math.MaxUint64, 4, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64/2), q)

	_, _, err = Muldiv(math.MaxUint64, 4, 2)
	require.ErrorIs(t, err, ErrOverflow)

	_, _, err = Muldiv(1, 1, 0)
	require.Error(t, err)
}

func TestApplyMultiplier(t *testing.T) {
	c, err := Weight(15).Apply(700_000)
	require.NoError(t, err)
	require.Equal(t, Capacity(10_500_000), c)

	a, err := Units(3).Apply(One)
	require.NoError(t, err)
	require.Equal(t, Units(3), a)
}

func TestAddOverflow(t *testing.T) {
	_, err := Add(Amount(math.MaxUint64), 1)
	require.ErrorIs(t, err, ErrOverflow)
	s, err := Add(1, 2)
	require.NoError(t, err)
	require.Equal(t, Amount(3), s)
}

func TestFormatAndParse(t *testing.T) {
	require.Equal(t, "1000", Units(1000).String())
	require.Equal(t, "408.163265", Amount(408_163_265).String())
	require.Equal(t, "0.7", PPM(700_000).String())

	cases := map[string]uint64{
		"12":          12_000_000,
		"0.7":         700_000,
		"1000.000001": 1_000_000_001,
		" 36.75 ":     36_750_000,
	}
	for in, want := range cases {
		got, err := Parse(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "abc", "1.", "1.1234567", "-1"} {
		_, err := Parse(bad)
		require.Error(t, err, bad)
	}
}

func TestFromFloat(t *testing.T) {
	v, err := FromFloat(0.25)
	require.NoError(t, err)
	require.Equal(t, uint64(250_000), v)

	_, err = FromFloat(-1)
	require.Error(t, err)
	_, err = FromFloat(math.NaN())
	require.Error(t, err)
}
