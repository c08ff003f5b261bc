package amount

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
)

// Scale is the number of micro-units in one whole unit. Amounts, capacities
// and multipliers all share this resolution.
const Scale = 1_000_000

var ErrOverflow = errors.New("amount overflow")

// Amount is a reward quantity in micro-units.
type Amount uint64

// Capacity is a fixed-point capacity weight with Scale resolution.
type Capacity uint64

// PPM is a multiplier in parts per million; One is 1.0.
type PPM uint64

const One PPM = Scale

// Units builds an Amount from whole units.
func Units(u uint64) Amount { return Amount(u * Scale) }

// Weight builds a Capacity from a whole weight.
func Weight(w uint64) Capacity { return Capacity(w * Scale) }

// Muldiv computes a*b/c with a 128-bit intermediate and returns the
// truncated quotient and the remainder.
func Muldiv(a, b, c uint64) (quo, rem uint64, err error) {
	if c == 0 {
		return 0, 0, fmt.Errorf("muldiv: division by zero")
	}
	hi, lo := bits.Mul64(a, b)
	if c <= hi {
		return 0, 0, ErrOverflow
	}
	quo, rem = bits.Div64(hi, lo, c)
	return quo, rem, nil
}

// Add returns a+b or ErrOverflow.
func Add(a, b Amount) (Amount, error) {
	s, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return Amount(s), nil
}

// Apply scales a capacity by a multiplier, truncating below resolution.
func (c Capacity) Apply(m PPM) (Capacity, error) {
	q, _, err := Muldiv(uint64(c), uint64(m), Scale)
	return Capacity(q), err
}

// Apply scales an amount by a multiplier, truncating below resolution.
func (a Amount) Apply(m PPM) (Amount, error) {
	q, _, err := Muldiv(uint64(a), uint64(m), Scale)
	return Amount(q), err
}

func (a Amount) String() string { return format(uint64(a)) }
func (c Capacity) String() string { return format(uint64(c)) }
func (m PPM) String() string { return format(uint64(m)) }
func (a Amount) Float64() float64 { return float64(a) / Scale }
func (c Capacity) Float64() float64 { return float64(c) / Scale }
func (m PPM) Float64() float64 { return float64(m) / Scale }

func format(v uint64) string {
	whole, frac := v/Scale, v%Scale
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	s := fmt.Sprintf("%d.%06d", whole, frac)
	return strings.TrimRight(s, "0")
}

// Parse reads a decimal string ("12", "0.7", "1000.000001") into micro-units.
// More than six fractional digits is an error rather than a silent rounding.
func Parse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("parse amount: empty")
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if w > math.MaxUint64/Scale {
		return 0, ErrOverflow
	}
	v := w * Scale
	if hasFrac {
		if len(frac) == 0 || len(frac) > 6 {
			return 0, fmt.Errorf("parse amount %q: need 1-6 fractional digits", s)
		}
		f, err := strconv.ParseUint(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse amount %q: %w", s, err)
		}
		if v+f < v {
			return 0, ErrOverflow
		}
		v += f
	}
	return v, nil
}

// FromFloat converts a float (as found in config files) to micro-units,
// rounding half away from zero. Negative and NaN inputs are rejected.
func FromFloat(f float64) (uint64, error) {
	if math.IsNaN(f) || f < 0 {
		return 0, fmt.Errorf("invalid amount %v", f)
	}
	r := math.Round(f * Scale)
	if r >= math.MaxUint64 {
		return 0, ErrOverflow
	}
	return uint64(r), nil
}
