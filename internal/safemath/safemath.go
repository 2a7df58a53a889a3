package safemath

import (
	"errors"
	"math/bits"
)

var (
	ErrOverflow       = errors.New("number overflow")
	ErrDivisionByZero = errors.New("division by zero")
)

func Add64(a, b uint64) (uint64, bool) {
	v, carry := bits.Add64(a, b, 0)
	return v, carry == 0
}

func Sub64(a, b uint64) (uint64, bool) {
	v, carry := bits.Sub64(a, b, 0)
	return v, carry == 0
}

// Sum64 adds all values, failing on overflow.
func Sum64(values ...uint64) (uint64, error) {
	var total uint64
	for _, v := range values {
		var ok bool
		total, ok = Add64(total, v)
		if !ok {
			return 0, ErrOverflow
		}
	}
	return total, nil
}

// MulDiv64 computes floor(a*b/c) with a 128 bit intermediate product.
func MulDiv64(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrDivisionByZero
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, nil
}

// MulGreater reports whether a*b > c*d without overflowing.
func MulGreater(a, b, c, d uint64) bool {
	hi1, lo1 := bits.Mul64(a, b)
	hi2, lo2 := bits.Mul64(c, d)
	if hi1 != hi2 {
		return hi1 > hi2
	}
	return lo1 > lo2
}
