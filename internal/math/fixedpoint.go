package math

import (
	"errors"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow       = errors.New("u256 overflow")
	ErrDivisionByZero = errors.New("division by zero")
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// Intermediate products of two or three u256 factors can exceed 256 bits,
// so they are evaluated on pooled big.Ints.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// product writes the product of factors into dst.
func product(dst *big.Int, factors []*uint256.Int) *big.Int {
	dst.SetInt64(1)
	for _, f := range factors {
		dst.Mul(dst, f.ToBig())
	}
	return dst
}

// MulDiv computes x*y/d with the given rounding.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	return Quotient([]*uint256.Int{x, y}, []*uint256.Int{d}, mode)
}

// Quotient computes prod(num)/prod(den) with the given rounding. The result
// must fit in 256 bits.
func Quotient(num, den []*uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	n := product(getBig(), num)
	d := product(getBig(), den)
	r := getBig()
	defer putBig(n)
	defer putBig(d)
	defer putBig(r)

	if d.Sign() == 0 {
		return nil, ErrDivisionByZero
	}

	n.QuoRem(n, d, r)
	if mode == RoundUp && r.Sign() != 0 {
		n.Add(n, big.NewInt(1))
	}

	out, overflow := uint256.FromBig(n)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// CmpProducts compares prod(a) with prod(b) without overflow.
// Returns -1, 0 or +1.
func CmpProducts(a, b []*uint256.Int) int {
	pa := product(getBig(), a)
	pb := product(getBig(), b)
	defer putBig(pa)
	defer putBig(pb)
	return pa.Cmp(pb)
}

// Add returns x+y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Mul returns x*y or ErrOverflow.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// SubFloor returns max(x-y, 0).
func SubFloor(x, y *uint256.Int) *uint256.Int {
	if x.Cmp(y) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// Min returns a copy of the smaller operand.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Cmp(y) <= 0 {
		return x.Clone()
	}
	return y.Clone()
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// OrZero treats a nil amount as zero.
func OrZero(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return x
}
