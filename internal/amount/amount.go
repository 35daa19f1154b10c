package amount

import (
	"errors"
	"math/big"
	"sync"
)

// BpsDenominator is the basis-point scale: 10_000 bps == 100%.
const BpsDenominator = 10_000

var (
	ErrOverflow       = errors.New("amount: overflow")
	ErrUnderflow      = errors.New("amount: underflow")
	ErrDivisionByZero = errors.New("amount: division by zero")
	ErrInvalidSplit   = errors.New("amount: basis points sum exceeds 10000")
)

// Add returns a+b, failing instead of wrapping.
func Add(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b, failing instead of wrapping.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// Mul returns a*b, failing instead of wrapping.
func Mul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	prod := a * b
	if prod/a != b {
		return 0, ErrOverflow
	}
	return prod, nil
}

// Pooled big.Int for 128-bit intermediates
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetUint64(0)
	bigPool.Put(v)
}

// Proportional returns floor(value * numerator / denominator), widening the
// intermediate product to avoid overflow. The result must fit in uint64.
func Proportional(value, numerator, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, ErrDivisionByZero
	}

	prod := getBig()
	tmp := getBig()
	defer putBig(prod)
	defer putBig(tmp)

	prod.SetUint64(value)
	tmp.SetUint64(numerator)
	prod.Mul(prod, tmp)
	tmp.SetUint64(denominator)
	prod.Div(prod, tmp)

	if !prod.IsUint64() {
		return 0, ErrOverflow
	}
	return prod.Uint64(), nil
}

// SplitByBasisPoints splits total into len(bps) shares plus a remainder.
// Each share is floor(total * bps[i] / 10000). The allocated target is
// floor(total * sum(bps) / 10000); rounding dust between the target and the
// sum of floored shares is assigned to the LAST share, never dropped. The
// remainder (the portion outside sum(bps)) is returned separately.
//
//	sum(shares) + remainder == total
func SplitByBasisPoints(total uint64, bps []uint32) (shares []uint64, remainder uint64, err error) {
	var sumBps uint64
	for _, b := range bps {
		sumBps += uint64(b)
	}
	if sumBps > BpsDenominator {
		return nil, 0, ErrInvalidSplit
	}

	shares = make([]uint64, len(bps))
	if len(bps) == 0 || total == 0 {
		return shares, total, nil
	}

	var allocated uint64
	for i, b := range bps {
		s, perr := Proportional(total, uint64(b), BpsDenominator)
		if perr != nil {
			return nil, 0, perr
		}
		shares[i] = s
		allocated += s
	}

	// Dust-to-last policy: the gap between the floored per-share sum and the
	// floored aggregate target goes to the final share.
	target, perr := Proportional(total, sumBps, BpsDenominator)
	if perr != nil {
		return nil, 0, perr
	}
	shares[len(shares)-1] += target - allocated

	return shares, total - target, nil
}
