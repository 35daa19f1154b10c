package amount_test

import (
	"SettleCore/internal/amount"
	"errors"
	"math"
	"testing"
)

func TestAdd_Overflow(t *testing.T) {
	_, err := amount.Add(math.MaxUint64, 1)
	if !errors.Is(err, amount.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
}

func TestSub_Underflow(t *testing.T) {
	_, err := amount.Sub(5, 6)
	if !errors.Is(err, amount.ErrUnderflow) {
		t.Errorf("got %v, want ErrUnderflow", err)
	}
}

func TestMul_Overflow(t *testing.T) {
	_, err := amount.Mul(math.MaxUint64, 2)
	if !errors.Is(err, amount.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}

	v, err := amount.Mul(0, math.MaxUint64)
	if err != nil || v != 0 {
		t.Errorf("0 * max: got (%d, %v), want (0, nil)", v, err)
	}
}

func TestProportional_Floor(t *testing.T) {
	v, err := amount.Proportional(1000, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if v != 333 {
		t.Errorf("got %d, want 333", v)
	}
}

func TestProportional_DivisionByZero(t *testing.T) {
	_, err := amount.Proportional(100, 1, 0)
	if !errors.Is(err, amount.ErrDivisionByZero) {
		t.Errorf("got %v, want ErrDivisionByZero", err)
	}
}

func TestProportional_WideIntermediate(t *testing.T) {
	// value * numerator overflows uint64 but the quotient fits.
	v, err := amount.Proportional(math.MaxUint64, 100, 200)
	if err != nil {
		t.Fatal(err)
	}
	if v != math.MaxUint64/2 {
		t.Errorf("got %d, want %d", v, uint64(math.MaxUint64/2))
	}
}

func TestSplitByBasisPoints_RejectsOver100Percent(t *testing.T) {
	_, _, err := amount.SplitByBasisPoints(100, []uint32{9000, 2000})
	if !errors.Is(err, amount.ErrInvalidSplit) {
		t.Errorf("got %v, want ErrInvalidSplit", err)
	}
}

// A 1% fee on 1500 units is 15, split 70/20/10: floored shares are
// (10, 3, 1), and the 1-unit rounding dust lands on the last share.
func TestSplitByBasisPoints_DustToLastShare(t *testing.T) {
	shares, remainder, err := amount.SplitByBasisPoints(15, []uint32{7000, 2000, 1000})
	if err != nil {
		t.Fatal(err)
	}

	want := []uint64{10, 3, 2}
	for i := range want {
		if shares[i] != want[i] {
			t.Errorf("share[%d]: got %d, want %d", i, shares[i], want[i])
		}
	}
	if remainder != 0 {
		t.Errorf("remainder: got %d, want 0", remainder)
	}
}

func TestSplitByBasisPoints_PartialAllocation(t *testing.T) {
	// 100 bps total fee on 10_000: 70/20/10 of the 1% slice.
	shares, remainder, err := amount.SplitByBasisPoints(10_000, []uint32{70, 20, 10})
	if err != nil {
		t.Fatal(err)
	}

	var sum uint64
	for _, s := range shares {
		sum += s
	}
	if sum+remainder != 10_000 {
		t.Errorf("conservation: shares=%d remainder=%d", sum, remainder)
	}
	if sum != 100 {
		t.Errorf("allocated: got %d, want 100", sum)
	}
}

func TestSplitByBasisPoints_ConservationExhaustive(t *testing.T) {
	bps := []uint32{3333, 3333, 3333}
	for total := uint64(0); total < 1000; total++ {
		shares, remainder, err := amount.SplitByBasisPoints(total, bps)
		if err != nil {
			t.Fatal(err)
		}
		var sum uint64
		for _, s := range shares {
			sum += s
		}
		if sum+remainder != total {
			t.Fatalf("total=%d: shares sum %d + remainder %d != total", total, sum, remainder)
		}
	}
}

func TestSplitByBasisPoints_EmptyShares(t *testing.T) {
	shares, remainder, err := amount.SplitByBasisPoints(500, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(shares) != 0 || remainder != 500 {
		t.Errorf("got shares=%v remainder=%d, want empty shares and remainder 500", shares, remainder)
	}
}
