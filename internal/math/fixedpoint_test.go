package math_test

import (
	"errors"
	"testing"

	fpmath "LendLedger/internal/math"

	"github.com/holiman/uint256"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestMulDiv_Rounding(t *testing.T) {
	tests := []struct {
		name    string
		x, y, d uint64
		mode    fpmath.RoundingMode
		want    uint64
	}{
		{"exact", 10, 6, 3, fpmath.RoundDown, 20},
		{"exact round up", 10, 6, 3, fpmath.RoundUp, 20},
		{"floor", 10, 1, 3, fpmath.RoundDown, 3},
		{"ceil", 10, 1, 3, fpmath.RoundUp, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(u(tt.x), u(tt.y), u(tt.d), tt.mode)
			if err != nil {
				t.Fatalf("MulDiv: %v", err)
			}
			if got.Uint64() != tt.want {
				t.Errorf("got %d, want %d", got.Uint64(), tt.want)
			}
		})
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^255 * 4) / 8 overflows 256 bits in the product but not in the result.
	big := new(uint256.Int).Lsh(u(1), 255)
	got, err := fpmath.MulDiv(big, u(4), u(8), fpmath.RoundDown)
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	want := new(uint256.Int).Lsh(u(1), 254)
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got.Dec(), want.Dec())
	}
}

func TestMulDiv_Errors(t *testing.T) {
	if _, err := fpmath.MulDiv(u(1), u(1), u(0), fpmath.RoundDown); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}

	max := new(uint256.Int).SetAllOne()
	if _, err := fpmath.MulDiv(max, u(2), u(1), fpmath.RoundDown); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestCmpProducts(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	if got := fpmath.CmpProducts([]*uint256.Int{max, max}, []*uint256.Int{max, u(1)}); got != 1 {
		t.Errorf("max*max vs max: got %d, want 1", got)
	}
	if got := fpmath.CmpProducts([]*uint256.Int{u(6), u(4)}, []*uint256.Int{u(3), u(8)}); got != 0 {
		t.Errorf("6*4 vs 3*8: got %d, want 0", got)
	}
	if got := fpmath.CmpProducts([]*uint256.Int{u(1)}, []*uint256.Int{u(2)}); got != -1 {
		t.Errorf("1 vs 2: got %d, want -1", got)
	}
}

func TestSubFloorAndMin(t *testing.T) {
	if !fpmath.SubFloor(u(3), u(5)).IsZero() {
		t.Error("SubFloor(3,5) should be 0")
	}
	if fpmath.SubFloor(u(5), u(3)).Uint64() != 2 {
		t.Error("SubFloor(5,3) should be 2")
	}
	if fpmath.Min(u(5), u(3)).Uint64() != 3 {
		t.Error("Min(5,3) should be 3")
	}
}

func TestParseAndFormatUnits(t *testing.T) {
	v, err := fpmath.ParseUnits("0.833")
	if err != nil {
		t.Fatalf("ParseUnits: %v", err)
	}
	if v.Dec() != "833000000000000000" {
		t.Errorf("got %s base units", v.Dec())
	}
	if got := fpmath.FormatUnits(v); got != "0.833" {
		t.Errorf("FormatUnits = %q, want 0.833", got)
	}

	if got := fpmath.FormatUnits(fpmath.MustUnits("1000000000")); got != "1000000000" {
		t.Errorf("FormatUnits = %q", got)
	}
}

func TestParseUnits_Rejects(t *testing.T) {
	for _, s := range []string{"-1", "abc", "0.0000000000000000001"} {
		if _, err := fpmath.ParseUnits(s); err == nil {
			t.Errorf("ParseUnits(%q) should fail", s)
		}
	}
}

func TestRatio(t *testing.T) {
	r := fpmath.Ratio(u(1000), u(3), 4)
	if r.String() != "333.3333" {
		t.Errorf("Ratio = %s", r.String())
	}
	if !fpmath.Ratio(u(1), u(0), 4).IsZero() {
		t.Error("Ratio with zero denominator should be zero")
	}
}
