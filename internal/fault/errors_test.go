package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"LendLedger/internal/fault"
)

func TestKindOf_Wrapped(t *testing.T) {
	tests := []struct {
		err  error
		want fault.Kind
	}{
		{nil, fault.KindNone},
		{fault.ErrUndercollateralized, fault.KindUndercollateralized},
		{fmt.Errorf("borrow: %w", fault.ErrUndercollateralized), fault.KindUndercollateralized},
		{fmt.Errorf("flash: %w", fmt.Errorf("liquidate: %w", fault.ErrNotLiquidatable)), fault.KindNotLiquidatable},
		{errors.New("disk on fire"), fault.KindInternal},
	}

	for _, tt := range tests {
		if got := fault.KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestIsDomain(t *testing.T) {
	if !fault.IsDomain(fmt.Errorf("x: %w", fault.ErrUnprofitable)) {
		t.Error("wrapped Unprofitable should be a domain error")
	}
	if fault.IsDomain(errors.New("io")) {
		t.Error("plain error should not be a domain error")
	}
	if fault.IsDomain(nil) {
		t.Error("nil should not be a domain error")
	}
}
