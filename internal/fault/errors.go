// Package fault defines the error kinds surfaced by every lending operation.
// Each kind aborts the whole unit of work it occurs in; callers classify
// wrapped errors with errors.Is or KindOf.
package fault

import "errors"

var (
	ErrNotInitialized        = errors.New("pool not initialized")
	ErrAlreadyInitialized    = errors.New("pool already initialized")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrUndercollateralized   = errors.New("position undercollateralized")
	ErrNotLiquidatable       = errors.New("position not liquidatable")
	ErrInsufficientRepayment = errors.New("insufficient repayment")
	ErrUnprofitable          = errors.New("liquidation unprofitable")
	ErrExcessRepayment       = errors.New("excess repayment")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrUnknownAccount      = errors.New("unknown account")
	ErrInvalidCommand      = errors.New("invalid command")
)

// Kind is a stable label for an error kind, used in metrics and API errors.
type Kind string

const (
	KindNone                  Kind = ""
	KindNotInitialized        Kind = "NotInitialized"
	KindAlreadyInitialized    Kind = "AlreadyInitialized"
	KindInvalidAmount         Kind = "InvalidAmount"
	KindInsufficientLiquidity Kind = "InsufficientLiquidity"
	KindUndercollateralized   Kind = "Undercollateralized"
	KindNotLiquidatable       Kind = "NotLiquidatable"
	KindInsufficientRepayment Kind = "InsufficientRepayment"
	KindUnprofitable          Kind = "Unprofitable"
	KindExcessRepayment       Kind = "ExcessRepayment"
	KindInsufficientBalance   Kind = "InsufficientBalance"
	KindPermissionDenied      Kind = "PermissionDenied"
	KindUnknownAccount        Kind = "UnknownAccount"
	KindInvalidCommand        Kind = "InvalidCommand"
	KindInternal              Kind = "Internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotInitialized, KindNotInitialized},
	{ErrAlreadyInitialized, KindAlreadyInitialized},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrInsufficientLiquidity, KindInsufficientLiquidity},
	{ErrUndercollateralized, KindUndercollateralized},
	{ErrNotLiquidatable, KindNotLiquidatable},
	{ErrInsufficientRepayment, KindInsufficientRepayment},
	{ErrUnprofitable, KindUnprofitable},
	{ErrExcessRepayment, KindExcessRepayment},
	{ErrInsufficientBalance, KindInsufficientBalance},
	{ErrPermissionDenied, KindPermissionDenied},
	{ErrUnknownAccount, KindUnknownAccount},
	{ErrInvalidCommand, KindInvalidCommand},
}

// KindOf returns the kind of the first sentinel found in err's chain.
// Errors outside the lending domain are reported as KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsDomain reports whether err carries one of the lending error kinds.
func IsDomain(err error) bool {
	k := KindOf(err)
	return k != KindNone && k != KindInternal
}
