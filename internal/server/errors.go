package server

import (
	"context"
	"errors"
	"fmt"

	"LendLedger/internal/fault"
	"LendLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// codeOf maps an error from the engine or the query service to a gRPC code.
func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, query.ErrHistoryUnavailable):
		return codes.Unavailable
	}

	switch fault.KindOf(err) {
	case fault.KindInvalidCommand, fault.KindInvalidAmount:
		return codes.InvalidArgument
	case fault.KindPermissionDenied:
		return codes.PermissionDenied
	case fault.KindUnknownAccount:
		return codes.NotFound
	case fault.KindAlreadyInitialized:
		return codes.AlreadyExists
	case fault.KindNotInitialized,
		fault.KindInsufficientLiquidity,
		fault.KindUndercollateralized,
		fault.KindNotLiquidatable,
		fault.KindInsufficientRepayment,
		fault.KindUnprofitable,
		fault.KindExcessRepayment,
		fault.KindInsufficientBalance:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// toStatus converts err into a status error. Lending errors carry their
// kind as a message prefix ("Undercollateralized: ...") so clients can
// tell them apart without parsing the rest.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codeOf(err)
	if fault.IsDomain(err) {
		return status.Error(code, fmt.Sprintf("%s: %v", fault.KindOf(err), err))
	}
	return status.Error(code, err.Error())
}
