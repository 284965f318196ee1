package domain

import (
	"context"
	"errors"
	"fmt"
)

// Context aliases context.Context to keep domain signatures compact.
type Context = context.Context

// Sentinel errors. Use errors.Is against these after unwrapping; adapters
// and usecases wrap them as fmt.Errorf("op=<name>: %w", err).
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnavailable     = errors.New("dependency unavailable")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrToolFailed      = errors.New("tool failed")
	ErrInternal        = errors.New("internal error")
)

// Refinements of ErrInvalidArgument. errors.Is matches both the refined
// sentinel and ErrInvalidArgument, so generic handling still works while
// the HTTP layer can map each to its own error code.
var (
	ErrFeatureUnsupported = fmt.Errorf("%w: feature unsupported for sheet type", ErrInvalidArgument)
	ErrFieldUnsupported   = fmt.Errorf("%w: field unsupported", ErrInvalidArgument)
	ErrBadRange           = fmt.Errorf("%w: bad date range", ErrInvalidArgument)
	ErrForbiddenStage     = fmt.Errorf("%w: forbidden pipeline stage", ErrInvalidArgument)
	ErrForbiddenLookup    = fmt.Errorf("%w: forbidden lookup", ErrInvalidArgument)
)

// IsRetryable reports whether a sync failure is worth re-enqueueing.
// Validation and missing-resource failures never succeed on retry.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrForbidden):
		return false
	}
	return true
}
