package runtime

import (
	"context"
	"errors"

	errspkg "github.com/Workana/li3-gearman/internal/runtime/errors"
)

// ErrorCategory groups dispatch errors for metrics and retry decisions.
type ErrorCategory string

const (
	ErrorCategoryNone          ErrorCategory = "none"
	ErrorCategoryConfiguration ErrorCategory = "configuration"
	ErrorCategoryValidation    ErrorCategory = "validation"
	ErrorCategoryCanceled      ErrorCategory = "canceled"
	ErrorCategoryOther         ErrorCategory = "other"
)

// ErrorClassifier maps an error to its category.
type ErrorClassifier func(error) ErrorCategory

// DefaultErrorClassifier recognises the registry and dispatcher sentinels.
func DefaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.Is(err, errspkg.ErrConfigurationMissing),
		errors.Is(err, errspkg.ErrConfigurationInvalid),
		errors.Is(err, errspkg.ErrNoServersDefined),
		errors.Is(err, errspkg.ErrUnknownAdapter),
		errors.Is(err, errspkg.ErrInvalidFilter):
		return ErrorCategoryConfiguration
	case errors.Is(err, errspkg.ErrActionRequired):
		return ErrorCategoryValidation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryCanceled
	default:
		return ErrorCategoryOther
	}
}

// Retryable reports whether a failure in category c may succeed on retry.
func (c ErrorCategory) Retryable() bool {
	return c == ErrorCategoryOther
}
