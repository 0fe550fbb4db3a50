package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigurationMissing = sterrors.New("gearman: configuration has not been defined")
	ErrConfigurationInvalid = sterrors.New("gearman: invalid configuration: not a mapping")
	ErrNoServersDefined     = sterrors.New(`gearman: no servers defined, add them to the "servers" setting`)

	ErrConfigNameRequired = sterrors.New("gearman: configuration name is required")
	ErrUnknownAdapter     = sterrors.New("gearman: unknown adapter")
	ErrInvalidFilter      = sterrors.New("gearman: invalid filter")
	ErrRegistryRequired   = sterrors.New("gearman: configuration registry is required")
	ErrLoggerRequired     = sterrors.New("gearman: logger is required")
	ErrActionRequired     = sterrors.New("gearman: action is required")
	ErrConsumeUnsupported = sterrors.New("gearman: adapter cannot consume jobs")
	ErrPanic              = sterrors.New("gearman: panic during dispatch")
)

// ConfigurationError ties a registry failure to the configuration name that
// triggered it. errors.Is matches the wrapped sentinel.
type ConfigurationError struct {
	Name string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%v (configuration %q)", e.Err, e.Name)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ForConfiguration wraps err with the configuration name. A nil err stays nil.
func ForConfiguration(name string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigurationError{Name: name, Err: err}
}

// ConfigValidationError reports problems found while validating a
// configuration document loaded from disk.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("gearman: invalid configuration file: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
