package nowcast

import (
	"errors"
	"fmt"
)

// ConfigError marks a malformed request or configuration: mismatched
// grid shapes, non-monotonic history, non-positive lead times and the
// like. It is raised before any numerical work starts and is never
// retried internally. Meteorological degeneracy (no echo, heavy
// masking) is not a ConfigError; those cases complete with a
// low-confidence result.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "nowcast: invalid request: " + e.Reason
}

// configErrorf builds a ConfigError with a formatted reason.
func configErrorf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
