package motor

import "github.com/pkg/errors"

// NewPinRequiredError returns a standard error for a stepper missing a required pin.
func NewPinRequiredError(pin string) error {
	return errors.Errorf("stepper requires a %s pin", pin)
}

// NewStepError wraps a failure to emit a step pulse.
func NewStepError(err error, position int64) error {
	return errors.Wrapf(err, "error stepping at position %d", position)
}
