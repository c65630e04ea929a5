// Package encoder defines the absolute rotary encoder used for closed-loop feedback.
package encoder

import (
	"context"

	"github.com/pkg/errors"
)

const (
	// CountsPerRevolution is the resolution of a 14-bit absolute encoder.
	CountsPerRevolution = 1 << 14
	// HalfRevolution is the largest raw delta that is not treated as a wrap.
	HalfRevolution = CountsPerRevolution / 2
	// RawMask keeps the 14 angle bits of a sample.
	RawMask = CountsPerRevolution - 1
	// RawAllZero is the sample read back from an idle or disconnected bus.
	RawAllZero uint16 = 0
	// RawAllOne is the sample read back when the data line floats high.
	RawAllOne uint16 = RawMask
)

// ErrReadFailed wraps every bus level failure reported by an Encoder.
var ErrReadFailed = errors.New("encoder read failed")

// An Encoder returns the absolute shaft angle within one revolution.
type Encoder interface {
	// ReadRaw performs one bus transaction and returns the 14-bit angle (0 to 16383).
	ReadRaw(ctx context.Context) (uint16, error)
}

// IsSentinel reports whether raw is one of the all-zero or all-one patterns produced by a bus
// fault.
func IsSentinel(raw uint16) bool {
	return raw == RawAllZero || raw == RawAllOne
}
