package inject

import (
	"context"

	"github.com/lilygo-motion/motioncontroller/components/encoder"
)

// Encoder is an injected encoder.
type Encoder struct {
	encoder.Encoder
	ReadRawFunc func(ctx context.Context) (uint16, error)
}

// ReadRaw calls the injected ReadRaw or the real version.
func (e *Encoder) ReadRaw(ctx context.Context) (uint16, error) {
	if e.ReadRawFunc == nil {
		return e.Encoder.ReadRaw(ctx)
	}
	return e.ReadRawFunc(ctx)
}
