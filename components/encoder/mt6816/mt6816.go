// Package mt6816 implements the MT6816 14-bit magnetic angle sensor over SPI.
package mt6816

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"github.com/lilygo-motion/motioncontroller/components/encoder"
	"github.com/lilygo-motion/motioncontroller/logging"
)

const (
	// angle register addresses with the read bit set.
	regAngleHigh = 0x83
	regAngleLow  = 0x84

	defaultBaudHz = 400000
)

// Config describes where the sensor is wired.
type Config struct {
	Bus        string `json:"spi_bus"`
	ChipSelect string `json:"chip_select"`
	BaudHz     int    `json:"baud_hz,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Bus == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "spi_bus")
	}
	if cfg.ChipSelect == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "chip_select")
	}
	if cfg.BaudHz < 0 {
		return goutils.NewConfigValidationError(path, errors.New("baud_hz cannot be negative"))
	}
	return nil
}

// Conn is the part of a SPI connection the sensor needs.
type Conn interface {
	Tx(w, r []byte) error
}

// Encoder reads the MT6816 angle registers.
type Encoder struct {
	mu     sync.Mutex
	conn   Conn
	closer func() error
	logger logging.Logger
}

var _ encoder.Encoder = (*Encoder)(nil)

// Open connects to the sensor in SPI mode 3. The periph host drivers must already be loaded.
func Open(cfg Config, logger logging.Logger) (*Encoder, error) {
	baud := cfg.BaudHz
	if baud == 0 {
		baud = defaultBaudHz
	}
	port, err := spireg.Open(fmt.Sprintf("SPI%s.%s", cfg.Bus, cfg.ChipSelect))
	if err != nil {
		return nil, errors.Wrapf(err, "opening SPI%s.%s", cfg.Bus, cfg.ChipSelect)
	}
	conn, err := port.Connect(physic.Hertz*physic.Frequency(baud), spi.Mode3, 8)
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "configuring SPI port"), port.Close())
	}
	logger.Infow("MT6816 encoder connected", "bus", cfg.Bus, "chip_select", cfg.ChipSelect, "baud_hz", baud)
	return &Encoder{conn: conn, closer: port.Close, logger: logger}, nil
}

// New wraps an already configured connection.
func New(conn Conn, logger logging.Logger) *Encoder {
	return &Encoder{conn: conn, logger: logger}
}

func (e *Encoder) readRegister(reg byte) (byte, error) {
	tx := []byte{reg, 0x00}
	rx := make([]byte, len(tx))
	if err := e.conn.Tx(tx, rx); err != nil {
		return 0, err
	}
	return rx[1], nil
}

// ReadRaw reads both angle registers and assembles the 14-bit angle.
func (e *Encoder) ReadRaw(ctx context.Context) (uint16, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	hi, err := e.readRegister(regAngleHigh)
	if err != nil {
		return 0, errors.Wrapf(encoder.ErrReadFailed, "register 0x%02x: %v", regAngleHigh, err)
	}
	lo, err := e.readRegister(regAngleLow)
	if err != nil {
		return 0, errors.Wrapf(encoder.ErrReadFailed, "register 0x%02x: %v", regAngleLow, err)
	}
	return convertBytesToRaw(hi, lo), nil
}

// Close releases the SPI port.
func (e *Encoder) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer()
}

// The high register holds angle bits 13..6, the low register bits 5..0 followed by two status
// bits.
func convertBytesToRaw(hi, lo byte) uint16 {
	return (uint16(hi)<<6 | uint16(lo)>>2) & encoder.RawMask
}
