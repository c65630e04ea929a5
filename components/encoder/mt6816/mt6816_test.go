package mt6816

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/lilygo-motion/motioncontroller/components/encoder"
	"github.com/lilygo-motion/motioncontroller/logging"
	"github.com/lilygo-motion/motioncontroller/testutils/inject"
)

func TestConvertBytesToRaw(t *testing.T) {
	// half a turn: bit 13 set
	test.That(t, convertBytesToRaw(0x80, 0x00), test.ShouldEqual, 8192)

	// status bits in the low register are dropped
	test.That(t, convertBytesToRaw(0x00, 0x03), test.ShouldEqual, 0)

	// 10011100011100 in binary, hi = 10011100, lo = 011100 followed by two status bits
	test.That(t, convertBytesToRaw(156, 28<<2|0x01), test.ShouldEqual, 10012)

	test.That(t, convertBytesToRaw(0xFF, 0xFF), test.ShouldEqual, encoder.RawAllOne)
}

func TestReadRaw(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	registers := map[byte]byte{regAngleHigh: 156, regAngleLow: 28 << 2}
	var seen []byte
	conn := &inject.SPIConn{}
	conn.TxFunc = func(w, r []byte) error {
		test.That(t, len(w), test.ShouldEqual, 2)
		seen = append(seen, w[0])
		r[1] = registers[w[0]]
		return nil
	}

	enc := New(conn, logger)
	raw, err := enc.ReadRaw(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, raw, test.ShouldEqual, 10012)
	test.That(t, seen, test.ShouldResemble, []byte{regAngleHigh, regAngleLow})
	test.That(t, enc.Close(), test.ShouldBeNil)
}

func TestReadRawBusFailure(t *testing.T) {
	conn := &inject.SPIConn{}
	conn.TxFunc = func(w, r []byte) error {
		if w[0] == regAngleLow {
			return errors.New("bus timeout")
		}
		return nil
	}

	enc := New(conn, logging.NewTestLogger(t))
	_, err := enc.ReadRaw(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, encoder.ErrReadFailed), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bus timeout")
}

func TestValidate(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate("encoder")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "spi_bus")

	cfg.Bus = "0"
	err = cfg.Validate("encoder")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "chip_select")

	cfg.ChipSelect = "0"
	test.That(t, cfg.Validate("encoder"), test.ShouldBeNil)

	cfg.BaudHz = -1
	test.That(t, cfg.Validate("encoder"), test.ShouldNotBeNil)
}
