package inject

import "github.com/pkg/errors"

// SPIConn is an injected SPI connection.
type SPIConn struct {
	TxFunc func(w, r []byte) error
}

// Tx calls the injected Tx. An uninjected connection fails every transfer.
func (c *SPIConn) Tx(w, r []byte) error {
	if c.TxFunc == nil {
		return errors.New("no TxFunc injected")
	}
	return c.TxFunc(w, r)
}
