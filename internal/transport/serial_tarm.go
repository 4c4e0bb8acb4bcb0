package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/tarm/serial"
)

// tarmPort adapts *serial.Port; Flush discards both directions.
type tarmPort struct{ *serial.Port }

func (p tarmPort) ResetInputBuffer() error { return p.Flush() }

// Read reports a read timeout as (0, nil); tarm signals it with io.EOF.
func (p tarmPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

func openTarm(cfg Config) (Port, error) {
	sc := &serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	p, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("tarm open %s: %w", cfg.Name, err)
	}
	return tarmPort{p}, nil
}
