package transport

import (
	"fmt"

	"go.bug.st/serial"
)

func openBugst(cfg Config) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.Name, mode)
	if err != nil {
		return nil, fmt.Errorf("bugst open %s: %w", cfg.Name, err)
	}
	if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("bugst set timeout: %w", err)
	}
	// serial.Port already provides Read/Write/Close/ResetInputBuffer.
	return p, nil
}
