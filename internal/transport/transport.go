// Package transport provides the byte-oriented duplex channel to an ELM327
// adapter: a local serial port (tarm or go.bug.st driver) or a TCP socket for
// Wi-Fi adapters and the bridge in this repository.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

// Port abstracts the serial/TCP handle for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// InputResetter is implemented by ports able to discard unread input.
type InputResetter interface {
	ResetInputBuffer() error
}

const (
	DriverTarm  = "tarm"
	DriverBugst = "bugst"
	DriverTCP   = "tcp"

	DefaultBaud        = 38400
	DefaultReadTimeout = 20 * time.Millisecond
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("transport: unknown driver")

// Config selects and parameterizes a transport. Serial drivers always use 8N1.
type Config struct {
	Driver      string        `yaml:"driver"`
	Name        string        `yaml:"port"` // device path or host:port for tcp
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverTarm
	}
	if c.Baud <= 0 {
		c.Baud = DefaultBaud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}

// Validate checks the fields Open relies on.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch c.Driver {
	case DriverTarm, DriverBugst, DriverTCP:
	default:
		return fmt.Errorf("%w: %q (use tarm|bugst|tcp)", ErrUnknownDriver, c.Driver)
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("transport: empty port name")
	}
	if c.Driver == DriverTCP {
		if _, _, err := net.SplitHostPort(c.Name); err != nil {
			return fmt.Errorf("transport: tcp address %q: %w", c.Name, err)
		}
	}
	return nil
}

// Open opens the transport described by cfg.
func Open(cfg Config) (Port, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case DriverBugst:
		return openBugst(cfg)
	case DriverTCP:
		return dialTCP(cfg)
	default:
		return openTarm(cfg)
	}
}

// Idle reports whether a read error only means "nothing arrived during this
// poll". Drivers map their own timeouts to (0, nil); io.EOF is a closed peer
// and is not idle.
func Idle(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ResetInput drops stale unread bytes when the port supports it.
func ResetInput(p Port) error {
	if r, ok := p.(InputResetter); ok {
		return r.ResetInputBuffer()
	}
	return nil
}
