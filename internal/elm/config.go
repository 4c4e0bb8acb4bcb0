package elm

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/kstaniek/go-elm327-diag/internal/transport"
)

// Defaults applied by DefaultConfig.
const (
	DefaultProtocol       = "6" // ISO 15765-4 CAN, 11-bit, 500 kbaud
	DefaultResetTimeout   = 2 * time.Second
	DefaultCommandTimeout = 500 * time.Millisecond
	DefaultPollInterval   = 20 * time.Millisecond
)

// Addressing holds the CAN header configuration used by every transaction
// until changed. Empty fields are left as the adapter currently has them.
type Addressing struct {
	RequestHeader     string `yaml:"request_header"`      // ATSH, e.g. 7E0 or 18DA10F1
	ResponseHeader    string `yaml:"response_header"`     // ATCRA receive filter, e.g. 7E8
	FlowControlHeader string `yaml:"flow_control_header"` // ATFCSH
	FlowControlData   string `yaml:"flow_control_data"`   // ATFCSD, e.g. 300000
}

// IsZero reports whether no header is set.
func (a Addressing) IsZero() bool { return a == Addressing{} }

// Validate checks header and flow-control syntax.
func (a Addressing) Validate() error {
	for _, h := range []struct{ name, v string }{
		{"request_header", a.RequestHeader},
		{"response_header", a.ResponseHeader},
		{"flow_control_header", a.FlowControlHeader},
	} {
		if h.v == "" {
			continue
		}
		if err := checkHeader(h.v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, h.name, err)
		}
	}
	if a.FlowControlData != "" {
		d := compact(a.FlowControlData)
		if len(d)%2 != 0 || len(d) < 2 || len(d) > 10 {
			return fmt.Errorf("%w: flow_control_data %q must be 1..5 hex bytes", ErrInvalidConfig, a.FlowControlData)
		}
		if _, err := hex.DecodeString(d); err != nil {
			return fmt.Errorf("%w: flow_control_data %q: %v", ErrInvalidConfig, a.FlowControlData, err)
		}
	}
	return nil
}

// Extended reports whether the request header is a 29-bit identifier.
func (a Addressing) Extended() bool { return len(compact(a.RequestHeader)) > 3 }

func checkHeader(h string) error {
	c := compact(h)
	switch len(c) {
	case 3, 6, 8:
	default:
		return fmt.Errorf("header %q must be 3, 6 or 8 hex digits", h)
	}
	for _, r := range c {
		if !strings.ContainsRune("0123456789ABCDEF", r) {
			return fmt.Errorf("header %q: invalid hex digit %q", h, r)
		}
	}
	return nil
}

func compact(s string) string { return strings.ToUpper(strings.Join(strings.Fields(s), "")) }

// Config is the session configuration. It is fixed at Open and only changed
// through SetAddressing and SetProtocol.
type Config struct {
	Transport  transport.Config `yaml:"transport"`
	Echo       bool             `yaml:"echo"`    // ATE1 instead of ATE0
	Headers    bool             `yaml:"headers"` // ATH1; the engine strips them again
	Protocol   string           `yaml:"protocol"`
	Addressing Addressing       `yaml:"addressing"`
	// Timing is the ATST argument (units of 4.096 ms); 0 keeps the adapter default.
	Timing byte `yaml:"timing"`
	// CANAutoFormat false sends ATCAF0 (raw PCI bytes, used with manual framing).
	CANAutoFormat bool `yaml:"can_auto_format"`

	ResetTimeout   time.Duration `yaml:"reset_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// PollInterval is the sleep between transport polls while a reply is awaited.
	PollInterval time.Duration `yaml:"poll_interval"`
	// IdleTimeout ends an exchange once bytes have arrived and then stopped
	// for this long; 0 means one PollInterval.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig returns a config for a 38400 baud serial adapter on auto CAN.
func DefaultConfig() Config {
	return Config{
		Transport: transport.Config{
			Driver:      transport.DriverTarm,
			Baud:        transport.DefaultBaud,
			ReadTimeout: transport.DefaultReadTimeout,
		},
		Headers:        true,
		Protocol:       DefaultProtocol,
		CANAutoFormat:  true,
		ResetTimeout:   DefaultResetTimeout,
		CommandTimeout: DefaultCommandTimeout,
		PollInterval:   DefaultPollInterval,
	}
}

// Validate checks all fields; it does not touch the transport.
func (c Config) Validate() error {
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := checkProtocol(c.Protocol); err != nil {
		return err
	}
	if err := c.Addressing.Validate(); err != nil {
		return err
	}
	if c.ResetTimeout <= 0 || c.CommandTimeout <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("%w: timeouts and poll interval must be > 0", ErrInvalidConfig)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("%w: idle_timeout must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func (c Config) idle() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return c.PollInterval
}

// checkProtocol accepts an ATSP argument: 0-9, A-C, optionally prefixed
// with A (auto search starting from that protocol).
func checkProtocol(p string) error {
	c := compact(p)
	if len(c) == 2 && c[0] == 'A' {
		c = c[1:]
	}
	if len(c) != 1 || !strings.ContainsRune("0123456789ABC", rune(c[0])) {
		return fmt.Errorf("%w: protocol %q (use 0-9, A-C or A<n>)", ErrInvalidConfig, p)
	}
	return nil
}

var protocolNames = map[string]string{
	"0": "Automatic",
	"1": "SAE J1850 PWM",
	"2": "SAE J1850 VPW",
	"3": "ISO 9141-2",
	"4": "ISO 14230-4 KWP (5 baud init)",
	"5": "ISO 14230-4 KWP (fast init)",
	"6": "ISO 15765-4 CAN (11 bit, 500 kbaud)",
	"7": "ISO 15765-4 CAN (29 bit, 500 kbaud)",
	"8": "ISO 15765-4 CAN (11 bit, 250 kbaud)",
	"9": "ISO 15765-4 CAN (29 bit, 250 kbaud)",
	"A": "SAE J1939 CAN (29 bit, 250 kbaud)",
	"B": "User1 CAN (11 bit, 125 kbaud)",
	"C": "User2 CAN (11 bit, 50 kbaud)",
}

// ProtocolName describes an ATSP/ATDPN protocol number ("A6" is automatic, found 6).
func ProtocolName(p string) string {
	c := compact(p)
	auto := len(c) == 2 && c[0] == 'A'
	if auto {
		c = c[1:]
	}
	name, ok := protocolNames[c]
	if !ok {
		return "unknown (" + p + ")"
	}
	if auto {
		name += ", auto"
	}
	return name
}

// Is29Bit reports whether protocol p uses extended CAN identifiers.
func Is29Bit(p string) bool {
	c := compact(p)
	if len(c) == 2 && c[0] == 'A' {
		c = c[1:]
	}
	return c == "7" || c == "9" || c == "A"
}
