package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-elm327-diag/internal/decode"
	"github.com/kstaniek/go-elm327-diag/internal/elm"
	"github.com/kstaniek/go-elm327-diag/internal/scan"
	"github.com/kstaniek/go-elm327-diag/internal/transport"
)

const envPrefix = "ELM_DIAG_"

type appConfig struct {
	configPath string

	driver       string
	port         string
	baud         int
	readTO       time.Duration
	protocol     string
	headers      bool
	txHeader     string
	rxHeader     string
	fcHeader     string
	fcData       string
	timing       int
	resetTO      time.Duration
	commandTO    time.Duration
	pollInterval time.Duration
	openRetries  int
	retryDelay   time.Duration

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration

	listenAddr   string
	clientReadTO time.Duration
	mdnsEnable   bool
	mdnsName     string

	// From the YAML file only.
	signals map[uint16][]decode.BitFieldSpec
	ranges  []scan.Range
}

func defaultConfig() *appConfig {
	return &appConfig{
		driver:       transport.DriverTarm,
		port:         "/dev/ttyUSB0",
		baud:         transport.DefaultBaud,
		readTO:       transport.DefaultReadTimeout,
		protocol:     elm.DefaultProtocol,
		headers:      true,
		resetTO:      elm.DefaultResetTimeout,
		commandTO:    elm.DefaultCommandTimeout,
		pollInterval: elm.DefaultPollInterval,
		openRetries:  2,
		retryDelay:   time.Second,
		logFormat:    "text",
		logLevel:     "info",
		listenAddr:   ":35000",
		clientReadTO: 5 * time.Minute,
	}
}

// bindFlags registers the persistent flags into dst.
func bindFlags(fs *pflag.FlagSet, dst *appConfig) {
	d := defaultConfig()
	fs.StringVar(&dst.configPath, "config", "", "YAML config file (adapter, addressing, signals, ranges)")
	fs.StringVar(&dst.driver, "driver", d.driver, "Transport driver: tarm|bugst|tcp")
	fs.StringVarP(&dst.port, "port", "p", d.port, "Serial device path, or host:port for --driver=tcp")
	fs.IntVarP(&dst.baud, "baud", "b", d.baud, "Serial baud rate")
	fs.DurationVar(&dst.readTO, "read-timeout", d.readTO, "Transport read timeout")
	fs.StringVar(&dst.protocol, "protocol", d.protocol, "ATSP protocol: 0-9, A-C or A<n>")
	fs.BoolVar(&dst.headers, "headers", d.headers, "Request CAN headers from the adapter (ATH1)")
	fs.StringVar(&dst.txHeader, "tx-header", "", "Request CAN header (ATSH), e.g. 7E0")
	fs.StringVar(&dst.rxHeader, "rx-header", "", "Response CAN header filter (ATCRA), e.g. 7E8")
	fs.StringVar(&dst.fcHeader, "fc-header", "", "Flow control header (ATFCSH)")
	fs.StringVar(&dst.fcData, "fc-data", "", "Flow control data (ATFCSD), e.g. 300000")
	fs.IntVar(&dst.timing, "timing", 0, "ATST value in 4.096 ms units (0 = adapter default)")
	fs.DurationVar(&dst.resetTO, "reset-timeout", d.resetTO, "Timeout for ATZ")
	fs.DurationVar(&dst.commandTO, "command-timeout", d.commandTO, "Default command timeout")
	fs.DurationVar(&dst.pollInterval, "poll-interval", d.pollInterval, "Transport poll interval while awaiting a reply")
	fs.IntVar(&dst.openRetries, "open-retries", d.openRetries, "Extra attempts to open and initialize the adapter")
	fs.DurationVar(&dst.retryDelay, "retry-delay", d.retryDelay, "Delay between open attempts")
	fs.StringVar(&dst.logFormat, "log-format", d.logFormat, "Log format: text|json")
	fs.StringVar(&dst.logLevel, "log-level", d.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&dst.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&dst.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
}

// bindServeFlags registers the serve command flags into dst.
func bindServeFlags(fs *pflag.FlagSet, dst *appConfig) {
	d := defaultConfig()
	fs.StringVar(&dst.listenAddr, "listen", d.listenAddr, "Bridge TCP listen address")
	fs.DurationVar(&dst.clientReadTO, "client-read-timeout", d.clientReadTO, "Drop bridge clients idle for this long")
	fs.BoolVar(&dst.mdnsEnable, "mdns-enable", false, "Advertise the bridge via mDNS")
	fs.StringVar(&dst.mdnsName, "mdns-name", "", "mDNS instance name (default elm-diag-<hostname>)")
}

// flagCopy copies one explicitly set flag from the flag-bound config.
var flagCopy = map[string]func(dst, src *appConfig){
	"driver":               func(d, s *appConfig) { d.driver = s.driver },
	"port":                 func(d, s *appConfig) { d.port = s.port },
	"baud":                 func(d, s *appConfig) { d.baud = s.baud },
	"read-timeout":         func(d, s *appConfig) { d.readTO = s.readTO },
	"protocol":             func(d, s *appConfig) { d.protocol = s.protocol },
	"headers":              func(d, s *appConfig) { d.headers = s.headers },
	"tx-header":            func(d, s *appConfig) { d.txHeader = s.txHeader },
	"rx-header":            func(d, s *appConfig) { d.rxHeader = s.rxHeader },
	"fc-header":            func(d, s *appConfig) { d.fcHeader = s.fcHeader },
	"fc-data":              func(d, s *appConfig) { d.fcData = s.fcData },
	"timing":               func(d, s *appConfig) { d.timing = s.timing },
	"reset-timeout":        func(d, s *appConfig) { d.resetTO = s.resetTO },
	"command-timeout":      func(d, s *appConfig) { d.commandTO = s.commandTO },
	"poll-interval":        func(d, s *appConfig) { d.pollInterval = s.pollInterval },
	"open-retries":         func(d, s *appConfig) { d.openRetries = s.openRetries },
	"retry-delay":          func(d, s *appConfig) { d.retryDelay = s.retryDelay },
	"log-format":           func(d, s *appConfig) { d.logFormat = s.logFormat },
	"log-level":            func(d, s *appConfig) { d.logLevel = s.logLevel },
	"metrics-addr":         func(d, s *appConfig) { d.metricsAddr = s.metricsAddr },
	"log-metrics-interval": func(d, s *appConfig) { d.logMetricsEvery = s.logMetricsEvery },
	"listen":               func(d, s *appConfig) { d.listenAddr = s.listenAddr },
	"client-read-timeout":  func(d, s *appConfig) { d.clientReadTO = s.clientReadTO },
	"mdns-enable":          func(d, s *appConfig) { d.mdnsEnable = s.mdnsEnable },
	"mdns-name":            func(d, s *appConfig) { d.mdnsName = s.mdnsName },
}

// resolveConfig layers defaults, the YAML file, ELM_DIAG_* variables and
// explicitly set flags, in increasing precedence.
func resolveConfig(fs *pflag.FlagSet, flags *appConfig) (*appConfig, error) {
	set := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { set[f.Name] = struct{}{} })

	cfg := defaultConfig()
	path := flags.configPath
	if _, ok := set["config"]; !ok {
		if v, ok := os.LookupEnv(envPrefix + "CONFIG"); ok {
			path = strings.TrimSpace(v)
		}
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		err = loadFile(f, cfg)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		cfg.configPath = path
	}
	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, err
	}
	for name := range set {
		if cp, ok := flagCopy[name]; ok {
			cp(cfg, flags)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type fileConfig struct {
	Adapter struct {
		Driver         string        `yaml:"driver"`
		Port           string        `yaml:"port"`
		Baud           int           `yaml:"baud"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		Protocol       string        `yaml:"protocol"`
		Headers        *bool         `yaml:"headers"`
		Timing         int           `yaml:"timing"`
		ResetTimeout   time.Duration `yaml:"reset_timeout"`
		CommandTimeout time.Duration `yaml:"command_timeout"`
		PollInterval   time.Duration `yaml:"poll_interval"`
		OpenRetries    *int          `yaml:"open_retries"`
		RetryDelay     time.Duration `yaml:"retry_delay"`
	} `yaml:"adapter"`
	Addressing elm.Addressing `yaml:"addressing"`
	Log        struct {
		Format          string        `yaml:"format"`
		Level           string        `yaml:"level"`
		MetricsInterval time.Duration `yaml:"metrics_interval"`
	} `yaml:"log"`
	MetricsAddr string `yaml:"metrics_addr"`
	Serve       struct {
		Listen            string        `yaml:"listen"`
		ClientReadTimeout time.Duration `yaml:"client_read_timeout"`
		MDNS              *bool         `yaml:"mdns"`
		MDNSName          string        `yaml:"mdns_name"`
	} `yaml:"serve"`
	// Signals maps a hex data identifier to its bit fields.
	Signals map[string][]decode.BitFieldSpec `yaml:"signals"`
	Ranges  []scan.Range                     `yaml:"ranges"`
}

// loadFile applies the values present in a YAML config onto c.
func loadFile(r io.Reader, c *appConfig) error {
	var f fileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	a := f.Adapter
	setStr(&c.driver, a.Driver)
	setStr(&c.port, a.Port)
	if a.Baud > 0 {
		c.baud = a.Baud
	}
	setDur(&c.readTO, a.ReadTimeout)
	setStr(&c.protocol, a.Protocol)
	if a.Headers != nil {
		c.headers = *a.Headers
	}
	if a.Timing > 0 {
		c.timing = a.Timing
	}
	setDur(&c.resetTO, a.ResetTimeout)
	setDur(&c.commandTO, a.CommandTimeout)
	setDur(&c.pollInterval, a.PollInterval)
	if a.OpenRetries != nil {
		c.openRetries = *a.OpenRetries
	}
	setDur(&c.retryDelay, a.RetryDelay)
	setStr(&c.txHeader, f.Addressing.RequestHeader)
	setStr(&c.rxHeader, f.Addressing.ResponseHeader)
	setStr(&c.fcHeader, f.Addressing.FlowControlHeader)
	setStr(&c.fcData, f.Addressing.FlowControlData)
	setStr(&c.logFormat, f.Log.Format)
	setStr(&c.logLevel, f.Log.Level)
	setDur(&c.logMetricsEvery, f.Log.MetricsInterval)
	setStr(&c.metricsAddr, f.MetricsAddr)
	setStr(&c.listenAddr, f.Serve.Listen)
	setDur(&c.clientReadTO, f.Serve.ClientReadTimeout)
	if f.Serve.MDNS != nil {
		c.mdnsEnable = *f.Serve.MDNS
	}
	setStr(&c.mdnsName, f.Serve.MDNSName)

	if len(f.Signals) > 0 {
		c.signals = make(map[uint16][]decode.BitFieldSpec, len(f.Signals))
		for k, specs := range f.Signals {
			did, err := parseDID(k)
			if err != nil {
				return fmt.Errorf("signals: %w", err)
			}
			for i, s := range specs {
				if err := s.Validate(); err != nil {
					return fmt.Errorf("signals %s[%d] (%s): %w", k, i, s.Name, err)
				}
			}
			c.signals[did] = specs
		}
	}
	for i, r := range f.Ranges {
		if r.Start > r.End {
			return fmt.Errorf("ranges[%d]: %w: %s", i, scan.ErrInvalidRange, r)
		}
	}
	c.ranges = f.Ranges
	return nil
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDur(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// validate performs basic semantic validation of the resolved configuration.
// It does not open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.openRetries < 0 {
		return fmt.Errorf("open-retries must be >= 0 (got %d)", c.openRetries)
	}
	if c.timing < 0 || c.timing > 0xFF {
		return fmt.Errorf("timing must be 0..255 (got %d)", c.timing)
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return c.sessionConfig().Validate()
}

// sessionConfig maps the resolved settings onto the adapter session config.
func (c *appConfig) sessionConfig() elm.Config {
	sc := elm.DefaultConfig()
	sc.Transport = transport.Config{Driver: c.driver, Name: c.port, Baud: c.baud, ReadTimeout: c.readTO}
	sc.Protocol = c.protocol
	sc.Headers = c.headers
	sc.Addressing = elm.Addressing{
		RequestHeader:     c.txHeader,
		ResponseHeader:    c.rxHeader,
		FlowControlHeader: c.fcHeader,
		FlowControlData:   c.fcData,
	}
	sc.Timing = byte(c.timing)
	sc.ResetTimeout = c.resetTO
	sc.CommandTimeout = c.commandTO
	sc.PollInterval = c.pollInterval
	return sc
}

// applyEnvOverrides maps ELM_DIAG_* environment variables to config fields
// unless the corresponding flag was explicitly set. Empty values are
// ignored; durations use time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(flag string) (string, bool) {
		if _, ok := set[flag]; ok {
			return "", false
		}
		k := envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
		v, ok := os.LookupEnv(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	fail := func(flag string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(flag, "-", "_")), err)
		}
	}
	str := func(flag string, dst *string) {
		if v, ok := get(flag); ok {
			*dst = v
		}
	}
	num := func(flag string, dst *int, min int) {
		if v, ok := get(flag); ok {
			n, err := strconv.Atoi(v)
			if err == nil && n < min {
				err = fmt.Errorf("must be >= %d", min)
			}
			if err != nil {
				fail(flag, err)
				return
			}
			*dst = n
		}
	}
	dur := func(flag string, dst *time.Duration) {
		if v, ok := get(flag); ok {
			d, err := time.ParseDuration(v)
			if err == nil && d < 0 {
				err = errors.New("must be >= 0")
			}
			if err != nil {
				fail(flag, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(flag string, dst *bool) {
		if v, ok := get(flag); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(flag, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("driver", &c.driver)
	str("port", &c.port)
	num("baud", &c.baud, 1)
	dur("read-timeout", &c.readTO)
	str("protocol", &c.protocol)
	boolean("headers", &c.headers)
	str("tx-header", &c.txHeader)
	str("rx-header", &c.rxHeader)
	str("fc-header", &c.fcHeader)
	str("fc-data", &c.fcData)
	num("timing", &c.timing, 0)
	dur("reset-timeout", &c.resetTO)
	dur("command-timeout", &c.commandTO)
	dur("poll-interval", &c.pollInterval)
	num("open-retries", &c.openRetries, 0)
	dur("retry-delay", &c.retryDelay)
	str("log-format", &c.logFormat)
	str("log-level", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		// An empty value disables metrics, so presence is what counts.
		if v, ok := os.LookupEnv(envPrefix + "METRICS_ADDR"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	dur("log-metrics-interval", &c.logMetricsEvery)
	str("listen", &c.listenAddr)
	dur("client-read-timeout", &c.clientReadTO)
	boolean("mdns-enable", &c.mdnsEnable)
	str("mdns-name", &c.mdnsName)
	return firstErr
}

// parseDID parses a 16-bit hex data identifier ("F190" or "0xF190").
func parseDID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "0X")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("data identifier %q: %w", s, err)
	}
	return uint16(v), nil
}
