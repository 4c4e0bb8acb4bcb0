package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-elm327-diag/internal/decode"
	"github.com/kstaniek/go-elm327-diag/internal/diag"
	"github.com/kstaniek/go-elm327-diag/internal/elm"
	"github.com/kstaniek/go-elm327-diag/internal/scan"
)

type adapterInfo struct {
	Version          string  `json:"version"`
	Port             string  `json:"port"`
	Protocol         string  `json:"protocol"`
	ProtocolName     string  `json:"protocol_name"`
	DetectedProtocol string  `json:"detected_protocol,omitempty"`
	DetectedName     string  `json:"detected_protocol_name,omitempty"`
	Voltage          float64 `json:"voltage,omitempty"`
}

func (c *cli) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show adapter version, protocol and battery voltage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEngine(cmd, func(ctx context.Context, s *elm.Session, _ *diag.Engine) error {
				sc := s.Config()
				info := adapterInfo{
					Version:      s.Version(),
					Port:         sc.Transport.Name,
					Protocol:     sc.Protocol,
					ProtocolName: elm.ProtocolName(sc.Protocol),
				}
				if v, err := s.Voltage(ctx); err == nil {
					info.Voltage = v
				} else {
					c.log.Warn("voltage_read_failed", "error", err)
				}
				if p, err := s.ProtocolNumber(ctx); err == nil {
					info.DetectedProtocol = p
					info.DetectedName = elm.ProtocolName(p)
				} else {
					c.log.Warn("protocol_read_failed", "error", err)
				}
				return c.print(cmd, diag.Result{Success: true, Command: "info", Data: info})
			})
		},
	}
}

func (c *cli) sendCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <command>",
		Short: "Send one request (hex) or adapter command (AT...) and classify the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := strings.Join(args, "")
			return c.withEngine(cmd, func(ctx context.Context, _ *elm.Session, e *diag.Engine) error {
				if strings.HasPrefix(strings.ToUpper(req), "AT") {
					text, err := e.SendRaw(ctx, req, timeout)
					if err != nil {
						return c.print(cmd, diag.FromError(req, err))
					}
					return c.print(cmd, diag.Result{Success: true, Command: req, Data: text})
				}
				tx, err := e.Send(ctx, req, timeout)
				return c.print(cmd, report(tx, err))
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Reply timeout (0 = command-timeout)")
	return cmd
}

func (c *cli) dtcCmd() *cobra.Command {
	var pending, permanent, clearCodes bool
	cmd := &cobra.Command{
		Use:   "dtc",
		Short: "Read (or clear) OBD-II trouble codes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEngine(cmd, func(ctx context.Context, _ *elm.Session, e *diag.Engine) error {
				if clearCodes {
					tx, err := e.ClearDTCs(ctx)
					return c.print(cmd, report(tx, err))
				}
				read := e.ReadDTCs
				switch {
				case pending:
					read = e.ReadPendingDTCs
				case permanent:
					read = e.ReadPermanentDTCs
				}
				recs, tx, err := read(ctx)
				r := report(tx, err)
				if r.Success {
					r = r.WithDTCs(recs)
				}
				return c.print(cmd, r)
			})
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "Read pending codes (mode 07)")
	cmd.Flags().BoolVar(&permanent, "permanent", false, "Read permanent codes (mode 0A)")
	cmd.Flags().BoolVar(&clearCodes, "clear", false, "Clear stored codes and freeze frames (mode 04)")
	cmd.MarkFlagsMutuallyExclusive("pending", "permanent", "clear")
	return cmd
}

func (c *cli) udsDTCCmd() *cobra.Command {
	var mask string
	cmd := &cobra.Command{
		Use:   "uds-dtc",
		Short: "Read UDS trouble codes by status mask (19 02)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(mask), "0X"), 16, 8)
			if err != nil {
				return fmt.Errorf("invalid --mask %q: %w", mask, err)
			}
			return c.withEngine(cmd, func(ctx context.Context, _ *elm.Session, e *diag.Engine) error {
				rep, tx, err := e.ReadDTCInformation(ctx, byte(m))
				r := report(tx, err)
				if r.Success {
					r.UDSDTCs = rep.DTCs
					r.Data = map[string]string{"availability_mask": fmt.Sprintf("%02X", rep.AvailableMask)}
				}
				return c.print(cmd, r)
			})
		},
	}
	cmd.Flags().StringVar(&mask, "mask", "FF", "DTC status mask (hex)")
	return cmd
}

func (c *cli) vinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vin",
		Short: "Read the vehicle identification number (09 02)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEngine(cmd, func(ctx context.Context, _ *elm.Session, e *diag.Engine) error {
				vin, tx, err := e.ReadVIN(ctx)
				r := report(tx, err)
				if r.Success {
					r.VIN = vin
				}
				return c.print(cmd, r)
			})
		},
	}
}

func (c *cli) pidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pid <pid>...",
		Short: "Read mode 01 PIDs (hex), decoding the common ones",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pids := make([]byte, 0, len(args))
			for _, a := range args {
				v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(a), "0X"), 16, 8)
				if err != nil {
					return fmt.Errorf("invalid pid %q: %w", a, err)
				}
				pids = append(pids, byte(v))
			}
			return c.withEngine(cmd, func(ctx context.Context, _ *elm.Session, e *diag.Engine) error {
				failed := false
				for _, pid := range pids {
					tx, err := e.ReadPID(ctx, pid)
					r := report(tx, err)
					if r.Success {
						r = withPIDValue(r, tx, pid)
					}
					if perr := c.print(cmd, r); perr != nil {
						if perr != errFailed {
							return perr
						}
						failed = true
					}
					if err != nil && tx.Outcome.Kind != diag.Positive {
						return errFailed
					}
				}
				if failed {
					return errFailed
				}
				return nil
			})
		},
	}
}

func withPIDValue(r diag.Result, tx diag.Transaction, pid byte) diag.Result {
	spec, ok := diag.PIDSignal(pid)
	if !ok {
		return r
	}
	data, err := diag.PIDData(tx.Outcome, pid)
	if err != nil {
		return r.WithDecodeError(err)
	}
	v, err := decode.ExtractBits(data, spec)
	if err != nil {
		return r.WithDecodeError(err)
	}
	return r.WithValue(v)
}

type signalValue struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

func (c *cli) readCmd() *cobra.Command {
	var signalFile string
	cmd := &cobra.Command{
		Use:   "read <did>",
		Short: "Read a data identifier (22) and decode its configured signals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			did, err := parseDID(args[0])
			if err != nil {
				return err
			}
			specs := c.cfg.signals[did]
			if signalFile != "" {
				f, err := os.Open(signalFile)
				if err != nil {
					return err
				}
				more, err := decode.LoadSignals(f)
				_ = f.Close()
				if err != nil {
					return err
				}
				specs = append(append([]decode.BitFieldSpec(nil), specs...), more...)
			}
			return c.withEngine(cmd, func(ctx context.Context, _ *elm.Session, e *diag.Engine) error {
				tx, err := e.ReadDID(ctx, did)
				r := report(tx, err)
				if r.Success && len(specs) > 0 {
					r = withSignals(r, tx, did, specs)
				}
				return c.print(cmd, r)
			})
		},
	}
	cmd.Flags().StringVar(&signalFile, "signals", "", "YAML signal file (bit fields of this identifier)")
	return cmd
}

// withSignals decodes specs from the record of a positive ReadDID. A single
// signal fills value/unit; several are listed in data.
func withSignals(r diag.Result, tx diag.Transaction, did uint16, specs []decode.BitFieldSpec) diag.Result {
	data, err := diag.DIDData(tx.Outcome, did)
	if err != nil {
		return r.WithDecodeError(err)
	}
	vals := make([]signalValue, 0, len(specs))
	for _, s := range specs {
		v, err := decode.ExtractBits(data, s)
		if err != nil {
			return r.WithDecodeError(fmt.Errorf("signal %s: %w", s.Name, err))
		}
		if len(specs) == 1 {
			return r.WithValue(v)
		}
		vals = append(vals, signalValue{Name: s.Name, Value: v.Interface(), Unit: v.Unit})
	}
	r.Data = vals
	return r
}

var sessionTypes = map[string]byte{
	"default":     diag.SessionDefault,
	"programming": diag.SessionProgramming,
	"extended":    diag.SessionExtended,
}

func (c *cli) sessionCmd() *cobra.Command {
	var hold, interval time.Duration
	cmd := &cobra.Command{
		Use:   "session <default|programming|extended|hex>",
		Short: "Switch the diagnostic session (10) and optionally keep it alive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := sessionTypes[strings.ToLower(args[0])]
			if !ok {
				v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(args[0]), "0X"), 16, 8)
				if err != nil {
					return fmt.Errorf("invalid session type %q", args[0])
				}
				t = byte(v)
			}
			return c.withEngine(cmd, func(ctx context.Context, _ *elm.Session, e *diag.Engine) error {
				tx, err := e.DiagnosticSessionControl(ctx, t)
				r := report(tx, err)
				if perr := c.print(cmd, r); perr != nil || hold <= 0 {
					return perr
				}
				return c.keepAlive(ctx, e, hold, interval)
			})
		},
	}
	cmd.Flags().DurationVar(&hold, "hold", 0, "Keep the session alive this long with tester present (3E 00)")
	cmd.Flags().DurationVar(&interval, "tester-present-interval", 2*time.Second, "Tester present period while holding")
	return cmd
}

func (c *cli) keepAlive(ctx context.Context, e *diag.Engine, hold, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, hold)
	defer cancel()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("session_hold_done", "hold", hold)
			return nil
		case <-t.C:
			tx, err := e.TesterPresent(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.log.Error("tester_present_failed", "error", err)
				return err
			}
			if tx.Outcome.Kind != diag.Positive {
				c.log.Warn("tester_present_rejected", "outcome", tx.Outcome.String())
			}
		}
	}
}

type scanSummary struct {
	Ranges []string `json:"ranges"`
	Probed int      `json:"probed"`
	Found  int      `json:"found"`
}

func (c *cli) scanCmd() *cobra.Command {
	var (
		standard   bool
		service    string
		timeout    time.Duration
		retries    int
		retryDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "scan [range]...",
		Short: "Find data identifiers that answer positively",
		Long: `Probe every identifier of the given inclusive hex ranges (e.g. F180-F19F)
and print one JSON line per identifier that answers positively, followed by a
summary result. Without arguments the ranges come from the config file, or the
standard identification windows with --standard.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(service), "0X"), 16, 8)
			if err != nil {
				return fmt.Errorf("invalid --service %q: %w", service, err)
			}
			ranges, err := c.scanRanges(args, standard)
			if err != nil {
				return err
			}
			return c.withEngine(cmd, func(ctx context.Context, _ *elm.Session, e *diag.Engine) error {
				probed := 0
				sc := scan.New(e,
					scan.WithService(byte(sid)),
					scan.WithTimeout(timeout),
					scan.WithRetries(retries, retryDelay),
					scan.WithProgress(func(p scan.Progress) {
						probed = p.Done
						if p.Done%256 == 0 {
							c.log.Info("scan_progress", "did", fmt.Sprintf("%04X", p.DID), "done", p.Done, "total", p.Total)
						}
					}),
				)
				enc := json.NewEncoder(cmd.OutOrStdout())
				sum := scanSummary{Ranges: make([]string, 0, len(ranges))}
				for _, r := range ranges {
					sum.Ranges = append(sum.Ranges, r.String())
				}
				var scanErr error
				for f, err := range sc.ScanRanges(ctx, ranges) {
					if err != nil {
						scanErr = err
						break
					}
					sum.Found++
					if err := enc.Encode(f); err != nil {
						return err
					}
				}
				sum.Probed = probed
				r := diag.Result{Success: scanErr == nil, Command: "scan", Data: sum}
				if scanErr != nil {
					r.Error = scanErr.Error()
				}
				return c.print(cmd, r)
			})
		},
	}
	cmd.Flags().BoolVar(&standard, "standard", false, "Scan the standard identification windows")
	cmd.Flags().StringVar(&service, "service", "22", "Request service id (hex)")
	cmd.Flags().DurationVar(&timeout, "timeout", scan.DefaultTimeout, "Per-identifier timeout")
	cmd.Flags().IntVar(&retries, "retries", 0, "Re-probe identifiers with retryable outcomes up to n times")
	cmd.Flags().DurationVar(&retryDelay, "reprobe-delay", 20*time.Millisecond, "Delay between re-probes")
	return cmd
}

// scanRanges picks ranges from args, then the config file, then the
// standard windows.
func (c *cli) scanRanges(args []string, standard bool) ([]scan.Range, error) {
	switch {
	case len(args) > 0:
		out := make([]scan.Range, 0, len(args))
		for _, a := range args {
			r, err := scan.ParseRange(a)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, nil
	case standard:
		return scan.StandardRanges(), nil
	case len(c.cfg.ranges) > 0:
		return c.cfg.ranges, nil
	default:
		return nil, fmt.Errorf("%w: give a range, --standard or ranges in --config", scan.ErrInvalidRange)
	}
}
