package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"

	"github.com/kstaniek/go-elm327-diag/internal/diag"
	"github.com/kstaniek/go-elm327-diag/internal/elm"
	"github.com/kstaniek/go-elm327-diag/internal/transport"
)

// errFailed ends a command whose JSON result already reports the failure.
var errFailed = errors.New("command failed")

// sessionOptions is a hook for tests (a scripted transport via elm.WithOpener).
var sessionOptions []elm.Option

// cli holds the state shared by all subcommands of one invocation.
type cli struct {
	flags appConfig
	cfg   *appConfig
	log   *slog.Logger
	// logOut receives log output (stderr; tests swap it).
	logOut io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{logOut: os.Stderr}
	root := &cobra.Command{
		Use:   "elm-diag",
		Short: "OBD-II and UDS diagnostics over an ELM327 adapter",
		Long: `elm-diag talks to vehicle ECUs through an ELM327 adapter (serial, or TCP
for Wi-Fi adapters) and prints one JSON result per request.

Configuration precedence: flag > ELM_DIAG_* environment > --config YAML > default.

Examples:
  elm-diag dtc --port /dev/ttyUSB0
  elm-diag vin --driver tcp --port 192.168.0.10:35000
  elm-diag scan F180-F19F --tx-header 7E0 --rx-header 7E8
  elm-diag serve --listen :35000 --mdns-enable`,
		Version:       version + " (commit " + commit + ", built " + date + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Flags(), &c.flags)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.log = setupLogger(cfg.logFormat, cfg.logLevel, c.logOut)
			return nil
		},
	}
	bindFlags(root.PersistentFlags(), &c.flags)
	root.AddCommand(
		c.infoCmd(),
		c.sendCmd(),
		c.dtcCmd(),
		c.udsDTCCmd(),
		c.vinCmd(),
		c.pidCmd(),
		c.readCmd(),
		c.sessionCmd(),
		c.scanCmd(),
		c.serveCmd(),
	)
	return root
}

// openSession dials and initializes the adapter, retrying failed attempts.
// Configuration errors are not retried.
func (c *cli) openSession(ctx context.Context) (*elm.Session, error) {
	sc := c.cfg.sessionConfig()
	var s *elm.Session
	err := retry.Do(func() error {
		var err error
		s, err = elm.Dial(ctx, sc, sessionOptions...)
		if err != nil && (errors.Is(err, elm.ErrInvalidConfig) || errors.Is(err, transport.ErrUnknownDriver) || ctx.Err() != nil) {
			return retry.Unrecoverable(err)
		}
		return err
	},
		retry.Context(ctx),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(c.cfg.retryDelay),
		retry.Attempts(uint(c.cfg.openRetries)+1),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("adapter_open_retry", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// withEngine opens a session for the duration of fn.
func (c *cli) withEngine(cmd *cobra.Command, fn func(ctx context.Context, s *elm.Session, e *diag.Engine) error) error {
	ctx := cmd.Context()
	s, err := c.openSession(ctx)
	if err != nil {
		c.log.Error("adapter_open_failed", "error", err)
		return c.print(cmd, diag.FromError(cmd.Name(), err))
	}
	defer func() { _ = s.Close() }()
	return fn(ctx, s, diag.New(s))
}

// print writes r as one JSON line and turns an unsuccessful result into errFailed.
func (c *cli) print(cmd *cobra.Command, r diag.Result) error {
	if err := json.NewEncoder(cmd.OutOrStdout()).Encode(r); err != nil {
		return err
	}
	if !r.Success {
		return errFailed
	}
	return nil
}

// report builds the result of a request helper: session failures become an
// error result, decode failures of a positive reply mark it unsuccessful.
func report(tx diag.Transaction, err error) diag.Result {
	if err != nil && tx.Outcome.Kind != diag.Positive {
		return diag.FromError(tx.Command, err)
	}
	r := diag.FromTransaction(tx)
	if err != nil {
		r = r.WithDecodeError(err)
	}
	return r
}
