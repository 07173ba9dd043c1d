// -- cmd/capture.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fitbridge/fitbridge/internal/browser"
	"github.com/fitbridge/fitbridge/internal/capture"
	"github.com/fitbridge/fitbridge/internal/config"
	"github.com/fitbridge/fitbridge/internal/observability"
)

// newCaptureCmd creates and configures the `capture` command.
func newCaptureCmd() *cobra.Command {
	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "Opens the partner login page and captures the session credentials",
		Long: `Capture opens a browser window on the partner login page, waits for you to
sign in, and records the account email, authorization token and display name
from the live session. The browser stays interactive the whole time; with no
timeout configured the command waits as long as the login takes.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their Viper keys so CLI flags override the
			// config file and environment with the right precedence.
			if err := viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.profile_dir", cmd.Flags().Lookup("profile-dir")); err != nil {
				return err
			}
			if err := viper.BindPFlag("capture.login_url", cmd.Flags().Lookup("login-url")); err != nil {
				return err
			}
			if err := viper.BindPFlag("capture.navigation_timeout", cmd.Flags().Lookup("timeout")); err != nil {
				return err
			}
			return viper.BindPFlag("output.path", cmd.Flags().Lookup("output"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runCapture(ctx, cfg, logger)
		},
	}

	captureCmd.Flags().String("login-url", "", "Partner login page URL. (Overrides config/env)")
	captureCmd.Flags().Bool("headless", false, "Run the browser headless. Only useful with a pre-authenticated profile.")
	captureCmd.Flags().String("profile-dir", "", "Chrome user data directory to reuse (supports ~ expansion).")
	captureCmd.Flags().DurationP("timeout", "t", 0, "Ceiling on the login wait. 0 waits indefinitely.")
	captureCmd.Flags().StringP("output", "o", "", "Write the result JSON to this file instead of stdout.")

	return captureCmd
}

// runCapture launches the browser, runs the capture flow and writes the result.
func runCapture(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	launcher := browser.NewLauncher(cfg.Browser, logger)
	session, err := launcher.Start(ctx)
	if err != nil {
		return &capture.SessionLaunchError{Err: err}
	}

	orch := capture.NewOrchestrator(session, capture.Options{
		LoginURL:          cfg.Capture.LoginURL,
		ProfileURL:        cfg.Capture.ProfileURL,
		EmailSelector:     cfg.Capture.EmailSelector,
		UsernameSelector:  cfg.Capture.UsernameSelector,
		FormWaitTimeout:   cfg.Capture.FormWaitTimeout,
		NavigationTimeout: cfg.Capture.NavigationTimeout,
		APIHosts:          cfg.Capture.APIHosts,
		MatchSiblingHosts: cfg.Capture.MatchSiblingHosts,
		LoginPathMarkers:  cfg.Capture.LoginPathMarkers,
		EmailFields:       cfg.Capture.EmailFields,
		StorageEmailKeys:  cfg.Capture.StorageEmailKeys,
	}, logger)

	result, err := runFlow(ctx, orch, progressInterval, logger)
	if err != nil {
		return err
	}

	if err := writeResult(result, cfg.Output); err != nil {
		return err
	}

	// A missing token means the login never produced a usable session.
	if !result.Complete() {
		return fmt.Errorf("no authorization token captured; the login likely did not complete")
	}
	return nil
}

// progressInterval is how often the watcher reports the flow phase while the
// user works through the login.
const progressInterval = 15 * time.Second

// captureFlow is what runFlow drives; *capture.Orchestrator in production.
type captureFlow interface {
	Run(ctx context.Context) (capture.Result, error)
	Phase() capture.Phase
}

// runFlow runs the capture flow alongside a progress watcher. The login wait
// can be unbounded, so the watcher periodically reports which phase the flow
// is stuck in; it winds down as soon as the flow goroutine finishes or the
// run context dies.
func runFlow(ctx context.Context, flow captureFlow, interval time.Duration, logger *zap.Logger) (capture.Result, error) {
	flowCtx, flowDone := context.WithCancel(ctx)
	defer flowDone()

	g, runCtx := errgroup.WithContext(flowCtx)

	var result capture.Result
	g.Go(func() error {
		defer flowDone()
		var runErr error
		result, runErr = flow.Run(runCtx)
		return runErr
	})
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return nil
			case <-ticker.C:
				logger.Info("Waiting on the login flow.", zap.String("phase", string(flow.Phase())))
			}
		}
	})
	return result, g.Wait()
}

// writeResult emits the result JSON to the configured path or stdout.
func writeResult(result capture.Result, out config.OutputConfig) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding capture result: %w", err)
	}
	data = append(data, '\n')

	if out.Path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(out.Path, data, 0o600); err != nil {
		return fmt.Errorf("writing capture result: %w", err)
	}
	return nil
}
