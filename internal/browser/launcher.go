// internal/browser/launcher.go
package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	homedir "github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/fitbridge/fitbridge/internal/browser/stealth"
	"github.com/fitbridge/fitbridge/internal/config"
)

// Launcher starts a Chrome process and hands out an instrumented Session for
// the single tab the capture flow drives.
type Launcher struct {
	cfg     config.BrowserConfig
	persona stealth.Persona
	logger  *zap.Logger
}

// NewLauncher creates a launcher bound to the given browser configuration.
func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	return &Launcher{
		cfg:     cfg,
		persona: stealth.DefaultPersona,
		logger:  logger.Named("browser"),
	}
}

// DefaultAllocatorOptions builds the chromedp exec allocator options for the
// given browser configuration.
func DefaultAllocatorOptions(cfg config.BrowserConfig) ([]chromedp.ExecAllocatorOption, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		// Drops the navigator.webdriver giveaway that partner login pages check for.
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	)

	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.DisableCache {
		opts = append(opts, chromedp.Flag("disk-cache-size", "1"))
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}

	if cfg.ProfileDir != "" {
		dir, err := homedir.Expand(cfg.ProfileDir)
		if err != nil {
			return nil, fmt.Errorf("expanding profile directory %q: %w", cfg.ProfileDir, err)
		}
		opts = append(opts, chromedp.UserDataDir(dir))
	}

	// Extra args come through as "name=value" or bare "name" switches.
	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(arg, "-")
		if name, value, found := strings.Cut(arg, "="); found {
			opts = append(opts, chromedp.Flag(name, value))
		} else if arg != "" {
			opts = append(opts, chromedp.Flag(arg, true))
		}
	}

	return opts, nil
}

// Start launches Chrome, connects to a fresh tab and applies the stealth
// persona. The returned Session owns both the tab and the allocator; closing
// it tears the whole browser down.
func (l *Launcher) Start(ctx context.Context) (*Session, error) {
	opts, err := DefaultAllocatorOptions(l.cfg)
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)

	ctxOpts := []chromedp.ContextOption{}
	if l.cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(l.logger.Sugar().Debugf))
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	cancelAll := func() {
		tabCancel()
		allocCancel()
	}

	session := newSession(tabCtx, cancelAll, l.logger)

	success := false
	defer func() {
		if !success {
			_ = session.Close(context.Background())
		}
	}()

	if err := session.initialize(ctx, l.persona); err != nil {
		return nil, err
	}

	success = true
	l.logger.Info("Browser session launched.",
		zap.String("session_id", session.ID()),
		zap.Bool("headless", l.cfg.Headless),
	)
	return session, nil
}
