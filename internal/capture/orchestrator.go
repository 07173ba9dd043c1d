// internal/capture/orchestrator.go
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"
)

// Defaults applied by NewOrchestrator when Options leaves them zero.
var (
	defaultFormWaitTimeout  = 60 * time.Second
	defaultLoginPathMarkers = []string{"login", "check", "unite"}
	defaultEmailFields      = []string{"username", "emailAddress", "credential"}
)

// How long to wait for the username element once the profile page is open.
// Unlike the login form wait this is not user-facing, so it stays short.
const usernameWaitTimeout = 15 * time.Second

// Phase names one step of the capture flow state machine.
type Phase string

const (
	PhaseInit               Phase = "init"
	PhaseAwaitingForm       Phase = "awaiting_form"
	PhaseListenersAttached  Phase = "listeners_attached"
	PhaseAwaitingNavigation Phase = "awaiting_navigation"
	PhaseProfileLoading     Phase = "profile_loading"
	PhaseExtractingUsername Phase = "extracting_username"
	PhaseDone               Phase = "done"
	PhaseFailed             Phase = "failed"
)

// Page is the narrow browser surface the orchestrator drives. Implemented by
// *browser.Session in production and by fakes in tests.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	WaitNavigationAway(ctx context.Context, loginPrefix string) error
	Text(ctx context.Context, selector string) (string, error)
	LocalStorageItem(ctx context.Context, key string) (string, error)
	InstallBinding(ctx context.Context, name string, fn func(payload string)) error
	InjectScript(ctx context.Context, script string) error
	ListenRequests(fn func(*network.EventRequestWillBeSent))
	Close(ctx context.Context) error
}

// Options configures a single capture run.
type Options struct {
	LoginURL   string
	ProfileURL string

	EmailSelector    string
	UsernameSelector string

	// FormWaitTimeout bounds the wait for the login form. Defaults to 60s.
	FormWaitTimeout time.Duration
	// NavigationTimeout bounds the wait for the user to complete the login.
	// Zero means wait indefinitely.
	NavigationTimeout time.Duration

	APIHosts []string
	// MatchSiblingHosts extends APIHosts to hosts sharing a registrable
	// domain with a configured entry.
	MatchSiblingHosts bool
	LoginPathMarkers  []string
	EmailFields       []string
	StorageEmailKeys  []string
}

// Orchestrator runs the interactive capture flow against a live login page:
// open the form, attach the network and DOM listeners, wait for the user to
// log in, then assemble whatever the listeners picked up. The page is released
// on every exit path, success or not.
type Orchestrator struct {
	page   Page
	opts   Options
	state  *State
	logger *zap.Logger

	interceptor *Interceptor
	bridge      *Bridge

	// Run mutates the phase while other goroutines may poll it for progress.
	phaseMu sync.Mutex
	phase   Phase
}

// NewOrchestrator wires up a capture run over page.
func NewOrchestrator(page Page, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.FormWaitTimeout <= 0 {
		opts.FormWaitTimeout = defaultFormWaitTimeout
	}
	if len(opts.LoginPathMarkers) == 0 {
		opts.LoginPathMarkers = defaultLoginPathMarkers
	}
	if len(opts.EmailFields) == 0 {
		opts.EmailFields = defaultEmailFields
	}

	state := NewState()
	l := logger.Named("capture")

	return &Orchestrator{
		page:   page,
		opts:   opts,
		state:  state,
		logger: l,
		interceptor: NewInterceptor(state, InterceptorConfig{
			APIHosts:          opts.APIHosts,
			MatchSiblingHosts: opts.MatchSiblingHosts,
			LoginPathMarkers:  opts.LoginPathMarkers,
			EmailFields:       opts.EmailFields,
		}, l),
		bridge: NewBridge(state, l),
		phase:  PhaseInit,
	}
}

// Run executes the capture flow and returns the assembled result. Whatever
// happens, the page is closed exactly once before Run returns; the original
// failure is what comes back, never a cleanup error.
func (o *Orchestrator) Run(ctx context.Context) (result Result, err error) {
	defer func() {
		if err != nil {
			o.transition(PhaseFailed)
		}
		// The run context may already be dead; cleanup gets its own.
		if cerr := o.page.Close(context.Background()); cerr != nil {
			o.logger.Warn("Browser session close reported an error.", zap.Error(cerr))
		}
	}()

	o.logger.Info("Starting login capture flow.", zap.String("login_url", o.opts.LoginURL))

	if err := o.page.Navigate(ctx, o.opts.LoginURL); err != nil {
		return Result{}, fmt.Errorf("opening login page: %w", err)
	}

	o.transition(PhaseAwaitingForm)
	if err := o.awaitLoginForm(ctx); err != nil {
		return Result{}, err
	}

	// From here on every outgoing request and form interaction is observed.
	o.page.ListenRequests(o.interceptor.HandleRequest)
	if err := o.bridge.Install(ctx, o.page, o.opts.EmailSelector); err != nil {
		return Result{}, err
	}
	o.transition(PhaseListenersAttached)

	o.transition(PhaseAwaitingNavigation)
	if err := o.awaitLoginCompletion(ctx); err != nil {
		return Result{}, err
	}

	o.collectStorageFallback(ctx)

	o.transition(PhaseProfileLoading)
	username := o.extractUsername(ctx)

	o.transition(PhaseDone)
	result = Assemble(o.state.Snapshot(), username, o.logger)
	return result, nil
}

// Phase returns the current state machine phase. Safe to call while Run is
// in flight on another goroutine.
func (o *Orchestrator) Phase() Phase {
	o.phaseMu.Lock()
	defer o.phaseMu.Unlock()
	return o.phase
}

// awaitLoginForm waits for the email input to become visible, bounded by the
// form wait timeout. Hitting the bound is a FormNotFoundError; the error is
// raised when the bound expires, not before.
func (o *Orchestrator) awaitLoginForm(ctx context.Context) error {
	formCtx, cancel := context.WithTimeout(ctx, o.opts.FormWaitTimeout)
	defer cancel()

	if err := o.page.WaitVisible(formCtx, o.opts.EmailSelector); err != nil {
		if errors.Is(formCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &FormNotFoundError{Selector: o.opts.EmailSelector, Wait: o.opts.FormWaitTimeout}
		}
		return fmt.Errorf("waiting for login form: %w", err)
	}
	o.logger.Debug("Login form is visible.", zap.String("selector", o.opts.EmailSelector))
	return nil
}

// awaitLoginCompletion blocks until the page navigates away from the login
// flow. With a zero NavigationTimeout the wait is deliberately unbounded;
// a human typing a password and possibly fumbling 2FA sets the pace.
func (o *Orchestrator) awaitLoginCompletion(ctx context.Context) error {
	navCtx := ctx
	if o.opts.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, o.opts.NavigationTimeout)
		defer cancel()
	}

	if err := o.page.WaitNavigationAway(navCtx, o.opts.LoginURL); err != nil {
		if o.opts.NavigationTimeout > 0 &&
			errors.Is(navCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &NavigationTimeoutError{Wait: o.opts.NavigationTimeout}
		}
		return fmt.Errorf("waiting for login completion: %w", err)
	}
	o.logger.Info("Login flow completed; page navigated away.")
	return nil
}

// collectStorageFallback reads the configured localStorage keys when neither
// the interceptor nor the bridge produced an email. Best effort only.
func (o *Orchestrator) collectStorageFallback(ctx context.Context) {
	if email, _ := o.state.Email(); email != "" {
		return
	}
	for _, key := range o.opts.StorageEmailKeys {
		value, err := o.page.LocalStorageItem(ctx, key)
		if err != nil {
			o.logger.Debug("Storage read failed.", zap.String("key", key), zap.Error(err))
			continue
		}
		if o.state.SetEmail(SourceStorage, value) {
			o.logger.Info("Captured email from local storage.", zap.String("key", key))
			return
		}
	}
}

// extractUsername loads the profile page and reads the display name element.
// Failures here degrade the result to a null username rather than failing the
// run; the token is already in hand.
func (o *Orchestrator) extractUsername(ctx context.Context) string {
	if o.opts.ProfileURL == "" || o.opts.UsernameSelector == "" {
		return ""
	}

	if err := o.page.Navigate(ctx, o.opts.ProfileURL); err != nil {
		o.logger.Warn("Could not load profile page; username will be empty.", zap.Error(err))
		return ""
	}

	o.transition(PhaseExtractingUsername)

	waitCtx, cancel := context.WithTimeout(ctx, usernameWaitTimeout)
	defer cancel()

	if err := o.page.WaitVisible(waitCtx, o.opts.UsernameSelector); err != nil {
		o.logger.Warn("Username element did not appear; username will be empty.",
			zap.String("selector", o.opts.UsernameSelector), zap.Error(err))
		return ""
	}

	username, err := o.page.Text(ctx, o.opts.UsernameSelector)
	if err != nil {
		o.logger.Warn("Could not read username element.", zap.Error(err))
		return ""
	}
	return username
}

func (o *Orchestrator) transition(next Phase) {
	o.phaseMu.Lock()
	prev := o.phase
	o.phase = next
	o.phaseMu.Unlock()

	if prev == next {
		return
	}
	o.logger.Debug("Capture flow transition.",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
}
