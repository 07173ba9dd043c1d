// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fitbridge/fitbridge/internal/browser/stealth"
)

// How often the navigation wait re-checks the current location. CDP frame
// events cover most transitions; the poll catches history.pushState style
// redirects that never emit one.
const navigationPollInterval = 500 * time.Millisecond

// Session represents the live browser tab the capture flow operates on.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu       sync.Mutex
	isClosed bool
}

func newSession(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Session {
	sessionID := uuid.New().String()
	return &Session{
		id:     sessionID,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(zap.String("session_id", sessionID)),
	}
}

// initialize connects CDP, enables the domains the capture flow listens on
// and applies the stealth persona.
func (s *Session) initialize(ctx context.Context, persona stealth.Persona) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	// The first Run both spawns the browser process and attaches the target.
	if err := chromedp.Run(runCtx); err != nil {
		return fmt.Errorf("starting browser target: %w", err)
	}

	tasks := chromedp.Tasks{
		network.Enable(),
		runtime.Enable(),
	}
	tasks = append(tasks, stealth.Apply(persona, s.logger)...)

	if err := chromedp.Run(runCtx, tasks); err != nil {
		return fmt.Errorf("running session initialization tasks: %w", err)
	}
	return nil
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// Context returns the underlying chromedp context for the session.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Close tears down the tab and the browser process. Safe to call more than
// once; only the first call does any work.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	// Ask the browser to shut down cleanly before cancelling the contexts.
	if s.ctx.Err() == nil {
		closeCtx, cancel := context.WithTimeout(Detach(s.ctx), 5*time.Second)
		if err := chromedp.Cancel(closeCtx); err != nil {
			s.logger.Debug("Graceful browser shutdown failed.", zap.Error(err))
		}
		cancel()
	}

	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Navigate loads the URL and waits for the base document to be ready. It does
// not wait for the full load event; login pages keep streaming assets long
// after the form is usable.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating.", zap.String("url", url))
	if err := s.runActions(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

// WaitVisible blocks until the selector matches a visible node or ctx expires.
func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	return s.runActions(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Text returns the trimmed text content of the first node matching selector.
func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	var text string
	if err := s.runActions(ctx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Evaluate runs a snippet of JavaScript in the current document and optionally
// unmarshals the result into res.
func (s *Session) Evaluate(ctx context.Context, script string, res interface{}) error {
	return s.runActions(ctx, chromedp.Evaluate(script, res))
}

// LocalStorageItem reads a localStorage value from the current origin.
// Returns an empty string when the key is absent or storage is inaccessible.
func (s *Session) LocalStorageItem(ctx context.Context, key string) (string, error) {
	script := fmt.Sprintf(`(function() {
        try { return window.localStorage.getItem(%q) || ""; }
        catch (e) { return ""; }
    })()`, key)

	var value string
	if err := s.Evaluate(ctx, script, &value); err != nil {
		return "", err
	}
	return value, nil
}

// InstallBinding exposes a host callback as window.<name> in the page. The JS
// side must pass a single string argument; fn receives it verbatim.
func (s *Session) InstallBinding(ctx context.Context, name string, fn func(payload string)) error {
	if err := s.runActions(ctx, runtime.AddBinding(name)); err != nil {
		return fmt.Errorf("adding binding %q: %w", name, err)
	}

	chromedp.ListenTarget(s.ctx, func(ev interface{}) {
		bc, ok := ev.(*runtime.EventBindingCalled)
		if !ok || bc.Name != name {
			return
		}
		// Binding callbacks run on the CDP event goroutine; a panic here
		// would take the whole event loop down with it.
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Panic in binding handler.",
					zap.String("name", name),
					zap.Any("panic_reason", r),
					zap.String("stack", string(debug.Stack())))
			}
		}()
		fn(bc.Payload)
	})
	return nil
}

// InjectScript adds a script that runs in every new document of the session
// and also evaluates it in the current document, so listeners are live
// immediately and survive sub-navigations within the login flow.
func (s *Session) InjectScript(ctx context.Context, script string) error {
	var scriptID page.ScriptIdentifier
	err := s.runActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		scriptID, err = page.AddScriptToEvaluateOnNewDocument(script).Do(c)
		return err
	}))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("injecting persistent script: %w", err)
	}
	s.logger.Debug("Injected persistent script.", zap.String("scriptID", string(scriptID)))

	// Current document misses AddScriptToEvaluateOnNewDocument; evaluate directly.
	if err := s.Evaluate(ctx, script, nil); err != nil {
		return fmt.Errorf("evaluating script in current document: %w", err)
	}
	return nil
}

// ListenRequests registers fn for every outgoing request of the session.
func (s *Session) ListenRequests(fn func(*network.EventRequestWillBeSent)) {
	chromedp.ListenTarget(s.ctx, func(ev interface{}) {
		if e, ok := ev.(*network.EventRequestWillBeSent); ok {
			fn(e)
		}
	})
}

// WaitNavigationAway blocks until the main frame leaves the login flow, i.e.
// lands on a URL that no longer starts with loginPrefix. The caller bounds
// the wait through ctx; with no deadline this blocks until the user finishes.
func (s *Session) WaitNavigationAway(ctx context.Context, loginPrefix string) error {
	navigated := make(chan string, 8)

	listenCtx, stopListening := context.WithCancel(s.ctx)
	defer stopListening()

	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		e, ok := ev.(*page.EventFrameNavigated)
		if !ok || e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		select {
		case navigated <- e.Frame.URL:
		default:
		}
	})

	ticker := time.NewTicker(navigationPollInterval)
	defer ticker.Stop()

	left := func(u string) bool {
		return u != "" && u != "about:blank" && !strings.HasPrefix(u, loginPrefix)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return s.ctx.Err()
		case u := <-navigated:
			if left(u) {
				s.logger.Debug("Main frame navigated away from login flow.", zap.String("url", u))
				return nil
			}
		case <-ticker.C:
			var u string
			if err := s.runActions(ctx, chromedp.Location(&u)); err == nil && left(u) {
				s.logger.Debug("Location poll left login flow.", zap.String("url", u))
				return nil
			}
		}
	}
}

// runActions executes chromedp.Actions, respecting both the session lifetime
// (s.ctx) and the incoming request context (ctx).
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	return chromedp.Run(runCtx, actions...)
}
