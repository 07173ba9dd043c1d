package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakePage is a scriptable Page implementation. Zero-value behavior mimics a
// login page that renders instantly and a user who never finishes logging in.
type fakePage struct {
	mu         sync.Mutex
	closeCalls int

	navigateFn    func(ctx context.Context, url string) error
	waitVisibleFn func(ctx context.Context, selector string) error
	waitNavFn     func(ctx context.Context, loginPrefix string) error
	textFn        func(ctx context.Context, selector string) (string, error)

	storage   map[string]string
	bindings  map[string]func(string)
	scripts   []string
	requestFn func(*network.EventRequestWillBeSent)
	navigated []string
}

func (f *fakePage) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	f.navigated = append(f.navigated, url)
	f.mu.Unlock()
	if f.navigateFn != nil {
		return f.navigateFn(ctx, url)
	}
	return nil
}

func (f *fakePage) WaitVisible(ctx context.Context, selector string) error {
	if f.waitVisibleFn != nil {
		return f.waitVisibleFn(ctx, selector)
	}
	return nil
}

func (f *fakePage) WaitNavigationAway(ctx context.Context, loginPrefix string) error {
	if f.waitNavFn != nil {
		return f.waitNavFn(ctx, loginPrefix)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakePage) Text(ctx context.Context, selector string) (string, error) {
	if f.textFn != nil {
		return f.textFn(ctx, selector)
	}
	return "", nil
}

func (f *fakePage) LocalStorageItem(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storage[key], nil
}

func (f *fakePage) InstallBinding(ctx context.Context, name string, fn func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindings == nil {
		f.bindings = make(map[string]func(string))
	}
	f.bindings[name] = fn
	return nil
}

func (f *fakePage) InjectScript(ctx context.Context, script string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script)
	return nil
}

func (f *fakePage) ListenRequests(fn func(*network.EventRequestWillBeSent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestFn = fn
}

func (f *fakePage) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakePage) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *fakePage) sendRequest(ev *network.EventRequestWillBeSent) {
	f.mu.Lock()
	fn := f.requestFn
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (f *fakePage) pressSubmit(value string) {
	f.mu.Lock()
	fn := f.bindings[BindingName]
	f.mu.Unlock()
	if fn != nil {
		fn(value)
	}
}

func testOptions() Options {
	return Options{
		LoginURL:          "https://www.nike.com/login",
		ProfileURL:        "https://www.nike.com/member/profile",
		EmailSelector:     `input[type="email"]`,
		UsernameSelector:  ".member-name",
		FormWaitTimeout:   time.Second,
		NavigationTimeout: 100 * time.Millisecond,
		APIHosts:          []string{"api.nike.com"},
		StorageEmailKeys:  []string{"emailAddress"},
	}
}

func TestRunFormTimeout(t *testing.T) {
	page := &fakePage{
		waitVisibleFn: func(ctx context.Context, selector string) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	opts := testOptions()
	opts.FormWaitTimeout = 60 * time.Millisecond

	orch := NewOrchestrator(page, opts, zaptest.NewLogger(t))
	start := time.Now()
	_, err := orch.Run(context.Background())
	elapsed := time.Since(start)

	var formErr *FormNotFoundError
	require.ErrorAs(t, err, &formErr)
	assert.Equal(t, opts.EmailSelector, formErr.Selector)
	assert.Equal(t, opts.FormWaitTimeout, formErr.Wait)

	// The error is raised when the bound expires, not before.
	assert.GreaterOrEqual(t, elapsed, opts.FormWaitTimeout)
	assert.Equal(t, 1, page.closeCount())
	assert.Equal(t, PhaseFailed, orch.Phase())
}

func TestRunNavigationTimeout(t *testing.T) {
	page := &fakePage{} // default WaitNavigationAway blocks until ctx expires
	opts := testOptions()
	opts.NavigationTimeout = 50 * time.Millisecond

	orch := NewOrchestrator(page, opts, zaptest.NewLogger(t))
	_, err := orch.Run(context.Background())

	var navErr *NavigationTimeoutError
	require.ErrorAs(t, err, &navErr)
	assert.Equal(t, opts.NavigationTimeout, navErr.Wait)
	assert.Equal(t, 1, page.closeCount())
}

func TestRunUnboundedNavigationWait(t *testing.T) {
	// A slow login must not trip any timeout when no ceiling is configured.
	page := &fakePage{
		waitNavFn: func(ctx context.Context, loginPrefix string) error {
			select {
			case <-time.After(250 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	opts := testOptions()
	opts.NavigationTimeout = 0

	orch := NewOrchestrator(page, opts, zaptest.NewLogger(t))
	_, err := orch.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, PhaseDone, orch.Phase())
	assert.Equal(t, 1, page.closeCount())
}

func TestRunClosesPageOnEveryPath(t *testing.T) {
	cases := []struct {
		name    string
		page    *fakePage
		wantErr bool
	}{
		{
			name: "navigate fails",
			page: &fakePage{
				navigateFn: func(ctx context.Context, url string) error {
					return errors.New("net::ERR_NAME_NOT_RESOLVED")
				},
			},
			wantErr: true,
		},
		{
			name: "happy path",
			page: &fakePage{
				waitNavFn: func(ctx context.Context, loginPrefix string) error { return nil },
			},
		},
		{
			name:    "navigation times out",
			page:    &fakePage{},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orch := NewOrchestrator(tc.page, testOptions(), zaptest.NewLogger(t))
			_, err := orch.Run(context.Background())
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, 1, tc.page.closeCount())
		})
	}
}

func TestRunStorageFallback(t *testing.T) {
	page := &fakePage{
		storage:   map[string]string{"emailAddress": "stored@example.com"},
		waitNavFn: func(ctx context.Context, loginPrefix string) error { return nil },
	}

	orch := NewOrchestrator(page, testOptions(), zaptest.NewLogger(t))
	result, err := orch.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, result.Email)
	assert.Equal(t, "stored@example.com", *result.Email)
	assert.Equal(t, SourceStorage, result.EmailSource)
}

func TestRunBridgeOutranksStorage(t *testing.T) {
	page := &fakePage{
		storage: map[string]string{"emailAddress": "stored@example.com"},
	}
	page.waitNavFn = func(ctx context.Context, loginPrefix string) error {
		// The user submits the form before the page navigates away.
		page.pressSubmit("form@example.com")
		return nil
	}

	orch := NewOrchestrator(page, testOptions(), zaptest.NewLogger(t))
	result, err := orch.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, result.Email)
	assert.Equal(t, "form@example.com", *result.Email)
	assert.Equal(t, SourceBridge, result.EmailSource)
}

func TestRunEndToEndCapture(t *testing.T) {
	page := &fakePage{
		textFn: func(ctx context.Context, selector string) (string, error) {
			return "Runner A", nil
		},
	}
	page.waitNavFn = func(ctx context.Context, loginPrefix string) error {
		// Simulated login: the credential POST goes out, then the token-bearing
		// API call fires, then the page leaves the login flow.
		page.sendRequest(requestEvent("https://unite.nike.com/login", nil,
			`{"username":"user@example.com","password":"pw"}`))
		page.sendRequest(requestEvent("https://api.nike.com/me",
			map[string]interface{}{"Authorization": "Bearer abc123"}, ""))
		return nil
	}

	orch := NewOrchestrator(page, testOptions(), zaptest.NewLogger(t))
	result, err := orch.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, result.Email)
	require.NotNil(t, result.Token)
	require.NotNil(t, result.Username)
	assert.Equal(t, "user@example.com", *result.Email)
	assert.Equal(t, SourceNetwork, result.EmailSource)
	assert.Equal(t, "Bearer abc123", *result.Token)
	assert.Equal(t, "Runner A", *result.Username)
	assert.True(t, result.Complete())

	assert.Equal(t, PhaseDone, orch.Phase())
	assert.Equal(t, 1, page.closeCount())

	// Login page first, profile page second.
	require.Len(t, page.navigated, 2)
	assert.Equal(t, "https://www.nike.com/login", page.navigated[0])
	assert.Equal(t, "https://www.nike.com/member/profile", page.navigated[1])
}

func TestRunUsernameFailureDegradesGracefully(t *testing.T) {
	page := &fakePage{
		waitNavFn: func(ctx context.Context, loginPrefix string) error { return nil },
		textFn: func(ctx context.Context, selector string) (string, error) {
			return "", fmt.Errorf("node not found")
		},
	}

	orch := NewOrchestrator(page, testOptions(), zaptest.NewLogger(t))
	result, err := orch.Run(context.Background())

	require.NoError(t, err)
	assert.Nil(t, result.Username)
	assert.Equal(t, PhaseDone, orch.Phase())
}

func TestNewOrchestratorDefaults(t *testing.T) {
	orch := NewOrchestrator(&fakePage{}, Options{LoginURL: "https://example.com/login"}, zaptest.NewLogger(t))

	assert.Equal(t, 60*time.Second, orch.opts.FormWaitTimeout)
	assert.Equal(t, []string{"login", "check", "unite"}, orch.opts.LoginPathMarkers)
	assert.Equal(t, []string{"username", "emailAddress", "credential"}, orch.opts.EmailFields)
	assert.Equal(t, PhaseInit, orch.Phase())
}
