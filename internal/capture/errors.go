// internal/capture/errors.go
package capture

import (
	"fmt"
	"time"
)

// SessionLaunchError indicates the browser process could not be started or
// attached to. It is fatal; there is no session to retry against.
type SessionLaunchError struct {
	Err error
}

func (e *SessionLaunchError) Error() string {
	return fmt.Sprintf("launching browser session: %v", e.Err)
}

func (e *SessionLaunchError) Unwrap() error { return e.Err }

// FormNotFoundError indicates the login form never became visible within the
// configured wait. The login page loaded something, just not the form we need.
type FormNotFoundError struct {
	Selector string
	Wait     time.Duration
}

func (e *FormNotFoundError) Error() string {
	return fmt.Sprintf("login form %q did not appear within %s", e.Selector, e.Wait)
}

// NavigationTimeoutError indicates the user did not complete the login before
// the caller's ceiling expired. Only raised when a ceiling was configured;
// with no ceiling the wait is unbounded.
type NavigationTimeoutError struct {
	Wait time.Duration
}

func (e *NavigationTimeoutError) Error() string {
	return fmt.Sprintf("login was not completed within %s", e.Wait)
}
