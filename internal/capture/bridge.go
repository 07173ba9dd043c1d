// internal/capture/bridge.go
package capture

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

//go:embed bridge.js
var bridgeScriptTemplate string

// BindingName is the host callback the injected script reports through.
const BindingName = "__fitbridge_email"

// Bridge captures the email straight out of the login form DOM. It exposes a
// host binding in the page and injects a script that reads the email input on
// submit, click and mousedown, covering flows where the login request body is
// opaque to the network interceptor.
type Bridge struct {
	state  *State
	logger *zap.Logger
}

// NewBridge creates a bridge writing into state.
func NewBridge(state *State, logger *zap.Logger) *Bridge {
	return &Bridge{
		state:  state,
		logger: logger.Named("bridge"),
	}
}

// Install exposes the host callback and injects the listener script. The
// script is registered for new documents as well, so it survives the
// sub-navigations a multi-step login flow performs.
func (b *Bridge) Install(ctx context.Context, page Page, emailSelector string) error {
	if err := page.InstallBinding(ctx, BindingName, b.handleEmail); err != nil {
		return fmt.Errorf("exposing form callback: %w", err)
	}
	if err := page.InjectScript(ctx, renderBridgeScript(emailSelector)); err != nil {
		return fmt.Errorf("injecting form listeners: %w", err)
	}
	b.logger.Debug("Form listeners installed.", zap.String("selector", emailSelector))
	return nil
}

// handleEmail receives the raw binding payload from the page.
func (b *Bridge) handleEmail(payload string) {
	value := strings.TrimSpace(payload)
	if value == "" {
		return
	}
	if b.state.SetEmail(SourceBridge, value) {
		b.logger.Info("Captured email from login form.")
	}
}

// renderBridgeScript fills the selector and binding name into the template.
// Both are quoted so arbitrary selector strings cannot escape into the script.
func renderBridgeScript(emailSelector string) string {
	script := strings.ReplaceAll(bridgeScriptTemplate, "__SELECTOR__", strconv.Quote(emailSelector))
	return strings.ReplaceAll(script, "__BINDING__", strconv.Quote(BindingName))
}
