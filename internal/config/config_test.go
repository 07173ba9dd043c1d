// File: internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NotNil(t, cfg)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "fitbridge", cfg.Logger.ServiceName)
	assert.Equal(t, "info", cfg.Logger.Level)

	// A human types a password into this browser; headful by default.
	assert.False(t, cfg.Browser.Headless)

	assert.Equal(t, 60*time.Second, cfg.Capture.FormWaitTimeout)
	// Zero means the login wait is unbounded.
	assert.Equal(t, time.Duration(0), cfg.Capture.NavigationTimeout)

	// Token capture sticks to the hosts named in api_hosts unless broadened.
	assert.False(t, cfg.Capture.MatchSiblingHosts)

	assert.Equal(t, []string{"login", "check", "unite"}, cfg.Capture.LoginPathMarkers)
	assert.Equal(t, []string{"username", "emailAddress", "credential"}, cfg.Capture.EmailFields)
	assert.NotEmpty(t, cfg.Capture.APIHosts)
	assert.NotEmpty(t, cfg.Capture.LoginURL)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "missing login url",
			mutate:  func(cfg *Config) { cfg.Capture.LoginURL = "" },
			wantErr: "login_url",
		},
		{
			name:    "missing email selector",
			mutate:  func(cfg *Config) { cfg.Capture.EmailSelector = "" },
			wantErr: "email_selector",
		},
		{
			name:    "zero form wait",
			mutate:  func(cfg *Config) { cfg.Capture.FormWaitTimeout = 0 },
			wantErr: "form_wait_timeout",
		},
		{
			name:    "negative navigation timeout",
			mutate:  func(cfg *Config) { cfg.Capture.NavigationTimeout = -time.Second },
			wantErr: "navigation_timeout",
		},
		{
			name:    "no api hosts",
			mutate:  func(cfg *Config) { cfg.Capture.APIHosts = nil },
			wantErr: "api_hosts",
		},
		{
			name:    "unsupported output format",
			mutate:  func(cfg *Config) { cfg.Output.Format = "xml" },
			wantErr: "output.format",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestNewConfigFromViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("capture.navigation_timeout", "5m")
	v.Set("browser.headless", true)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Capture.NavigationTimeout)
	assert.True(t, cfg.Browser.Headless)
}

func TestNewConfigFromViperRejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("capture.login_url", "")

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
