// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chrome instance the capture flow drives.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	ProfileDir      string         `mapstructure:"profile_dir" yaml:"profile_dir"`
	DisableCache    bool           `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug           bool           `mapstructure:"debug" yaml:"debug"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        map[string]int `mapstructure:"viewport" yaml:"viewport"`
}

// CaptureConfig tunes the interactive login capture flow. Selectors, hosts and
// field names live here rather than in code so a partner-side markup change is
// a config edit, not a release.
type CaptureConfig struct {
	LoginURL         string   `mapstructure:"login_url" yaml:"login_url"`
	ProfileURL       string   `mapstructure:"profile_url" yaml:"profile_url"`
	EmailSelector    string   `mapstructure:"email_selector" yaml:"email_selector"`
	UsernameSelector string   `mapstructure:"username_selector" yaml:"username_selector"`
	APIHosts         []string `mapstructure:"api_hosts" yaml:"api_hosts"`
	// MatchSiblingHosts extends api_hosts to hosts sharing a registrable
	// domain with a configured entry. Off by default; the token must come
	// from a host named in api_hosts.
	MatchSiblingHosts bool     `mapstructure:"match_sibling_hosts" yaml:"match_sibling_hosts"`
	LoginPathMarkers  []string `mapstructure:"login_path_markers" yaml:"login_path_markers"`
	EmailFields       []string `mapstructure:"email_fields" yaml:"email_fields"`
	StorageEmailKeys  []string `mapstructure:"storage_email_keys" yaml:"storage_email_keys"`
	// FormWaitTimeout bounds how long we wait for the login form to render.
	FormWaitTimeout time.Duration `mapstructure:"form_wait_timeout" yaml:"form_wait_timeout"`
	// NavigationTimeout bounds the wait for the user to finish logging in.
	// Zero means wait indefinitely; interactive logins can take minutes.
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// OutputConfig controls where the capture result is written.
type OutputConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Format string `mapstructure:"format" yaml:"format"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "fitbridge")
	v.SetDefault("logger.log_file", "fitbridge.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	// The user has to type a password into this browser, so headful is the default.
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.profile_dir", "")
	v.SetDefault("browser.disable_cache", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 860})

	// -- Capture --
	v.SetDefault("capture.login_url", "https://www.nike.com/login")
	v.SetDefault("capture.profile_url", "https://www.nike.com/member/profile")
	v.SetDefault("capture.email_selector", `input[name="emailAddress"], input[type="email"]`)
	v.SetDefault("capture.username_selector", `[data-testid="user-name"], .member-name`)
	v.SetDefault("capture.api_hosts", []string{"api.nike.com", "unite.nike.com"})
	v.SetDefault("capture.match_sibling_hosts", false)
	v.SetDefault("capture.login_path_markers", []string{"login", "check", "unite"})
	v.SetDefault("capture.email_fields", []string{"username", "emailAddress", "credential"})
	v.SetDefault("capture.storage_email_keys", []string{"emailAddress", "email"})
	v.SetDefault("capture.form_wait_timeout", "60s")
	v.SetDefault("capture.navigation_timeout", "0s")

	// -- Output --
	v.SetDefault("output.path", "")
	v.SetDefault("output.format", "json")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Capture.LoginURL == "" {
		return fmt.Errorf("capture.login_url is a required configuration field")
	}
	if c.Capture.EmailSelector == "" {
		return fmt.Errorf("capture.email_selector is a required configuration field")
	}
	if c.Capture.FormWaitTimeout <= 0 {
		return fmt.Errorf("capture.form_wait_timeout must be a positive duration")
	}
	if c.Capture.NavigationTimeout < 0 {
		return fmt.Errorf("capture.navigation_timeout must not be negative")
	}
	if len(c.Capture.APIHosts) == 0 {
		return fmt.Errorf("capture.api_hosts must name at least one host")
	}
	switch c.Output.Format {
	case "", "json":
	default:
		return fmt.Errorf("output.format %q is not supported", c.Output.Format)
	}
	return nil
}
