// Package config loads the suite configuration: which storefront to drive,
// how long to wait for it, what viewport to emulate and which credential
// fixture to load. Values come from environment variables, optionally
// overridden by CLI flags, and are validated as a whole so one run reports
// every problem at once.
//
// When no base URL is configured the suite runs hermetically against the
// in-process application double and the base URL is filled in once the
// double is listening.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/storefront-e2e/internal/urlutil"
)

const (
	// DefaultBaseURL is the staging storefront the suite targets when not hermetic.
	DefaultBaseURL = "https://stg2.rhnonprod.com"

	DefaultCommandTimeout = 10 * time.Second
	DefaultLoginTimeout   = 10 * time.Second
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultFixtureName    = "config"
	DefaultFixturesDir    = "tests/browser/fixtures"
	DefaultLandingPath    = "/us/en"
	DefaultRealm          = "staging"
)

// Config holds all suite configuration.
type Config struct {
	BaseURL  string
	Hermetic bool // serve the application double in-process
	Headless bool

	DefaultCommandTimeout time.Duration
	LoginTimeout          time.Duration // bound for each wait on intercepted calls
	ViewportWidth         int
	ViewportHeight        int

	FixtureName string
	FixturesDir string
	LandingPath string
	Realm       string

	// Failure artifacts. ArtifactsDir keeps screenshots locally; a bucket
	// name switches uploads to S3.
	ArtifactsDir       string
	ArtifactsBucket    string
	AWSEndpointS3      string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
}

// Flags are the CLI overrides. Zero values mean "not set".
type Flags struct {
	BaseURL  string
	Fixture  string
	Hermetic string // "", "true" or "false"
	Realm    string
	Addr     string // only used by cmd/mockstore
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// ParseFlags registers the suite flags on fs and parses args.
func ParseFlags(fs *flag.FlagSet, args []string) (Flags, error) {
	var f Flags
	fs.StringVar(&f.BaseURL, "base-url", "", "Storefront base URL (overrides STOREFRONT_BASE_URL)")
	fs.StringVar(&f.Fixture, "fixture", "", "Credential fixture name (overrides FIXTURE_NAME)")
	fs.StringVar(&f.Hermetic, "hermetic", "", "Run against the in-process application double (true/false)")
	fs.StringVar(&f.Realm, "realm", "", "Identity realm (overrides AUTH_REALM)")
	fs.StringVar(&f.Addr, "addr", "", "Listen address for the application double")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// LoadConfig loads configuration from the environment and applies flag overrides.
func LoadConfig(flags Flags) (*Config, error) {
	cfg := &Config{}

	cfg.BaseURL = strings.TrimRight(getEnvOrDefault("STOREFRONT_BASE_URL", ""), "/")
	if flags.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(strings.TrimSpace(flags.BaseURL), "/")
	}
	cfg.Hermetic = parseBoolOrDefault("STOREFRONT_HERMETIC", cfg.BaseURL == "")
	if flags.Hermetic != "" {
		parsed, err := strconv.ParseBool(flags.Hermetic)
		if err != nil {
			return nil, &ValidationError{Errors: []string{fmt.Sprintf("--hermetic must be a boolean, got %q", flags.Hermetic)}}
		}
		cfg.Hermetic = parsed
	}
	if !cfg.Hermetic && cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.Headless = parseBoolOrDefault("HEADLESS", true)

	cfg.DefaultCommandTimeout = parseDurationOrDefault("DEFAULT_COMMAND_TIMEOUT", DefaultCommandTimeout)
	cfg.LoginTimeout = parseDurationOrDefault("LOGIN_WAIT_TIMEOUT", DefaultLoginTimeout)
	cfg.ViewportWidth = parseIntOrDefault("VIEWPORT_WIDTH", DefaultViewportWidth)
	cfg.ViewportHeight = parseIntOrDefault("VIEWPORT_HEIGHT", DefaultViewportHeight)

	cfg.FixtureName = getEnvOrDefault("FIXTURE_NAME", DefaultFixtureName)
	if flags.Fixture != "" {
		cfg.FixtureName = strings.TrimSpace(flags.Fixture)
	}
	cfg.FixturesDir = getEnvOrDefault("FIXTURES_DIR", DefaultFixturesDir)
	cfg.LandingPath = getEnvOrDefault("LANDING_PATH", DefaultLandingPath)
	cfg.Realm = getEnvOrDefault("AUTH_REALM", DefaultRealm)
	if flags.Realm != "" {
		cfg.Realm = strings.TrimSpace(flags.Realm)
	}

	cfg.ArtifactsDir = getEnvOrDefault("ARTIFACTS_DIR", "")
	cfg.ArtifactsBucket = getEnvOrDefault("ARTIFACTS_BUCKET", "")
	cfg.AWSEndpointS3 = getEnvOrDefault("AWS_ENDPOINT_URL_S3", "")
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", "us-east-1")
	cfg.AWSAccessKeyID = getEnvOrDefault("AWS_ACCESS_KEY_ID", "")
	cfg.AWSSecretAccessKey = getEnvOrDefault("AWS_SECRET_ACCESS_KEY", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	if c.BaseURL == "" {
		if !c.Hermetic {
			errs = append(errs, "STOREFRONT_BASE_URL is required when STOREFRONT_HERMETIC=false")
		}
	} else if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("STOREFRONT_BASE_URL must be an absolute http(s) URL, got %q", c.BaseURL))
	}

	if c.DefaultCommandTimeout <= 0 {
		errs = append(errs, "DEFAULT_COMMAND_TIMEOUT must be positive")
	}
	if c.LoginTimeout <= 0 {
		errs = append(errs, "LOGIN_WAIT_TIMEOUT must be positive")
	}
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 {
		errs = append(errs, "VIEWPORT_WIDTH and VIEWPORT_HEIGHT must be positive")
	}
	if strings.TrimSpace(c.FixtureName) == "" {
		errs = append(errs, "FIXTURE_NAME must not be empty")
	} else if strings.ContainsAny(c.FixtureName, `/\`) {
		errs = append(errs, "FIXTURE_NAME must be a bare name, not a path")
	}
	if !strings.HasPrefix(c.LandingPath, "/") {
		errs = append(errs, "LANDING_PATH must start with /")
	}
	if strings.TrimSpace(c.Realm) == "" {
		errs = append(errs, "AUTH_REALM must not be empty")
	}

	if c.ArtifactsBucket != "" {
		if c.AWSAccessKeyID == "" {
			errs = append(errs, "AWS_ACCESS_KEY_ID is required when ARTIFACTS_BUCKET is set")
		}
		if c.AWSSecretAccessKey == "" {
			errs = append(errs, "AWS_SECRET_ACCESS_KEY is required when ARTIFACTS_BUCKET is set")
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// URL joins a path onto the base URL.
func (c *Config) URL(path string) string {
	return urlutil.Join(c.BaseURL, path)
}

// DefaultCommandTimeoutMS is the Playwright default timeout in milliseconds.
func (c *Config) DefaultCommandTimeoutMS() float64 {
	return float64(c.DefaultCommandTimeout.Milliseconds())
}

// AuthenticatePath is the credential post path for the configured realm.
func (c *Config) AuthenticatePath() string {
	return "/auth/realms/" + c.Realm + "/login-actions/authenticate"
}

// PrintStartupSummary prints a human-readable summary of the configuration.
func (c *Config) PrintStartupSummary(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "storefront auth suite")
	if c.Hermetic {
		fmt.Fprintln(w, "  Target:    application double (hermetic)")
	} else {
		fmt.Fprintf(w, "  Target:    %s\n", c.BaseURL)
	}
	fmt.Fprintf(w, "  Realm:     %s\n", c.Realm)
	fmt.Fprintf(w, "  Fixture:   %s/%s.json\n", c.FixturesDir, c.FixtureName)
	fmt.Fprintf(w, "  Viewport:  %dx%d\n", c.ViewportWidth, c.ViewportHeight)
	fmt.Fprintf(w, "  Timeouts:  command=%s login=%s\n", c.DefaultCommandTimeout, c.LoginTimeout)
	switch {
	case c.ArtifactsBucket != "":
		fmt.Fprintf(w, "  Artifacts: s3://%s\n", c.ArtifactsBucket)
	case c.ArtifactsDir != "":
		fmt.Fprintf(w, "  Artifacts: %s\n", c.ArtifactsDir)
	default:
		fmt.Fprintln(w, "  Artifacts: disabled")
	}
	fmt.Fprintln(w, "")
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// MustLoadConfig loads configuration and panics if validation fails.
func MustLoadConfig(flags Flags) *Config {
	cfg, err := LoadConfig(flags)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			panic(fmt.Sprintf("Configuration validation failed:\n  - %s", strings.Join(validationErr.Errors, "\n  - ")))
		}
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	return cfg
}
