// Package testutil provides the shared environment for the storefront browser
// suites: configuration, the credential fixture, the in-process application
// double when running hermetically, and one Playwright browser per package.
package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/storefront-e2e/internal/artifacts"
	"github.com/kuitang/storefront-e2e/internal/config"
	"github.com/kuitang/storefront-e2e/internal/fixture"
	"github.com/kuitang/storefront-e2e/internal/mockidp"
	"github.com/kuitang/storefront-e2e/internal/mockstore"
	"github.com/kuitang/storefront-e2e/internal/obs"
	"github.com/kuitang/storefront-e2e/internal/storefront"
)

// HermeticBanner is the realm banner the double shows above the login form.
const HermeticBanner = "You are signing in to the **staging** storefront. Test accounts only."

var (
	sharedMu  sync.Mutex
	sharedEnv *Env
)

// Env is the environment shared by every test in a package.
type Env struct {
	Config     *config.Config
	Fixture    *fixture.Fixture
	BaseURL    string
	Double     *mockstore.Double // nil against a real storefront
	Exceptions *storefront.ExceptionFilter
	Artifacts  *artifacts.Recorder

	server *httptest.Server

	browserMu sync.Mutex
	pw        *playwright.Playwright
	browser   playwright.Browser
}

// SetupEnv returns the shared environment, creating it on first use.
func SetupEnv(t *testing.T) *Env {
	t.Helper()

	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedEnv != nil {
		return sharedEnv
	}
	env, err := newEnv()
	if err != nil {
		t.Fatalf("browser environment: %v", err)
	}
	sharedEnv = env
	return env
}

func newEnv() (*Env, error) {
	obs.Init()

	cfg, err := config.LoadConfig(config.Flags{})
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.FixturesDir) {
		cfg.FixturesDir = filepath.Join(RepositoryRoot(), cfg.FixturesDir)
	}
	fx, err := fixture.Load(cfg.FixturesDir, cfg.FixtureName)
	if err != nil {
		return nil, err
	}
	recorder, err := artifacts.FromConfig(context.Background(), *cfg)
	if err != nil {
		return nil, err
	}

	env := &Env{
		Config:     cfg,
		Fixture:    fx,
		BaseURL:    cfg.BaseURL,
		Exceptions: storefront.NewExceptionFilter(),
		Artifacts:  recorder,
	}
	if cfg.Hermetic {
		if err := env.startDouble(); err != nil {
			return nil, err
		}
	}
	return env, nil
}

func (env *Env) startDouble() error {
	double, err := mockstore.NewDouble(mockstore.DoubleConfig{
		Realm:       env.Config.Realm,
		LandingPath: env.Config.LandingPath,
		LoginBanner: HermeticBanner,
		TagError:    mockstore.DefaultTagError,
	})
	if err != nil {
		return fmt.Errorf("start application double: %w", err)
	}
	server := httptest.NewServer(double.Handler())
	double.SetBaseURL(server.URL)

	valid := env.Fixture.ValidUser()
	if err := double.AddUser(valid.Username, valid.Password, mockidp.Profile{FirstName: "E2E", LastName: "Shopper"}); err != nil {
		server.Close()
		double.Close()
		return fmt.Errorf("seed valid user: %w", err)
	}

	env.Double = double
	env.server = server
	env.BaseURL = server.URL
	env.Config.BaseURL = server.URL
	return nil
}

// RequireHermetic skips tests that only make sense against the double.
func (env *Env) RequireHermetic(t *testing.T) {
	t.Helper()
	if env.Double == nil {
		t.Skip("requires the in-process application double (STOREFRONT_HERMETIC=true)")
	}
}

// InitBrowser starts Playwright and launches Chromium once per package.
// Skips the test if Playwright is not installed.
func (env *Env) InitBrowser(t *testing.T) {
	t.Helper()

	env.browserMu.Lock()
	defer env.browserMu.Unlock()
	if env.browser != nil {
		return
	}

	pw, err := playwright.Run()
	if err != nil {
		t.Skip("Playwright not available:", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(env.Config.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		t.Skip("Could not launch browser:", err)
	}
	env.pw = pw
	env.browser = browser
}

// Context returns a context carrying the test name for log correlation.
func (env *Env) Context(t *testing.T) context.Context {
	return obs.WithTestName(context.Background(), t.Name())
}

// NewSession opens a fresh browser context sized to the configured viewport,
// registers the exception filter, resets storefront state and returns the
// session. On test failure a screenshot and the redacted network log are
// kept as artifacts.
func (env *Env) NewSession(t *testing.T) *storefront.Session {
	t.Helper()

	bctx, err := env.browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: env.Config.ViewportWidth, Height: env.Config.ViewportHeight},
		BaseURL:  playwright.String(env.BaseURL),
	})
	if err != nil {
		t.Fatalf("could not create browser context: %v", err)
	}
	bctx.SetDefaultTimeout(env.Config.DefaultCommandTimeoutMS())
	bctx.SetDefaultNavigationTimeout(env.Config.DefaultCommandTimeoutMS())

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		t.Fatalf("could not create page: %v", err)
	}
	env.Exceptions.Attach(page)

	sess := storefront.NewSession(page, storefront.Options{
		BaseURL:       env.BaseURL,
		LandingPath:   env.Config.LandingPath,
		LoginTimeout:  env.Config.LoginTimeout,
		ActionTimeout: env.Config.DefaultCommandTimeout,
	})
	t.Cleanup(func() {
		if t.Failed() {
			env.captureFailure(t, sess)
		}
		_ = bctx.Close()
	})

	if err := sess.Reset(env.Context(t)); err != nil {
		t.Fatalf("reset storefront session: %v", err)
	}
	return sess
}

var failureAliases = []string{
	storefront.AliasAuthToken,
	storefront.AliasUserSession,
	storefront.AliasCartData,
	storefront.AliasLoginAttempt,
}

func (env *Env) captureFailure(t *testing.T, sess *storefront.Session) {
	if !env.Artifacts.Enabled() {
		return
	}
	ctx := env.Context(t)
	if png, err := sess.Screenshot(); err != nil {
		t.Logf("screenshot failed: %v", err)
	} else if locations, err := env.Artifacts.SaveScreenshot(ctx, t.Name(), png); err != nil {
		t.Logf("saving screenshot failed: %v", err)
	} else {
		t.Logf("screenshot: %s", strings.Join(locations, ", "))
	}
	if locations, err := env.Artifacts.SaveNetworkLog(ctx, t.Name(), sess.Watcher(), failureAliases...); err != nil {
		t.Logf("saving network log failed: %v", err)
	} else {
		t.Logf("network log: %s", strings.Join(locations, ", "))
	}
}

// Cleanup tears down the shared environment. Call it from TestMain.
func Cleanup() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedEnv == nil {
		return
	}
	if sharedEnv.browser != nil {
		_ = sharedEnv.browser.Close()
	}
	if sharedEnv.pw != nil {
		_ = sharedEnv.pw.Stop()
	}
	if sharedEnv.server != nil {
		sharedEnv.server.Close()
	}
	if sharedEnv.Double != nil {
		sharedEnv.Double.Close()
	}
	sharedEnv = nil
}

// Main runs a browser test package and cleans up afterwards.
func Main(m *testing.M) {
	code := m.Run()
	Cleanup()
	os.Exit(code)
}

// RepositoryRoot is the module root, resolved from this file's location.
func RepositoryRoot() string {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		panic("failed to resolve repository root for browser test utilities")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", "..", ".."))
}
