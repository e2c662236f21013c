// Package storefront drives the storefront UI through Playwright: resetting
// browser state, opening the login form, and the full login flow with its
// network waits.
package storefront

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/storefront-e2e/internal/errs"
	"github.com/kuitang/storefront-e2e/internal/netwatch"
	"github.com/kuitang/storefront-e2e/internal/obs"
	"github.com/kuitang/storefront-e2e/internal/urlutil"
)

// Options configures a Session.
type Options struct {
	BaseURL     string
	LandingPath string
	// LoginTimeout bounds each network wait of the login flow.
	LoginTimeout time.Duration
	// ActionTimeout bounds element waits and URL checks.
	ActionTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.LandingPath == "" {
		o.LandingPath = "/us/en"
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = 10 * time.Second
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 10 * time.Second
	}
}

// Session is one page of the storefront.
type Session struct {
	page    playwright.Page
	watcher *netwatch.Watcher
	opts    Options
}

// NewSession wraps page and starts recording its network traffic.
func NewSession(page playwright.Page, opts Options) *Session {
	opts.applyDefaults()
	w := netwatch.NewWatcher()
	netwatch.Attach(page, w)
	return &Session{
		page:    page,
		watcher: w,
		opts:    opts,
	}
}

// Page returns the underlying page.
func (s *Session) Page() playwright.Page { return s.page }

// Watcher returns the page's alias registry.
func (s *Session) Watcher() *netwatch.Watcher { return s.watcher }

// URL resolves path against the base URL. Without a base URL the path stays
// relative to the browser context's base URL.
func (s *Session) URL(path string) string {
	return urlutil.Join(s.opts.BaseURL, path)
}

// Visit navigates to path and waits for DOMContentLoaded.
func (s *Session) Visit(path string) error {
	_, err := s.page.Goto(s.URL(path), playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return errs.Wrap(errs.Unavailable, fmt.Sprintf("storefront: visit %s", path), err)
	}
	return nil
}

// Reset clears cookies and storage, drops registered aliases and opens the
// landing page.
func (s *Session) Reset(ctx context.Context) error {
	s.watcher.Reset()
	if err := s.page.Context().ClearCookies(); err != nil {
		return fmt.Errorf("storefront: clear cookies: %w", err)
	}
	// Storage is per origin, so it can only be cleared from a page on it.
	if err := s.Visit(s.opts.LandingPath); err != nil {
		return err
	}
	if _, err := s.page.Evaluate(`() => { localStorage.clear(); sessionStorage.clear(); }`); err != nil {
		return fmt.Errorf("storefront: clear storage: %w", err)
	}
	if err := s.Visit(s.opts.LandingPath); err != nil {
		return err
	}
	obs.From(ctx).Debug("session_reset", "url", s.page.URL())
	return nil
}

func (s *Session) waitVisible(selector string) (playwright.Locator, error) {
	loc := s.page.Locator(selector).First()
	err := loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(s.opts.ActionTimeout.Milliseconds())),
	})
	if err != nil {
		return nil, errs.Wrap(errs.DeadlineExceeded, fmt.Sprintf("storefront: %s not visible", selector), err)
	}
	return loc, nil
}

func (s *Session) click(selector string) error {
	loc, err := s.waitVisible(selector)
	if err != nil {
		return err
	}
	if err := loc.Click(); err != nil {
		return fmt.Errorf("storefront: click %s: %w", selector, err)
	}
	return nil
}

func (s *Session) fill(selector, value string) error {
	loc, err := s.waitVisible(selector)
	if err != nil {
		return err
	}
	if err := loc.Fill(value); err != nil {
		return fmt.Errorf("storefront: fill %s: %w", selector, err)
	}
	return nil
}

// OpenLoginForm clicks the account button and waits for the login form.
func (s *Session) OpenLoginForm() error {
	if err := s.click(AccountMenuButton); err != nil {
		return err
	}
	_, err := s.waitVisible(UsernameInput)
	return err
}

// FillCredentials types into the username and password fields.
func (s *Session) FillCredentials(username, password string) error {
	if err := s.fill(UsernameInput, username); err != nil {
		return err
	}
	return s.fill(PasswordInput, password)
}

// TogglePasswordVisibility clicks the show/hide control.
func (s *Session) TogglePasswordVisibility() error {
	return s.click(PasswordToggle)
}

// PasswordFieldType returns the password input's type attribute.
func (s *Session) PasswordFieldType() (string, error) {
	loc, err := s.waitVisible(PasswordInput)
	if err != nil {
		return "", err
	}
	typ, err := loc.GetAttribute("type")
	if err != nil {
		return "", fmt.Errorf("storefront: read password type: %w", err)
	}
	return typ, nil
}

// Submit clicks the login button.
func (s *Session) Submit() error {
	return s.click(LoginSubmit)
}

// LoginRoutes are the aliases the login flow waits on.
func LoginRoutes() map[string]netwatch.Route {
	return map[string]netwatch.Route{
		AliasAuthToken:   {Method: "POST", URL: TokenURLGlob},
		AliasUserSession: {Method: "GET", URL: UserSessionURLGlob},
		AliasCartData:    {Method: "GET", URL: CartDataURLGlob},
	}
}

// Login signs in through the account menu and returns once the token
// exchange and the session and cart queries have been observed and the
// storefront is showing the signed-in account button.
func (s *Session) Login(ctx context.Context, username, password string) error {
	log := obs.From(ctx)
	for name, route := range LoginRoutes() {
		if err := s.watcher.Intercept(name, route); err != nil {
			return err
		}
	}

	if err := s.OpenLoginForm(); err != nil {
		return fmt.Errorf("storefront: login: %w", err)
	}
	if err := s.FillCredentials(username, password); err != nil {
		return fmt.Errorf("storefront: login: %w", err)
	}
	if err := s.TogglePasswordVisibility(); err != nil {
		return fmt.Errorf("storefront: login: %w", err)
	}
	if err := s.Submit(); err != nil {
		return fmt.Errorf("storefront: login: %w", err)
	}

	calls, err := s.watcher.Wait(ctx, s.opts.LoginTimeout, AliasAuthToken, AliasUserSession)
	if err != nil {
		obs.From(obs.WithAlias(ctx, AliasAuthToken+"+"+AliasUserSession)).Warn("login_wait_failed", "error", err)
		return fmt.Errorf("storefront: login: %w", err)
	}
	if _, err := s.watcher.Wait(ctx, s.opts.LoginTimeout, AliasCartData); err != nil {
		obs.From(obs.WithAlias(ctx, AliasCartData)).Warn("login_wait_failed", "error", err)
		return fmt.Errorf("storefront: login: %w", err)
	}
	log.Info("login_observed", "token_status", calls[0].Status, "session_status", calls[1].Status)

	if err := s.WaitForURLContains(s.opts.LandingPath); err != nil {
		return fmt.Errorf("storefront: login: %w", err)
	}
	if _, err := s.waitVisible(AccountMenuButton); err != nil {
		return fmt.Errorf("storefront: login: %w", err)
	}
	return nil
}

// OpenProfile opens the account menu and follows the profile link.
func (s *Session) OpenProfile() error {
	if err := s.click(AccountMenuButton); err != nil {
		return err
	}
	if err := s.click(ProfileLink); err != nil {
		return err
	}
	return s.WaitForURLContains(ProfilePathFragment)
}

// ErrorBanner waits for the login error alert and returns its text.
func (s *Session) ErrorBanner() (string, error) {
	loc, err := s.waitVisible(ErrorAlert)
	if err != nil {
		return "", err
	}
	text, err := loc.TextContent()
	if err != nil {
		return "", fmt.Errorf("storefront: read error banner: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// CurrentURL is the page URL.
func (s *Session) CurrentURL() string {
	return s.page.URL()
}

// WaitForURLContains waits until the page URL contains fragment.
func (s *Session) WaitForURLContains(fragment string) error {
	if strings.Contains(s.page.URL(), fragment) {
		return nil
	}
	err := s.page.WaitForURL(regexp.MustCompile(regexp.QuoteMeta(fragment)), playwright.PageWaitForURLOptions{
		Timeout:   playwright.Float(float64(s.opts.ActionTimeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateCommit,
	})
	if err != nil {
		return errs.Wrap(errs.DeadlineExceeded,
			fmt.Sprintf("storefront: url %q does not contain %q", s.page.URL(), fragment), err)
	}
	return nil
}

// Screenshot captures the full page as PNG.
func (s *Session) Screenshot() ([]byte, error) {
	png, err := s.page.Screenshot(playwright.PageScreenshotOptions{FullPage: playwright.Bool(true)})
	if err != nil {
		return nil, fmt.Errorf("storefront: screenshot: %w", err)
	}
	return png, nil
}
