package login

import (
	"bytes"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kuitang/storefront-e2e/internal/artifacts"
	"github.com/kuitang/storefront-e2e/internal/mockstore"
	"github.com/kuitang/storefront-e2e/internal/netwatch"
	"github.com/kuitang/storefront-e2e/internal/obs"
	"github.com/kuitang/storefront-e2e/internal/storefront"
	"github.com/kuitang/storefront-e2e/tests/browser/testutil"
)

func TestMain(m *testing.M) {
	testutil.Main(m)
}

func setup(t *testing.T) *testutil.Env {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	env := testutil.SetupEnv(t)
	env.InitBrowser(t)
	return env
}

func TestAuthentication(t *testing.T) {
	env := setup(t)

	t.Run("should successfully log in with valid credentials", func(t *testing.T) {
		sess := env.NewSession(t)
		valid := env.Fixture.ValidUser()

		require.NoError(t, sess.Login(env.Context(t), valid.Username, valid.Password))
		require.NoError(t, sess.OpenProfile())
		require.Contains(t, sess.CurrentURL(), storefront.ProfilePathFragment)
	})

	t.Run("should display error message with invalid credentials", func(t *testing.T) {
		sess := env.NewSession(t)
		invalid := env.Fixture.InvalidUser()
		w := sess.Watcher()

		require.NoError(t, w.Intercept(storefront.AliasLoginAttempt, netwatch.Route{Method: "POST", URL: storefront.AuthenticateURLGlob}))
		require.NoError(t, sess.OpenLoginForm())
		require.NoError(t, sess.FillCredentials(invalid.Username, invalid.Password))
		require.NoError(t, sess.Submit())

		_, err := w.Wait(env.Context(t), env.Config.LoginTimeout, storefront.AliasLoginAttempt)
		require.NoError(t, err)
		require.NoError(t, sess.WaitForURLContains(env.Config.AuthenticatePath()))

		banner, err := sess.ErrorBanner()
		require.NoError(t, err)
		require.Contains(t, banner, storefront.InvalidCredentialsMessage)
	})

	t.Run("should show validation errors for empty fields", func(t *testing.T) {
		sess := env.NewSession(t)

		require.NoError(t, sess.OpenLoginForm())
		require.NoError(t, sess.Submit())

		banner, err := sess.ErrorBanner()
		require.NoError(t, err)
		require.Contains(t, banner, storefront.InvalidCredentialsMessage)
	})
}

func TestAuthentication_PasswordVisibilityToggle(t *testing.T) {
	env := setup(t)
	env.RequireHermetic(t)
	sess := env.NewSession(t)

	require.NoError(t, sess.OpenLoginForm())
	require.NoError(t, sess.FillCredentials("someone@example.com", "hunter2hunter2"))

	typ, err := sess.PasswordFieldType()
	require.NoError(t, err)
	require.Equal(t, "password", typ)

	require.NoError(t, sess.TogglePasswordVisibility())
	typ, err = sess.PasswordFieldType()
	require.NoError(t, err)
	require.Equal(t, "text", typ)

	require.NoError(t, sess.TogglePasswordVisibility())
	typ, err = sess.PasswordFieldType()
	require.NoError(t, err)
	require.Equal(t, "password", typ)
}

func TestAuthentication_UncaughtExceptionIsSuppressed(t *testing.T) {
	env := setup(t)
	env.RequireHermetic(t)
	sess := env.NewSession(t)

	before := len(env.Exceptions.Errors())
	require.NoError(t, sess.Visit(env.Config.LandingPath))
	require.Eventually(t, func() bool {
		return len(env.Exceptions.Errors()) > before
	}, 5*time.Second, 50*time.Millisecond, "tag exception was not observed")

	latest := env.Exceptions.Errors()[len(env.Exceptions.Errors())-1]
	require.Contains(t, latest.Message, mockstore.DefaultTagError)

	// The page keeps working after the exception.
	require.NoError(t, sess.OpenLoginForm())
}

// syncBuffer is written from Playwright's event goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAuthentication_TokenCallIsRedacted(t *testing.T) {
	env := setup(t)
	env.RequireHermetic(t)

	var logs syncBuffer
	restore := obs.SetOutputForTests(&logs)
	defer restore()

	sess := env.NewSession(t)
	valid := env.Fixture.ValidUser()
	require.NoError(t, sess.Login(env.Context(t), valid.Username, valid.Password))

	calls := sess.Watcher().Calls(storefront.AliasAuthToken)
	require.NotEmpty(t, calls)
	form, err := url.ParseQuery(calls[0].RequestBody)
	require.NoError(t, err)
	code, verifier := form.Get("code"), form.Get("code_verifier")
	require.NotEmpty(t, code)
	require.NotEmpty(t, verifier)

	entry := artifacts.RedactCall(storefront.AliasAuthToken, calls[0])
	require.Contains(t, entry.Body, "grant_type=authorization_code")
	require.NotContains(t, entry.Body, code)
	require.NotContains(t, entry.Body, verifier)

	out := logs.String()
	require.Contains(t, out, `"alias_matched"`)
	require.False(t, strings.Contains(out, verifier), "code_verifier leaked into logs")
	require.False(t, strings.Contains(out, valid.Password), "password leaked into logs")
}
