package mockidp

import (
	"context"
	"encoding/json"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"pgregory.net/rapid"

	"github.com/kuitang/storefront-e2e/internal/ratelimit"
)

const (
	testClientID = "storefront-web"
	testPassword = "Storefront!2024"
	testUsername = "e2e.shopper@example.com"
)

// tb is the subset of testing.TB that *rapid.T also satisfies.
type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

type testRealm struct {
	provider *Provider
	server   *httptest.Server
	client   *http.Client
	redirect string
}

func newTestRealm(t testing.TB, cfg Config) *testRealm {
	t.Helper()
	if cfg.RateLimit == (ratelimit.Config{}) {
		cfg.RateLimit = ratelimit.Config{AttemptsPerSecond: 1000, Burst: 1000, CleanupInterval: time.Hour}
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(func() {
		srv.Close()
		p.Close()
	})
	p.SetBaseURL(srv.URL)

	redirect := srv.URL + "/us/en"
	p.RegisterClient(Client{
		ID:           testClientID,
		RedirectURIs: []string{srv.URL + "/us/en*"},
		WebOrigins:   []string{srv.URL},
	})
	if _, err := p.AddUser(testUsername, testPassword, Profile{FirstName: "Ada", LastName: "Shopper"}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	return &testRealm{
		provider: p,
		server:   srv,
		redirect: redirect,
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

var formActionRE = regexp.MustCompile(`action="([^"]+)"`)

// startLogin visits the authorization endpoint and returns the form action.
func (tr *testRealm) startLogin(t tb, verifier, state, nonce string) string {
	t.Helper()
	q := url.Values{}
	q.Set("client_id", testClientID)
	q.Set("redirect_uri", tr.redirect)
	q.Set("response_type", "code")
	q.Set("scope", "openid")
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	q.Set("code_challenge_method", "S256")

	resp, err := tr.client.Get(tr.provider.AuthURL() + "?" + q.Encode())
	if err != nil {
		t.Fatalf("GET auth: %v", err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET auth status = %d, body = %s", resp.StatusCode, body)
	}
	m := formActionRE.FindStringSubmatch(body)
	if m == nil {
		t.Fatalf("login form action not found in %s", body)
	}
	return tr.server.URL + html.UnescapeString(m[1])
}

func (tr *testRealm) submit(t tb, action, username, password string) *http.Response {
	t.Helper()
	resp, err := tr.client.PostForm(action, url.Values{"username": {username}, "password": {password}})
	if err != nil {
		t.Fatalf("POST authenticate: %v", err)
	}
	return resp
}

func (tr *testRealm) exchange(t tb, code, verifier string) (int, map[string]any) {
	t.Helper()
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", testClientID)
	form.Set("redirect_uri", tr.redirect)
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	resp, err := tr.client.PostForm(tr.provider.TokenURL(), form)
	if err != nil {
		t.Fatalf("POST token: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return resp.StatusCode, body
}

func readBody(t tb, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func codeFromRedirect(t tb, resp *http.Response) (code, state string) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	return loc.Query().Get("code"), loc.Query().Get("state")
}

func TestLoginFlow_TokensVerifyWithOIDC(t *testing.T) {
	tr := newTestRealm(t, Config{})
	verifier := oauth2.GenerateVerifier()

	action := tr.startLogin(t, verifier, "state-123", "nonce-456")
	code, state := codeFromRedirect(t, tr.submit(t, action, testUsername, testPassword))
	if code == "" {
		t.Fatal("no code in redirect")
	}
	if state != "state-123" {
		t.Fatalf("state = %q, want state-123", state)
	}

	status, body := tr.exchange(t, code, verifier)
	if status != http.StatusOK {
		t.Fatalf("token status = %d, body = %v", status, body)
	}

	ctx := context.Background()
	oidcProvider, err := oidc.NewProvider(ctx, tr.provider.Issuer())
	if err != nil {
		t.Fatalf("oidc.NewProvider: %v", err)
	}
	verifierOIDC := oidcProvider.Verifier(&oidc.Config{ClientID: testClientID})

	idToken, err := verifierOIDC.Verify(ctx, body["id_token"].(string))
	if err != nil {
		t.Fatalf("verify id_token: %v", err)
	}
	if idToken.Nonce != "nonce-456" {
		t.Fatalf("nonce = %q", idToken.Nonce)
	}
	var claims struct {
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if claims.Email != testUsername || claims.PreferredUsername != testUsername {
		t.Fatalf("claims = %+v", claims)
	}

	if _, err := verifierOIDC.Verify(ctx, body["access_token"].(string)); err != nil {
		t.Fatalf("verify access_token: %v", err)
	}

	// Codes are single use.
	if status, _ := tr.exchange(t, code, verifier); status != http.StatusBadRequest {
		t.Fatalf("replayed code status = %d, want 400", status)
	}
}

func TestAuthenticate_EmptySubmitShowsBanner(t *testing.T) {
	tr := newTestRealm(t, Config{})
	action := tr.startLogin(t, oauth2.GenerateVerifier(), "s", "n")

	resp := tr.submit(t, action, "", "")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, `class="alert-error"`) || !strings.Contains(body, InvalidCredentialsMessage) {
		t.Fatalf("error banner missing: %s", body)
	}
}

func TestAuthenticate_WrongCredentialsNeverIssueCode(t *testing.T) {
	tr := newTestRealm(t, Config{})
	rapid.Check(t, func(t *rapid.T) {
		username := rapid.SampledFrom([]string{testUsername, "E2E.Shopper@example.com"}).Draw(t, "username")
		if rapid.Bool().Draw(t, "unknownUser") {
			username = rapid.StringMatching(`[a-z]{3,10}@example\.org`).Draw(t, "otherUser")
		}
		password := rapid.String().Filter(func(s string) bool { return s != testPassword }).Draw(t, "password")

		action := tr.startLogin(t, oauth2.GenerateVerifier(), "s", "n")
		resp := tr.submit(t, action, username, password)
		body := readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if resp.Header.Get("Location") != "" {
			t.Fatalf("unexpected redirect to %s", resp.Header.Get("Location"))
		}
		if !strings.Contains(body, InvalidCredentialsMessage) {
			t.Fatalf("error banner missing")
		}
	})
}

func TestAuthenticate_UsernameIsCaseInsensitive(t *testing.T) {
	tr := newTestRealm(t, Config{})
	action := tr.startLogin(t, oauth2.GenerateVerifier(), "s", "n")
	code, _ := codeFromRedirect(t, tr.submit(t, action, strings.ToUpper(testUsername), testPassword))
	if code == "" {
		t.Fatal("no code issued")
	}
}

func TestToken_PKCEMismatchRejected(t *testing.T) {
	tr := newTestRealm(t, Config{})
	verifier := oauth2.GenerateVerifier()
	action := tr.startLogin(t, verifier, "s", "n")
	code, _ := codeFromRedirect(t, tr.submit(t, action, testUsername, testPassword))

	status, body := tr.exchange(t, code, oauth2.GenerateVerifier())
	if status != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if _, ok := body["access_token"]; ok {
		t.Fatal("tokens issued despite PKCE mismatch")
	}
	// The failed attempt burned the code.
	if status, _ := tr.exchange(t, code, verifier); status != http.StatusBadRequest {
		t.Fatalf("status after failed exchange = %d, want 400", status)
	}
}

func TestToken_ExpiredCodeRejected(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	tr := newTestRealm(t, Config{Now: func() time.Time { return time.Unix(0, clock.Load()) }, CodeTTL: time.Minute})
	verifier := oauth2.GenerateVerifier()
	action := tr.startLogin(t, verifier, "s", "n")
	code, _ := codeFromRedirect(t, tr.submit(t, action, testUsername, testPassword))

	clock.Add(int64(2 * time.Minute))
	if status, body := tr.exchange(t, code, verifier); status != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %v", status, body)
	}
}

func TestAuthorize_RejectsUnknownClientAndRedirect(t *testing.T) {
	tr := newTestRealm(t, Config{})
	cases := map[string]url.Values{
		"unknown client": {"client_id": {"nope"}, "redirect_uri": {tr.redirect}, "response_type": {"code"}},
		"foreign redirect": {"client_id": {testClientID}, "redirect_uri": {"https://evil.example/cb"}, "response_type": {"code"}},
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := tr.client.Get(tr.provider.AuthURL() + "?" + q.Encode())
			if err != nil {
				t.Fatal(err)
			}
			body := readBody(t, resp)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if strings.Contains(body, "kc-form-login") {
				t.Fatal("login form rendered for invalid request")
			}
		})
	}
}

func TestAuthorize_RequiresPKCE(t *testing.T) {
	tr := newTestRealm(t, Config{})
	q := url.Values{"client_id": {testClientID}, "redirect_uri": {tr.redirect}, "response_type": {"code"}, "state": {"xyz"}}
	resp, err := tr.client.Get(tr.provider.AuthURL() + "?" + q.Encode())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("error") != "invalid_request" || loc.Query().Get("state") != "xyz" {
		t.Fatalf("Location = %s", loc)
	}
}

func TestAuthenticate_RateLimitedPerUsername(t *testing.T) {
	tr := newTestRealm(t, Config{RateLimit: ratelimit.Config{AttemptsPerSecond: 0.001, Burst: 2, CleanupInterval: time.Hour}})
	action := tr.startLogin(t, oauth2.GenerateVerifier(), "s", "n")

	for i := 0; i < 2; i++ {
		resp := tr.submit(t, action, testUsername, "wrong")
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("attempt %d status = %d", i+1, resp.StatusCode)
		}
	}
	resp := tr.submit(t, action, testUsername, "wrong")
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}

	// Another account is unaffected.
	resp = tr.submit(t, action, "someone.else@example.com", "wrong")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("other account status = %d, want 200", resp.StatusCode)
	}
}

func TestTokenPreflight_AllowsRegisteredOrigin(t *testing.T) {
	tr := newTestRealm(t, Config{})
	for origin, want := range map[string]string{tr.server.URL: tr.server.URL, "https://evil.example": ""} {
		req, _ := http.NewRequest(http.MethodOptions, tr.provider.TokenURL(), nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		resp, err := tr.client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != want {
			t.Fatalf("origin %s: Access-Control-Allow-Origin = %q, want %q", origin, got, want)
		}
	}
}

func TestAddUser_RejectsDuplicatesAndEmpty(t *testing.T) {
	tr := newTestRealm(t, Config{})
	if _, err := tr.provider.AddUser(" "+strings.ToUpper(testUsername), "x", Profile{}); err == nil {
		t.Fatal("duplicate user accepted")
	}
	if _, err := tr.provider.AddUser("", "x", Profile{}); err == nil {
		t.Fatal("empty username accepted")
	}
	if _, err := tr.provider.AddUser("new@example.com", "", Profile{}); err == nil {
		t.Fatal("empty password accepted")
	}
}

func TestRenderBanner(t *testing.T) {
	got := string(RenderBanner("**Staging** realm. [Help](https://example.com/help)\n\n<script>alert(1)</script>"))
	if !strings.Contains(got, "<strong>Staging</strong>") {
		t.Fatalf("markdown not rendered: %s", got)
	}
	if strings.Contains(got, "<script") {
		t.Fatalf("script survived sanitizing: %s", got)
	}
	if !strings.Contains(got, `target="_blank"`) {
		t.Fatalf("link target missing: %s", got)
	}
	if RenderBanner("   ") != "" {
		t.Fatal("blank banner should render empty")
	}
}

func TestLoginPage_ShowsBanner(t *testing.T) {
	tr := newTestRealm(t, Config{LoginBanner: "Use your **staging** account."})
	q := url.Values{
		"client_id": {testClientID}, "redirect_uri": {tr.redirect}, "response_type": {"code"},
		"code_challenge": {oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())}, "code_challenge_method": {"S256"},
	}
	resp, err := tr.client.Get(tr.provider.AuthURL() + "?" + q.Encode())
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)
	for _, want := range []string{`class="kc-banner"`, "<strong>staging</strong>", `id="username"`, `id="login-password"`, `id="password-show-hide"`, `id="kc-login"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("login page missing %s", want)
		}
	}
	if strings.Contains(body, "required") {
		t.Fatal("login form must not use required attributes")
	}
}
