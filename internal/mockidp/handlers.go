package mockidp

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/kuitang/storefront-e2e/internal/errs"
	"github.com/kuitang/storefront-e2e/internal/obs"
	"github.com/kuitang/storefront-e2e/internal/ratelimit"
	"github.com/kuitang/storefront-e2e/internal/urlutil"
)

// RegisterRoutes mounts the realm endpoints on mux.
func (p *Provider) RegisterRoutes(mux *http.ServeMux) {
	base := p.RealmPath()
	throttle := ratelimit.Middleware(p.limiter, func(r *http.Request) string {
		return ratelimit.Key(r.PostFormValue("username"))
	})

	mux.HandleFunc("GET "+base+"/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("GET "+base+"/protocol/openid-connect/certs", p.handleCerts)
	mux.HandleFunc("GET "+base+"/protocol/openid-connect/auth", p.handleAuthorize)
	mux.Handle("POST "+base+"/login-actions/authenticate", throttle(http.HandlerFunc(p.handleAuthenticate)))
	mux.HandleFunc("POST "+base+"/protocol/openid-connect/token", p.handleToken)
	mux.HandleFunc("OPTIONS "+base+"/protocol/openid-connect/token", p.handleTokenPreflight)
	mux.HandleFunc("GET "+base+"/protocol/openid-connect/logout", p.handleLogout)
}

// Handler returns the realm endpoints with request ids and access logging.
func (p *Provider) Handler() http.Handler {
	mux := http.NewServeMux()
	p.RegisterRoutes(mux)
	return obs.RequestContextMiddleware(obs.AccessLogMiddleware("mockidp", mux))
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.Discovery())
}

func (p *Provider) handleCerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.KeySet())
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")

	client, err := p.client(clientID)
	if err != nil {
		p.renderError(w, r, err)
		return
	}
	if redirectURI == "" || !client.allowsRedirect(redirectURI) {
		p.renderError(w, r, errs.Wrap(errs.InvalidArgument, "Invalid parameter: redirect_uri", ErrRedirectNotAllowed))
		return
	}

	// From here on errors go back to the client, per RFC 6749 4.1.2.1.
	state := q.Get("state")
	switch {
	case q.Get("response_type") != "code":
		redirectError(w, r, redirectURI, state, "unsupported_response_type", "Only the code flow is supported")
		return
	case q.Get("code_challenge") == "":
		redirectError(w, r, redirectURI, state, "invalid_request", "Missing parameter: code_challenge")
		return
	case q.Get("code_challenge_method") != "S256":
		redirectError(w, r, redirectURI, state, "invalid_request", "Invalid parameter: code_challenge_method")
		return
	}

	s := p.startSession(clientID, redirectURI, state, q.Get("nonce"), q.Get("code_challenge"))
	obs.From(r.Context()).Info("login_started", "client_id", clientID, "tab_id", s.tabID)
	p.renderLogin(w, s, q.Get("login_hint"), "")
}

func (p *Provider) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	log := obs.From(r.Context())
	q := r.URL.Query()
	s, err := p.session(q.Get("session_code"), q.Get("client_id"), q.Get("tab_id"))
	if err != nil {
		p.renderError(w, r, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		p.renderError(w, r, errs.Wrap(errs.InvalidArgument, "Invalid form", err))
		return
	}

	username := strings.TrimSpace(r.PostForm.Get("username"))
	password := r.PostForm.Get("password")
	user, err := p.Authenticate(username, password)
	if err != nil {
		log.Info("login_failed", "client_id", s.clientID, "empty_username", username == "", "empty_password", password == "")
		p.renderLogin(w, s, username, errs.MessageOf(err))
		return
	}

	code, sessionState := p.issueCode(s, user)
	p.limiter.Forget(username)
	log.Info("login_succeeded", "client_id", s.clientID, "sub", user.ID)

	target, err := urlutil.WithQuery(s.redirectURI, url.Values{
		"state":         {s.state},
		"session_state": {sessionState},
		"code":          {code},
	})
	if err != nil {
		p.renderError(w, r, errs.Wrap(errs.Internal, "Invalid redirect", err))
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	log := obs.From(r.Context())
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Malformed form body")
		return
	}
	clientID := r.PostForm.Get("client_id")
	client, err := p.client(clientID)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "Invalid client credentials")
		return
	}
	p.setCORS(w, r, client)

	if gt := r.PostForm.Get("grant_type"); gt != "authorization_code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", fmt.Sprintf("Unsupported grant_type %q", gt))
		return
	}

	g, err := p.redeemCode(r.PostForm.Get("code"))
	if err != nil {
		log.Info("token_rejected", "reason", "code")
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", errs.MessageOf(err))
		return
	}
	if g.clientID != clientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Code was issued to another client")
		return
	}
	if g.redirectURI != r.PostForm.Get("redirect_uri") {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Incorrect redirect_uri")
		return
	}
	verifier := r.PostForm.Get("code_verifier")
	if verifier == "" || oauth2.S256ChallengeFromVerifier(verifier) != g.challenge {
		log.Info("token_rejected", "reason", "pkce")
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}
	user, ok := p.UserByID(g.userID)
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "User not found")
		return
	}

	resp, err := p.issueTokens(g, user)
	if err != nil {
		log.Error("token_sign_failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "Could not issue tokens")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleTokenPreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	p.mu.Lock()
	var match *Client
	for _, c := range p.clients {
		if c.allowsOrigin(origin) {
			match = &c
			break
		}
	}
	p.mu.Unlock()

	if match != nil {
		p.setCORS(w, r, *match)
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Provider) handleLogout(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("post_logout_redirect_uri")
	if target != "" {
		p.mu.Lock()
		allowed := false
		for _, c := range p.clients {
			if c.allowsRedirect(target) {
				allowed = true
				break
			}
		}
		p.mu.Unlock()
		if allowed {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<!DOCTYPE html><html><body><p>You are logged out.</p></body></html>")
}

func (p *Provider) setCORS(w http.ResponseWriter, r *http.Request, c Client) {
	origin := r.Header.Get("Origin")
	if origin == "" || !c.allowsOrigin(origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Add("Vary", "Origin")
}

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><title>{{.Realm}}</title></head>
<body><div id="kc-error-message"><p class="instruction">{{.Message}}</p></div></body></html>
`))

func (p *Provider) renderError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	obs.From(r.Context()).Info("login_error", "code", code, "error", err)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(errs.HTTPStatus(code))
	_ = errorPage.Execute(w, struct{ Realm, Message string }{p.cfg.Realm, errs.MessageOf(err)})
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	target, err := urlutil.WithQuery(redirectURI, url.Values{
		"error":             {code},
		"error_description": {description},
		"state":             {state},
	})
	if err != nil {
		http.Error(w, description, http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
