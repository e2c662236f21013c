package mockstore

import (
	"encoding/json"
	"html/template"
	"net/http"
)

type pageConfig struct {
	AuthURL     string `json:"authURL"`
	TokenURL    string `json:"tokenURL"`
	ClientID    string `json:"clientID"`
	LandingPath string `json:"landingPath"`
	ProfilePath string `json:"profilePath"`
}

type pageData struct {
	Title       string
	Profile     bool
	Config      template.JS
	TagURL      string
	ProfileHref string
}

// The account button calls a global defined in <head> so it works as soon
// as it is rendered.
var storefrontPage = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 0; }
header { display: flex; justify-content: space-between; align-items: center; padding: 1rem 2rem; border-bottom: 1px solid #ddd; }
#account-menu { position: absolute; right: 2rem; top: 4rem; background: #fff; border: 1px solid #ddd; padding: .5rem 1rem; list-style: none; }
main { padding: 2rem; }
</style>
<script>
window.storefront = (function () {
  var cfg = {{.Config}};
  var SESSION_KEY = "storefront.session";
  var PKCE_KEY = "storefront.pkce";

  function b64url(bytes) {
    var s = "";
    for (var i = 0; i < bytes.length; i++) s += String.fromCharCode(bytes[i]);
    return btoa(s).replace(/\+/g, "-").replace(/\//g, "_").replace(/=+$/, "");
  }
  function random(n) { return b64url(crypto.getRandomValues(new Uint8Array(n))); }
  function session() {
    try { return JSON.parse(localStorage.getItem(SESSION_KEY)); } catch (e) { return null; }
  }
  function redirectURI() { return location.origin + cfg.landingPath; }

  async function signIn() {
    var verifier = random(32);
    var digest = await crypto.subtle.digest("SHA-256", new TextEncoder().encode(verifier));
    var pending = { verifier: verifier, state: random(16), nonce: random(16) };
    sessionStorage.setItem(PKCE_KEY, JSON.stringify(pending));
    var q = new URLSearchParams({
      client_id: cfg.clientID,
      redirect_uri: redirectURI(),
      response_type: "code",
      scope: "openid email profile",
      state: pending.state,
      nonce: pending.nonce,
      code_challenge: b64url(new Uint8Array(digest)),
      code_challenge_method: "S256"
    });
    location.assign(cfg.authURL + "?" + q.toString());
  }

  async function graphql(query, token) {
    var resp = await fetch("/graphql?" + new URLSearchParams({ query: query }).toString(), {
      headers: { Authorization: "Bearer " + token }
    });
    if (!resp.ok) throw new Error("graphql: HTTP " + resp.status);
    return (await resp.json()).data;
  }

  async function completeLogin(params) {
    var pending = null;
    try { pending = JSON.parse(sessionStorage.getItem(PKCE_KEY)); } catch (e) {}
    sessionStorage.removeItem(PKCE_KEY);
    history.replaceState(null, "", cfg.landingPath);
    if (!pending || pending.state !== params.get("state")) {
      showNotice("Your sign-in could not be completed. Please try again.");
      return;
    }
    var resp = await fetch(cfg.tokenURL, {
      method: "POST",
      headers: { "Content-Type": "application/x-www-form-urlencoded" },
      body: new URLSearchParams({
        grant_type: "authorization_code",
        client_id: cfg.clientID,
        redirect_uri: redirectURI(),
        code: params.get("code"),
        code_verifier: pending.verifier
      })
    });
    if (!resp.ok) {
      showNotice("Your sign-in could not be completed. Please try again.");
      return;
    }
    var tokens = await resp.json();
    localStorage.setItem(SESSION_KEY, JSON.stringify({ accessToken: tokens.access_token }));
    var user = await graphql("query GetUserForSession { getUserForSession { id email firstName lastName } }", tokens.access_token);
    var cart = await graphql("query CartProjection { cartProjection { id itemCount } }", tokens.access_token);
    localStorage.setItem(SESSION_KEY, JSON.stringify({
      accessToken: tokens.access_token,
      user: user.getUserForSession,
      cart: cart.cartProjection
    }));
    render();
  }

  function showNotice(text) {
    var el = document.getElementById("notice");
    el.textContent = text;
    el.hidden = false;
  }

  function render() {
    var s = session();
    var btn = document.querySelector('[data-testid="container-accountNavMenu_account-btn"]');
    btn.textContent = s && s.user ? "Hi, " + (s.user.firstName || s.user.email) : "Sign In";
    var cartCount = document.getElementById("cart-count");
    cartCount.textContent = s && s.cart ? String(s.cart.itemCount) : "0";
    var profile = document.getElementById("profile-details");
    if (profile) {
      profile.textContent = s && s.user ? s.user.email : "Please sign in to view your profile.";
    }
  }

  var inflight = null;

  function accountClicked() {
    if (inflight) {
      inflight.then(accountClicked);
      return;
    }
    if (!session()) {
      signIn();
      return;
    }
    var menu = document.getElementById("account-menu");
    menu.hidden = !menu.hidden;
  }

  document.addEventListener("DOMContentLoaded", function () {
    render();
    var params = new URLSearchParams(location.search);
    if (params.has("code")) {
      inflight = completeLogin(params).catch(function (err) {
        showNotice("Your sign-in could not be completed. Please try again.");
        console.warn(err);
      }).finally(function () { inflight = null; });
    }
  });

  return { accountClicked: accountClicked, signIn: signIn };
})();
</script>
{{if .TagURL}}<script src="{{.TagURL}}"></script>{{end}}
</head>
<body>
<header>
  <a href="/" id="logo">Storefront</a>
  <nav>
    <span>Cart (<span id="cart-count">0</span>)</span>
    <button type="button" data-testid="container-accountNavMenu_account-btn" onclick="window.storefront.accountClicked()">Sign In</button>
    <ul id="account-menu" hidden>
      <li><a data-testid="navigation-account-item-id-my-account/profile.jsp" href="{{.ProfileHref}}">My Profile</a></li>
    </ul>
  </nav>
</header>
<div id="notice" role="alert" hidden></div>
<main>
{{if .Profile}}
  <h1>My Profile</h1>
  <p id="profile-details"></p>
{{else}}
  <h1>Welcome</h1>
  <p>Shop the collection.</p>
{{end}}
</main>
</body>
</html>
`))

func (s *Store) renderPage(w http.ResponseWriter, r *http.Request, title string, profile bool) {
	issuer := s.Issuer()
	cfg, err := json.Marshal(pageConfig{
		AuthURL:     issuer + "/protocol/openid-connect/auth",
		TokenURL:    issuer + "/protocol/openid-connect/token",
		ClientID:    s.cfg.ClientID,
		LandingPath: s.cfg.LandingPath,
		ProfilePath: s.ProfilePath(),
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	data := pageData{
		Title:       title,
		Profile:     profile,
		Config:      template.JS(cfg),
		ProfileHref: s.ProfilePath(),
	}
	if s.cfg.TagError != "" {
		data.TagURL = s.cfg.LandingPath + "/assets/tag.js"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := storefrontPage.Execute(w, data); err != nil {
		s.log.Error("render_page_failed", "path", r.URL.Path, "error", err)
	}
}

func (s *Store) handleLanding(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, "Storefront", false)
}

func (s *Store) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, "My Profile", true)
}
