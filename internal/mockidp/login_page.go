package mockidp

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"
)

// RenderBanner converts realm banner Markdown to sanitized HTML.
func RenderBanner(src string) template.HTML {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	extensions := parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock
	doc := parser.NewWithExtensions(extensions).Parse([]byte(src))

	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{
		Flags: mdhtml.CommonFlags | mdhtml.HrefTargetBlank,
	})
	sanitized := bluemonday.UGCPolicy().SanitizeBytes(markdown.Render(doc, renderer))
	return template.HTML(sanitized)
}

type loginPageData struct {
	Realm    string
	Action   string
	Username string
	Error    string
	Banner   template.HTML
	ClientID string
}

// The form deliberately carries no "required" attributes: an empty submit
// must reach the server so it can answer with the error banner.
var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Sign in to {{.Realm}}</title>
<style>
body { font-family: sans-serif; max-width: 420px; margin: 3rem auto; }
.alert-error { border: 1px solid #c00; background: #fee; color: #900; padding: .75rem; margin-bottom: 1rem; }
.kc-banner { margin-bottom: 1rem; }
label { display: block; margin-top: .75rem; }
input { width: 100%; padding: .4rem; }
</style>
</head>
<body id="keycloak-bg">
<div id="kc-content">
{{if .Banner}}<div class="kc-banner">{{.Banner}}</div>{{end}}
{{if .Error}}<div class="alert-error" role="alert"><span class="kc-feedback-text">{{.Error}}</span></div>{{end}}
<form id="kc-form-login" action="{{.Action}}" method="post" novalidate>
  <label for="username">Email address</label>
  <input id="username" name="username" type="text" value="{{.Username}}" autocomplete="username" autofocus>
  <label for="login-password">Password</label>
  <input id="login-password" name="password" type="password" autocomplete="current-password">
  <button id="password-show-hide" type="button" aria-label="Show password" aria-controls="login-password">Show</button>
  <input type="hidden" id="id-hidden-input" name="credentialId">
  <input id="kc-login" name="login" type="submit" value="Sign In">
</form>
</div>
<script>
document.getElementById("password-show-hide").addEventListener("click", function () {
  var input = document.getElementById("login-password");
  var show = input.type === "password";
  input.type = show ? "text" : "password";
  this.textContent = show ? "Hide" : "Show";
  this.setAttribute("aria-label", show ? "Hide password" : "Show password");
});
</script>
</body>
</html>
`))

func (p *Provider) authenticateAction(s *authSession) string {
	q := url.Values{}
	q.Set("session_code", s.code)
	q.Set("execution", s.execution)
	q.Set("client_id", s.clientID)
	q.Set("tab_id", s.tabID)
	return p.RealmPath() + "/login-actions/authenticate?" + q.Encode()
}

func (p *Provider) renderLogin(w http.ResponseWriter, s *authSession, username, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store, must-revalidate, max-age=0")
	w.WriteHeader(http.StatusOK)
	data := loginPageData{
		Realm:    p.cfg.Realm,
		Action:   p.authenticateAction(s),
		Username: username,
		Error:    errMsg,
		Banner:   p.banner,
		ClientID: s.clientID,
	}
	if err := loginPage.Execute(w, data); err != nil {
		p.log.Error("render_login_failed", "error", err)
	}
}
