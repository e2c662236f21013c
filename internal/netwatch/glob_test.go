package netwatch

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestMatchGlob_LoginContract(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"**/protocol/openid-connect/token", "https://id.example/auth/realms/staging/protocol/openid-connect/token", true},
		{"**/protocol/openid-connect/token", "https://id.example/auth/realms/staging/protocol/openid-connect/token?x=1", false},
		{"**/graphql?query=query+GetUserForSession**", "https://shop.example/graphql?query=query+GetUserForSession+%7B+me+%7D", true},
		{"**/graphql?query=query+GetUserForSession**", "https://shop.example/graphql?query=query+CartProjection+%7B%7D", false},
		{"**/graphql?query=query+CartProjection**", "https://shop.example/graphql?query=query+CartProjection", true},
		{"**/login-actions/authenticate**", "https://id.example/auth/realms/staging/login-actions/authenticate?session_code=a&execution=b", true},
		{"**/login-actions/authenticate**", "https://id.example/auth/realms/staging/login-actions/reset-credentials", false},
		{"https://shop.example/*/en", "https://shop.example/us/en", true},
		{"https://shop.example/*/en", "https://shop.example/us/x/en", false},
		{"https://shop.example/us/e?", "https://shop.example/us/en", true},
		{"https://shop.example/us/e?", "https://shop.example/us/e/", false},
		{"a.b", "axb", false},
	}
	for _, tc := range cases {
		if got := MatchGlob(tc.pattern, tc.url); got != tc.want {
			t.Errorf("MatchGlob(%q, %q) = %v, want %v", tc.pattern, tc.url, got, tc.want)
		}
	}
}

func testMatchGlob_DoubleStarAcceptsAnyInfix(t *rapid.T) {
	literal := rapid.StringMatching(`[a-zA-Z0-9/=+&.%-]{1,12}`)
	parts := rapid.SliceOfN(literal, 1, 4).Draw(t, "parts")
	infix := rapid.StringMatching(`[a-zA-Z0-9/?=+&.%-]{0,16}`)

	pattern := "**" + strings.Join(parts, "**") + "**"
	var url strings.Builder
	url.WriteString(infix.Draw(t, "prefix"))
	for i, p := range parts {
		if i > 0 {
			url.WriteString(infix.Draw(t, "infix"))
		}
		url.WriteString(p)
	}
	url.WriteString(infix.Draw(t, "suffix"))

	if !MatchGlob(pattern, url.String()) {
		t.Fatalf("MatchGlob(%q, %q) = false", pattern, url.String())
	}
}

func TestMatchGlob_DoubleStarAcceptsAnyInfix(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testMatchGlob_DoubleStarAcceptsAnyInfix)
}

func testMatchGlob_SingleStarStopsAtSlash(t *rapid.T) {
	head := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "head")
	tail := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "tail")
	segment := rapid.StringMatching(`[a-z0-9]{0,8}`).Draw(t, "segment")

	pattern := head + "/*/" + tail
	if !MatchGlob(pattern, head+"/"+segment+"/"+tail) {
		t.Fatalf("single segment should match %q", pattern)
	}
	if MatchGlob(pattern, head+"/"+segment+"/x/"+tail) {
		t.Fatalf("* must not cross / in %q", pattern)
	}
}

func TestMatchGlob_SingleStarStopsAtSlash(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testMatchGlob_SingleStarStopsAtSlash)
}

func TestRouteMatches_Method(t *testing.T) {
	t.Parallel()

	route := Route{Method: "POST", URL: "**/token"}
	if !route.Matches("post", "https://x/token") {
		t.Fatal("method comparison should be case-insensitive")
	}
	if route.Matches("GET", "https://x/token") {
		t.Fatal("GET should not match a POST route")
	}
	if !(Route{URL: "**/token"}).Matches("GET", "https://x/token") {
		t.Fatal("empty method should match any method")
	}
	if got := (Route{URL: "**/token"}).String(); got != "* **/token" {
		t.Fatalf("String() = %q", got)
	}
}
