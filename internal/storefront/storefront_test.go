package storefront

import (
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestSessionURL(t *testing.T) {
	cases := []struct{ base, path, want string }{
		{"https://stg2.rhnonprod.com", "/us/en", "https://stg2.rhnonprod.com/us/en"},
		{"https://stg2.rhnonprod.com/", "/us/en", "https://stg2.rhnonprod.com/us/en"},
		{"http://127.0.0.1:4000", "us/en", "http://127.0.0.1:4000/us/en"},
		{"", "/us/en", "/us/en"},
	}
	for _, tc := range cases {
		s := &Session{opts: Options{BaseURL: tc.base}}
		if got := s.URL(tc.path); got != tc.want {
			t.Errorf("URL(%q) with base %q = %q, want %q", tc.path, tc.base, got, tc.want)
		}
	}
}

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.applyDefaults()
	if o.LandingPath != "/us/en" || o.LoginTimeout != 10*time.Second || o.ActionTimeout != 10*time.Second {
		t.Fatalf("defaults = %+v", o)
	}
}

func testLoginRoutesMatchStorefrontTraffic(t *rapid.T) {
	host := rapid.SampledFrom([]string{"https://stg2.rhnonprod.com", "http://127.0.0.1:43123"}).Draw(t, "host")
	realm := rapid.StringMatching(`[a-z]{3,10}`).Draw(t, "realm")
	fields := rapid.StringMatching(`[a-zA-Z ]{0,30}`).Draw(t, "fields")
	routes := LoginRoutes()

	token := host + "/auth/realms/" + realm + "/protocol/openid-connect/token"
	if !routes[AliasAuthToken].Matches("POST", token) {
		t.Fatalf("token route does not match %s", token)
	}
	if routes[AliasAuthToken].Matches("GET", token) {
		t.Fatal("token route matched a GET")
	}

	user := host + "/graphql?" + url.Values{"query": {"query GetUserForSession {" + fields + "}"}}.Encode()
	cart := host + "/graphql?" + url.Values{"query": {"query CartProjection {" + fields + "}"}}.Encode()
	if !routes[AliasUserSession].Matches("GET", user) || routes[AliasUserSession].Matches("GET", cart) {
		t.Fatalf("userSession routing wrong for %s / %s", user, cart)
	}
	if !routes[AliasCartData].Matches("GET", cart) || routes[AliasCartData].Matches("GET", user) {
		t.Fatalf("cartData routing wrong for %s / %s", cart, user)
	}
}

func TestLoginRoutesMatchStorefrontTraffic(t *testing.T) {
	rapid.Check(t, testLoginRoutesMatchStorefrontTraffic)
}

func TestExceptionFilter_RecordsAndSuppresses(t *testing.T) {
	f := NewExceptionFilter()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !f.Record("http://x/us/en", errors.New("analytics tag: dataLayer is not defined")) {
				t.Error("exception not suppressed")
			}
		}()
	}
	wg.Wait()

	if got := len(f.Errors()); got != 20 {
		t.Fatalf("recorded %d errors, want 20", got)
	}
	if !f.Record("http://x", nil) {
		t.Fatal("nil error not suppressed")
	}
	if got := len(f.Errors()); got != 20 {
		t.Fatalf("nil error recorded: %d", got)
	}
	f.Reset()
	if len(f.Errors()) != 0 {
		t.Fatal("Reset kept errors")
	}
}
