package mockstore

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/kuitang/storefront-e2e/internal/mockidp"
	"github.com/kuitang/storefront-e2e/internal/obs"
	"github.com/kuitang/storefront-e2e/internal/ratelimit"
)

// DefaultClientID is the storefront's public OIDC client.
const DefaultClientID = "storefront-web"

// DoubleConfig configures an identity provider and storefront served from
// one origin.
type DoubleConfig struct {
	Realm       string
	ClientID    string
	LandingPath string
	LoginBanner string
	TagError    string
	RateLimit   ratelimit.Config
}

// Double is the whole application under test: realm plus storefront.
type Double struct {
	IdP   *mockidp.Provider
	Store *Store

	cfg     DoubleConfig
	handler http.Handler
}

// NewDouble builds the application double. Call SetBaseURL once the
// listener address is known.
func NewDouble(cfg DoubleConfig) (*Double, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	idp, err := mockidp.New(mockidp.Config{
		Realm:       cfg.Realm,
		LoginBanner: cfg.LoginBanner,
		RateLimit:   cfg.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("mockstore: identity provider: %w", err)
	}
	store := New(Config{
		ClientID:    cfg.ClientID,
		LandingPath: cfg.LandingPath,
		TagError:    cfg.TagError,
	})

	mux := http.NewServeMux()
	idp.RegisterRoutes(mux)
	store.RegisterRoutes(mux)
	mux.Handle("GET /{$}", http.RedirectHandler(store.LandingPath(), http.StatusFound))

	return &Double{
		IdP:     idp,
		Store:   store,
		cfg:     cfg,
		handler: obs.RequestContextMiddleware(obs.AccessLogMiddleware("double", mux)),
	}, nil
}

// SetBaseURL publishes the origin to both halves and registers the
// storefront client with the realm.
func (d *Double) SetBaseURL(baseURL string) {
	baseURL = strings.TrimRight(baseURL, "/")
	d.IdP.SetBaseURL(baseURL)
	d.Store.SetIssuer(d.IdP.Issuer())
	d.IdP.RegisterClient(mockidp.Client{
		ID:           d.cfg.ClientID,
		RedirectURIs: []string{baseURL + d.Store.LandingPath() + "*"},
		WebOrigins:   []string{baseURL},
	})
}

// AddUser creates a realm account.
func (d *Double) AddUser(username, password string, profile mockidp.Profile) error {
	_, err := d.IdP.AddUser(username, password, profile)
	return err
}

// Handler serves the realm and the storefront.
func (d *Double) Handler() http.Handler {
	return d.handler
}

// Close releases background resources.
func (d *Double) Close() {
	d.IdP.Close()
}
