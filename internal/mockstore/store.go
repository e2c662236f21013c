// Package mockstore is a storefront double: a landing page with an account
// menu that signs in through the identity provider double, a profile page,
// and a GraphQL endpoint answering the session and cart queries the real
// storefront issues after login.
package mockstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/kuitang/storefront-e2e/internal/errs"
	"github.com/kuitang/storefront-e2e/internal/obs"
)

// Operation names served by the GraphQL endpoint.
const (
	OpGetUserForSession = "GetUserForSession"
	OpCartProjection    = "CartProjection"
)

// ErrNoIssuer is returned when a token arrives before SetIssuer was called.
var ErrNoIssuer = errors.New("mockstore: issuer not configured")

// Config configures the storefront.
type Config struct {
	ClientID    string
	LandingPath string
	// TagError is the message the simulated third-party tag throws on every
	// page load. Empty disables the tag.
	TagError string
}

// DefaultTagError is thrown by the simulated analytics tag.
const DefaultTagError = "analytics tag: dataLayer is not defined"

// Store serves the storefront pages and GraphQL endpoint.
type Store struct {
	cfg Config
	log *slog.Logger

	mu       sync.RWMutex
	issuer   string
	verifier *oidc.IDTokenVerifier
	carts    map[string]*Cart
}

// User is the GetUserForSession payload.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Cart is the CartProjection payload.
type Cart struct {
	ID        string     `json:"id"`
	ItemCount int        `json:"itemCount"`
	Lines     []CartLine `json:"lines"`
}

// CartLine is one product in a cart.
type CartLine struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// New builds a storefront. Call SetIssuer before serving authenticated requests.
func New(cfg Config) *Store {
	if cfg.LandingPath == "" {
		cfg.LandingPath = "/us/en"
	}
	cfg.LandingPath = "/" + strings.Trim(cfg.LandingPath, "/")
	return &Store{
		cfg:   cfg,
		log:   obs.Pkg("mockstore"),
		carts: make(map[string]*Cart),
	}
}

// SetIssuer points token verification at the identity provider's realm.
func (s *Store) SetIssuer(issuer string) {
	issuer = strings.TrimRight(issuer, "/")
	keySet := oidc.NewRemoteKeySet(context.Background(), issuer+"/protocol/openid-connect/certs")
	verifier := oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: s.cfg.ClientID})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuer = issuer
	s.verifier = verifier
}

// Issuer returns the configured realm issuer.
func (s *Store) Issuer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.issuer
}

// LandingPath is the storefront home route.
func (s *Store) LandingPath() string {
	return s.cfg.LandingPath
}

// ProfilePath is the account profile route.
func (s *Store) ProfilePath() string {
	return s.cfg.LandingPath + "/my-account/profile"
}

// SetCart replaces the cart returned for a subject.
func (s *Store) SetCart(subject string, cart Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[subject] = &cart
}

func (s *Store) cart(subject string) Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[subject]
	if !ok {
		id := subject
		if len(id) > 8 {
			id = id[:8]
		}
		c = &Cart{ID: "cart-" + id, Lines: []CartLine{}}
		s.carts[subject] = c
	}
	return *c
}

// RegisterRoutes mounts the storefront on mux.
func (s *Store) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+s.cfg.LandingPath, s.handleLanding)
	mux.HandleFunc("GET "+s.cfg.LandingPath+"/{$}", s.handleLanding)
	mux.HandleFunc("GET "+s.ProfilePath(), s.handleProfile)
	mux.HandleFunc("GET "+s.cfg.LandingPath+"/assets/tag.js", s.handleTag)
	mux.HandleFunc("GET /graphql", s.handleGraphQL)
}

func (s *Store) verify(ctx context.Context, r *http.Request) (*oidc.IDToken, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, errs.New(errs.Unauthenticated, "missing bearer token")
	}
	s.mu.RLock()
	verifier := s.verifier
	s.mu.RUnlock()
	if verifier == nil {
		return nil, errs.Wrap(errs.Unavailable, "token verification unavailable", ErrNoIssuer)
	}
	token, err := verifier.Verify(ctx, strings.TrimSpace(raw))
	if err != nil {
		return nil, errs.Wrap(errs.Unauthenticated, "invalid bearer token", err)
	}
	return token, nil
}

var operationRE = regexp.MustCompile(`^\s*query\s+([A-Za-z_][A-Za-z0-9_]*)`)

// OperationName extracts the operation name of a named GraphQL query.
func OperationName(query string) (string, bool) {
	m := operationRE.FindStringSubmatch(query)
	if m == nil {
		return "", false
	}
	return m[1], true
}

type graphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (s *Store) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := obs.From(ctx)

	op, ok := OperationName(r.URL.Query().Get("query"))
	if !ok {
		writeGraphQLError(w, errs.New(errs.InvalidArgument, "query must be a named operation"))
		return
	}
	token, err := s.verify(ctx, r)
	if err != nil {
		log.Info("graphql_rejected", "operation", op, "error", err)
		writeGraphQLError(w, err)
		return
	}

	var claims struct {
		Email      string `json:"email"`
		GivenName  string `json:"given_name"`
		FamilyName string `json:"family_name"`
	}
	if err := token.Claims(&claims); err != nil {
		writeGraphQLError(w, errs.Wrap(errs.Internal, "decode claims", err))
		return
	}

	var data map[string]any
	switch op {
	case OpGetUserForSession:
		data = map[string]any{"getUserForSession": User{
			ID:        token.Subject,
			Email:     claims.Email,
			FirstName: claims.GivenName,
			LastName:  claims.FamilyName,
		}}
	case OpCartProjection:
		data = map[string]any{"cartProjection": s.cart(token.Subject)}
	default:
		writeGraphQLError(w, errs.Newf(errs.InvalidArgument, "unknown operation %q", op))
		return
	}
	log.Debug("graphql_served", "operation", op, "sub", token.Subject)
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func writeGraphQLError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	writeJSON(w, errs.HTTPStatus(code), map[string]any{
		"errors": []graphQLError{{
			Message:    errs.MessageOf(err),
			Extensions: map[string]any{"code": strings.ToUpper(string(code))},
		}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		obs.Pkg("mockstore").Error("write_json_failed", "error", err)
	}
}

func (s *Store) handleTag(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	if s.cfg.TagError == "" {
		fmt.Fprint(w, "/* tag disabled */\n")
		return
	}
	msg, _ := json.Marshal(s.cfg.TagError)
	fmt.Fprintf(w, "window.setTimeout(function () { throw new Error(%s); }, 0);\n", msg)
}
