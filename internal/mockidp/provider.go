// Package mockidp is a Keycloak-shaped identity provider double. It serves a
// single realm under /auth/realms/{realm} with the endpoints the storefront
// login flow touches: OIDC discovery, JWKS, the authorization endpoint with
// its username/password form, the credential post, and the token endpoint
// (authorization code + PKCE S256). Tokens are RS256 JWTs verifiable with any
// OIDC client.
package mockidp

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/google/uuid"
	"github.com/oauth2-proxy/mockoidc"
	"golang.org/x/crypto/bcrypt"

	"github.com/kuitang/storefront-e2e/internal/errs"
	"github.com/kuitang/storefront-e2e/internal/obs"
	"github.com/kuitang/storefront-e2e/internal/ratelimit"
)

// InvalidCredentialsMessage is the banner text shown for a failed login. The
// storefront theme replaces Keycloak's default wording with this text.
const InvalidCredentialsMessage = "Invalid email address or password."

var (
	// ErrUnknownClient is returned for a client_id the realm does not know.
	ErrUnknownClient = errors.New("mockidp: unknown client")
	// ErrRedirectNotAllowed is returned for a redirect_uri outside the client's allow list.
	ErrRedirectNotAllowed = errors.New("mockidp: redirect_uri not allowed")
	// ErrDuplicateUser is returned when a username is registered twice.
	ErrDuplicateUser = errors.New("mockidp: user already exists")
)

// Config configures the realm.
type Config struct {
	Realm string
	// LoginBanner is Markdown shown above the login form.
	LoginBanner string
	RateLimit   ratelimit.Config
	CodeTTL     time.Duration
	TokenTTL    time.Duration
	SessionTTL  time.Duration
	// BcryptCost defaults to bcrypt.MinCost; a double has no reason to be slow.
	BcryptCost int
	// SigningKey is generated when nil.
	SigningKey *rsa.PrivateKey
	Now        func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Realm == "" {
		c.Realm = "staging"
	}
	if c.RateLimit == (ratelimit.Config{}) {
		c.RateLimit = ratelimit.DefaultConfig
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = time.Minute
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 5 * time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.MinCost
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Profile holds the user attributes copied into tokens.
type Profile struct {
	Email     string
	FirstName string
	LastName  string
}

// User is a realm account.
type User struct {
	ID       string
	Username string
	Profile  Profile

	passwordHash []byte
}

// Client is a registered OIDC client. Public clients authenticate the code
// exchange with PKCE only.
type Client struct {
	ID           string
	RedirectURIs []string // exact URIs, or prefixes ending in "*"
	WebOrigins   []string // CORS origins allowed on the token endpoint
}

func (c Client) allowsRedirect(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok {
			if strings.HasPrefix(uri, prefix) {
				return true
			}
			continue
		}
		if uri == allowed {
			return true
		}
	}
	return false
}

func (c Client) allowsOrigin(origin string) bool {
	for _, allowed := range c.WebOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

// authSession is an in-flight login: one visit to the authorization endpoint.
type authSession struct {
	code        string
	execution   string
	tabID       string
	clientID    string
	redirectURI string
	state       string
	nonce       string
	challenge   string
	createdAt   time.Time
}

// grant is an issued, not yet redeemed authorization code.
type grant struct {
	clientID     string
	redirectURI  string
	challenge    string
	nonce        string
	userID       string
	sessionState string
	expiresAt    time.Time
}

// Provider is the realm.
type Provider struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	baseURL  string
	users    map[string]*User // keyed by lower-cased username
	clients  map[string]Client
	sessions map[string]*authSession
	grants   map[string]*grant

	keypair *mockoidc.Keypair
	keyID   string
	signer  jose.Signer
	limiter *ratelimit.LoginLimiter
	banner  template.HTML
	// dummyHash keeps unknown-user checks as slow as known-user checks.
	dummyHash []byte
}

// New builds a realm. Call SetBaseURL before serving requests.
func New(cfg Config) (*Provider, error) {
	cfg.applyDefaults()

	key := cfg.SigningKey
	if key == nil {
		generated, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("mockidp: generate signing key: %w", err)
		}
		key = generated
	}
	keypair, err := mockoidc.NewKeypair(key)
	if err != nil {
		return nil, fmt.Errorf("mockidp: keypair: %w", err)
	}
	keyID, err := keypair.KeyID()
	if err != nil {
		return nil, fmt.Errorf("mockidp: key id: %w", err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: keypair.PrivateKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", keyID),
	)
	if err != nil {
		return nil, fmt.Errorf("mockidp: signer: %w", err)
	}
	dummyHash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("mockidp: dummy hash: %w", err)
	}

	return &Provider{
		cfg:       cfg,
		log:       obs.Pkg("mockidp"),
		users:     make(map[string]*User),
		clients:   make(map[string]Client),
		sessions:  make(map[string]*authSession),
		grants:    make(map[string]*grant),
		keypair:   keypair,
		keyID:     keyID,
		signer:    signer,
		limiter:   ratelimit.NewLoginLimiter(cfg.RateLimit),
		banner:    RenderBanner(cfg.LoginBanner),
		dummyHash: dummyHash,
	}, nil
}

// Close stops background work.
func (p *Provider) Close() {
	p.limiter.Stop()
}

// SetBaseURL sets the externally visible origin, e.g. an httptest server URL.
func (p *Provider) SetBaseURL(baseURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseURL = strings.TrimRight(baseURL, "/")
}

// Realm returns the realm name.
func (p *Provider) Realm() string {
	return p.cfg.Realm
}

// RealmPath is the path prefix of every realm endpoint.
func (p *Provider) RealmPath() string {
	return "/auth/realms/" + p.cfg.Realm
}

// Issuer is the iss claim and discovery base.
func (p *Provider) Issuer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseURL + p.RealmPath()
}

// AuthURL is the authorization endpoint.
func (p *Provider) AuthURL() string {
	return p.Issuer() + "/protocol/openid-connect/auth"
}

// TokenURL is the token endpoint.
func (p *Provider) TokenURL() string {
	return p.Issuer() + "/protocol/openid-connect/token"
}

// JWKSURL is the key set endpoint.
func (p *Provider) JWKSURL() string {
	return p.Issuer() + "/protocol/openid-connect/certs"
}

// RegisterClient adds or replaces a client.
func (p *Provider) RegisterClient(c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[c.ID] = c
}

// AddUser creates an account. Usernames are case-insensitive.
func (p *Provider) AddUser(username, password string, profile Profile) (*User, error) {
	key := ratelimit.Key(username)
	if key == "" {
		return nil, errs.New(errs.InvalidArgument, "mockidp: username is empty")
	}
	if password == "" {
		return nil, errs.New(errs.InvalidArgument, "mockidp: password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("mockidp: hash password: %w", err)
	}
	if profile.Email == "" && strings.Contains(username, "@") {
		profile.Email = strings.TrimSpace(username)
	}

	user := &User{
		ID:           uuid.NewString(),
		Username:     strings.TrimSpace(username),
		Profile:      profile,
		passwordHash: hash,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.users[key]; exists {
		return nil, errs.Wrap(errs.FailedPrecondition, fmt.Sprintf("mockidp: user %q exists", username), ErrDuplicateUser)
	}
	p.users[key] = user
	return user, nil
}

// UserByID looks up a user by subject.
func (p *Provider) UserByID(id string) (*User, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.users {
		if u.ID == id {
			return u, true
		}
	}
	return nil, false
}

// Authenticate checks a username/password pair. Empty input, unknown users
// and wrong passwords all return the same Unauthenticated error.
func (p *Provider) Authenticate(username, password string) (*User, error) {
	p.mu.Lock()
	user := p.users[ratelimit.Key(username)]
	p.mu.Unlock()

	hash := p.dummyHash
	if user != nil {
		hash = user.passwordHash
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if user == nil || err != nil || password == "" {
		return nil, errs.New(errs.Unauthenticated, InvalidCredentialsMessage)
	}
	return user, nil
}

func (p *Provider) client(id string) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[id]
	if !ok {
		return Client{}, errs.Wrap(errs.InvalidArgument, "Client not found.", ErrUnknownClient)
	}
	return c, nil
}

// startSession records a new login attempt for a validated authorization request.
func (p *Provider) startSession(clientID, redirectURI, state, nonce, challenge string) *authSession {
	s := &authSession{
		code:        uuid.NewString(),
		execution:   uuid.NewString(),
		tabID:       strings.ReplaceAll(uuid.NewString(), "-", "")[:11],
		clientID:    clientID,
		redirectURI: redirectURI,
		state:       state,
		nonce:       nonce,
		challenge:   challenge,
		createdAt:   p.cfg.Now(),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[s.code] = s
	return s
}

func (p *Provider) session(code, clientID, tabID string) (*authSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[code]
	if !ok || s.clientID != clientID || s.tabID != tabID {
		return nil, errs.New(errs.NotFound, "Your login attempt timed out. Login will start from the beginning.")
	}
	if p.cfg.Now().Sub(s.createdAt) > p.cfg.SessionTTL {
		delete(p.sessions, code)
		return nil, errs.New(errs.FailedPrecondition, "Your login attempt timed out. Login will start from the beginning.")
	}
	return s, nil
}

// issueCode converts a completed login into a one-time authorization code.
func (p *Provider) issueCode(s *authSession, user *User) (code, sessionState string) {
	code = uuid.NewString() + "." + uuid.NewString()
	sessionState = uuid.NewString()

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, s.code)
	p.grants[code] = &grant{
		clientID:     s.clientID,
		redirectURI:  s.redirectURI,
		challenge:    s.challenge,
		nonce:        s.nonce,
		userID:       user.ID,
		sessionState: sessionState,
		expiresAt:    p.cfg.Now().Add(p.cfg.CodeTTL),
	}
	return code, sessionState
}

// redeemCode removes and returns a grant. Codes are single use even when the
// exchange then fails.
func (p *Provider) redeemCode(code string) (*grant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.grants[code]
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "Code not valid")
	}
	delete(p.grants, code)
	if p.cfg.Now().After(g.expiresAt) {
		return nil, errs.New(errs.InvalidArgument, "Code not valid")
	}
	return g, nil
}
