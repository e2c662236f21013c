package mockidp

import (
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
)

// Claims is the payload of both access and ID tokens.
type Claims struct {
	jwt.Claims
	Type              string `json:"typ,omitempty"`
	AuthorizedParty   string `json:"azp,omitempty"`
	Nonce             string `json:"nonce,omitempty"`
	SessionState      string `json:"session_state,omitempty"`
	Scope             string `json:"scope,omitempty"`
	Email             string `json:"email,omitempty"`
	EmailVerified     bool   `json:"email_verified"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
}

// TokenResponse is the token endpoint body.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
	TokenType        string `json:"token_type"`
	IDToken          string `json:"id_token"`
	NotBeforePolicy  int    `json:"not-before-policy"`
	SessionState     string `json:"session_state"`
	Scope            string `json:"scope"`
}

// Discovery is the subset of OpenID provider metadata clients read.
type Discovery struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
}

// Discovery returns the realm's provider metadata.
func (p *Provider) Discovery() Discovery {
	issuer := p.Issuer()
	return Discovery{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/protocol/openid-connect/auth",
		TokenEndpoint:                     issuer + "/protocol/openid-connect/token",
		JWKSURI:                           issuer + "/protocol/openid-connect/certs",
		EndSessionEndpoint:                issuer + "/protocol/openid-connect/logout",
		ResponseTypesSupported:            []string{"code"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{string(jose.RS256)},
		GrantTypesSupported:               []string{"authorization_code"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		ScopesSupported:                   []string{"openid", "email", "profile"},
	}
}

// KeySet is the public JWKS.
func (p *Provider) KeySet() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       p.keypair.PublicKey,
		KeyID:     p.keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}

// issueTokens signs the access and ID tokens for a redeemed grant.
func (p *Provider) issueTokens(g *grant, user *User) (TokenResponse, error) {
	now := p.cfg.Now()
	expiry := now.Add(p.cfg.TokenTTL)
	issuer := p.Issuer()

	base := Claims{
		Claims: jwt.Claims{
			ID:        fmt.Sprintf("%s-%d", g.sessionState, now.UnixNano()),
			Issuer:    issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(expiry),
		},
		AuthorizedParty:   g.clientID,
		SessionState:      g.sessionState,
		Scope:             "openid email profile",
		Email:             user.Profile.Email,
		EmailVerified:     user.Profile.Email != "",
		PreferredUsername: user.Username,
		GivenName:         user.Profile.FirstName,
		FamilyName:        user.Profile.LastName,
	}

	access := base
	access.Type = "Bearer"
	access.Audience = jwt.Audience{g.clientID, "account"}
	accessToken, err := p.sign(access)
	if err != nil {
		return TokenResponse{}, err
	}

	id := base
	id.Type = "ID"
	id.Audience = jwt.Audience{g.clientID}
	id.Nonce = g.nonce
	idToken, err := p.sign(id)
	if err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  accessToken,
		ExpiresIn:    int(p.cfg.TokenTTL / time.Second),
		TokenType:    "Bearer",
		IDToken:      idToken,
		SessionState: g.sessionState,
		Scope:        base.Scope,
	}, nil
}

func (p *Provider) sign(claims Claims) (string, error) {
	token, err := jwt.Signed(p.signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("mockidp: sign token: %w", err)
	}
	return token, nil
}
