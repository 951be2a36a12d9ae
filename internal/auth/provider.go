// Package auth talks to the hosted OAuth2 auth provider and keeps the
// browser session in cookies.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// User is the identity carried by a verified access token.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

var (
	ErrInvalidToken = errors.New("auth: invalid access token")
	ErrTokenExpired = errors.New("auth: access token expired")
)

// Provider exchanges authorization codes and refresh tokens with the hosted
// auth service and verifies the HS256 access tokens it issues.
type Provider struct {
	oauth  *oauth2.Config
	secret []byte
	parser *jwt.Parser
	now    func() time.Time
}

func NewProvider(baseURL, anonKey, jwtSecret, redirectURL string) *Provider {
	base := strings.TrimRight(baseURL, "/")
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:    anonKey,
			RedirectURL: redirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/authorize",
				TokenURL:  base + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"openid", "email", "profile"},
		},
		secret: []byte(jwtSecret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})),
		now:    time.Now,
	}
}

// AuthCodeURL is where sign-in starts for the given provider (e.g. "google").
func (p *Provider) AuthCodeURL(state, provider string) string {
	opts := []oauth2.AuthCodeOption{}
	if provider != "" {
		opts = append(opts, oauth2.SetAuthURLParam("provider", provider))
	}
	return p.oauth.AuthCodeURL(state, opts...)
}

func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return tok, nil
}

// Verify checks the access token signature and expiry and returns its user.
// An expired but otherwise valid token yields ErrTokenExpired.
func (p *Provider) Verify(accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, ErrInvalidToken
	}
	claims := jwt.MapClaims{}
	_, err := p.parser.ParseWithClaims(accessToken, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	u := &User{ID: claimString(claims, "sub"), Email: claimString(claims, "email")}
	if u.ID == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	if meta, ok := claims["user_metadata"].(map[string]any); ok {
		u.FullName = firstString(meta, "full_name", "name")
		u.AvatarURL = firstString(meta, "avatar_url", "picture")
	}
	return u, nil
}

func claimString(c jwt.MapClaims, key string) string {
	s, _ := c[key].(string)
	return s
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
