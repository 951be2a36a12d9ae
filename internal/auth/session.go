package auth

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const (
	AccessCookie  = "pegasus-access-token"
	RefreshCookie = "pegasus-refresh-token"

	refreshCookieTTL = 30 * 24 * time.Hour
)

// TokenAuthority is the subset of Provider the session adapter needs.
type TokenAuthority interface {
	Verify(accessToken string) (*User, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Sessions reads and writes the auth cookies for one request/response pair.
type Sessions struct {
	tokens TokenAuthority
	secure bool
}

func NewSessions(tokens TokenAuthority, secure bool) *Sessions {
	return &Sessions{tokens: tokens, secure: secure}
}

// GetUser returns the signed-in user or nil. An expired access token is
// refreshed and both cookies are rewritten on w. Provider failures are logged
// and treated as signed out.
func (s *Sessions) GetUser(w http.ResponseWriter, r *http.Request) *User {
	cookies := readCookies(r)
	access, refresh := cookies[AccessCookie], cookies[RefreshCookie]
	if access == "" && refresh == "" {
		return nil
	}

	if access != "" {
		u, err := s.tokens.Verify(access)
		if err == nil {
			return u
		}
		if !errors.Is(err, ErrTokenExpired) {
			log.Printf("[Auth][GetUser] rejecting access token: %v", err)
			return nil
		}
	}
	if refresh == "" {
		return nil
	}

	tok, err := s.tokens.Refresh(r.Context(), refresh)
	if err != nil {
		log.Printf("[Auth][GetUser] refresh failed: %v", err)
		return nil
	}
	u, err := s.tokens.Verify(tok.AccessToken)
	if err != nil {
		log.Printf("[Auth][GetUser] refreshed token rejected: %v", err)
		return nil
	}
	s.Save(w, tok)
	return u
}

// Save writes the session cookies for tok.
func (s *Sessions) Save(w http.ResponseWriter, tok *oauth2.Token) {
	accessTTL := time.Hour
	if !tok.Expiry.IsZero() {
		if d := time.Until(tok.Expiry); d > 0 {
			accessTTL = d
		}
	}
	values := map[string]cookieValue{
		AccessCookie: {value: tok.AccessToken, maxAge: accessTTL},
	}
	if tok.RefreshToken != "" {
		values[RefreshCookie] = cookieValue{value: tok.RefreshToken, maxAge: refreshCookieTTL}
	}
	s.writeCookies(w, values)
}

// Clear expires both session cookies.
func (s *Sessions) Clear(w http.ResponseWriter) {
	s.writeCookies(w, map[string]cookieValue{
		AccessCookie:  {maxAge: -1},
		RefreshCookie: {maxAge: -1},
	})
}

type cookieValue struct {
	value  string
	maxAge time.Duration
}

func readCookies(r *http.Request) map[string]string {
	out := map[string]string{}
	for _, c := range r.Cookies() {
		out[c.Name] = c.Value
	}
	return out
}

func (s *Sessions) writeCookies(w http.ResponseWriter, values map[string]cookieValue) {
	for name, v := range values {
		c := &http.Cookie{
			Name:     name,
			Value:    v.value,
			Path:     "/",
			HttpOnly: true,
			Secure:   s.secure,
			SameSite: http.SameSiteLaxMode,
		}
		if v.maxAge < 0 {
			c.MaxAge = -1
		} else {
			c.MaxAge = int(v.maxAge / time.Second)
		}
		http.SetCookie(w, c)
	}
}
