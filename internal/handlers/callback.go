package handlers

import (
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/PortNumber53/pegasus/internal/auth"
	"github.com/PortNumber53/pegasus/internal/store"
)

const checkEmailMessage = "Check your email to confirm your account, then sign in."

// AuthCallback finishes OAuth and email-verification sign-ins. It always
// answers with a redirect.
func (h *Handler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	next := q.Get("next")
	redirectTo := q.Get("redirect_to")
	flow := q.Get("type")

	if code == "" {
		redirectWithParam(w, r, "/sign-in", "message", checkEmailMessage)
		return
	}

	tok, err := h.auth.Exchange(r.Context(), code)
	if err != nil {
		kind := auth.ClassifyError(err)
		log.Printf("[Auth][Callback] exchange failed kind=%s: %v", kind, err)
		redirectWithParam(w, r, "/sign-in", "error", kind.Message())
		return
	}
	user, err := h.auth.Verify(tok.AccessToken)
	if err != nil {
		log.Printf("[Auth][Callback] issued token rejected: %v", err)
		redirectWithParam(w, r, "/sign-in", "error", auth.ErrGeneric.Message())
		return
	}
	h.sessions.Save(w, tok)

	if _, err := h.store.UpsertProfile(r.Context(), store.ProfileUpsert{
		ID:        user.ID,
		Email:     user.Email,
		FullName:  user.FullName,
		AvatarURL: user.AvatarURL,
	}); err != nil {
		log.Printf("[Auth][Callback] profile upsert user=%s: %v", user.ID, err)
	}

	if target, ok := h.safeRedirect(redirectTo); ok {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	sub, err := h.store.ActiveSubscription(r.Context(), user.ID)
	if err != nil {
		log.Printf("[Auth][Callback] subscription lookup user=%s: %v", user.ID, err)
	}
	if sub == nil {
		http.Redirect(w, r, "/pricing?verified=true", http.StatusFound)
		return
	}

	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		next = "/"
		if flow == "recovery" {
			next = "/update-password"
		}
	}
	http.Redirect(w, r, next, http.StatusFound)
}

// safeRedirect accepts same-site paths and absolute URLs on the site's host.
func (h *Handler) safeRedirect(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, "/\\") {
		return raw, true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	site, err := url.Parse(h.cfg.SiteURL)
	if err != nil || site.Host == "" {
		return "", false
	}
	if !strings.EqualFold(u.Host, site.Host) || (u.Scheme != "http" && u.Scheme != "https") {
		log.Printf("[Auth][Callback] ignoring off-site redirect_to=%q", raw)
		return "", false
	}
	return raw, true
}

// SignOut clears the session cookies.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	h.sessions.Clear(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func redirectWithParam(w http.ResponseWriter, r *http.Request, path, key, value string) {
	http.Redirect(w, r, path+"?"+url.Values{key: {value}}.Encode(), http.StatusFound)
}
