package handlers

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/pegasus/internal/auth"
	"github.com/PortNumber53/pegasus/internal/models"
	"github.com/PortNumber53/pegasus/internal/tier"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplates = template.Must(template.New("pages").Funcs(template.FuncMap{
	"money": func(cents int64, currency string) string {
		return fmt.Sprintf("%s %d.%02d", strings.ToUpper(currency), cents/100, cents%100)
	},
	"date": func(epoch int64) string {
		if epoch == 0 {
			return "-"
		}
		return time.Unix(epoch, 0).UTC().Format("Jan 2, 2006")
	},
	"limit": func(n int) string {
		if n < 0 {
			return "unlimited"
		}
		return fmt.Sprint(n)
	},
}).ParseFS(templateFS, "templates/*.html"))

type pageData struct {
	Title        string
	Section      string
	User         *auth.User
	Tier         tier.Tier
	Features     tier.FeatureAccess
	Subscription *models.Subscription
	Plans        []models.BillingPlan
	AuthURL      string
	Message      string
	Error        string
	Verified     bool
}

func (h *Handler) render(w http.ResponseWriter, status int, name string, data pageData) {
	var buf bytes.Buffer
	if err := pageTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		log.Printf("[Pages][Render] %s: %v", name, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "home", pageData{Title: "Home", User: h.currentUser(w, r)})
}

func (h *Handler) Pricing(w http.ResponseWriter, r *http.Request) {
	plans, err := h.store.ListActivePlans(r.Context())
	if err != nil {
		log.Printf("[Pages][Pricing] plans: %v", err)
	}
	q := r.URL.Query()
	h.render(w, http.StatusOK, "pricing", pageData{
		Title:    "Pricing",
		User:     h.currentUser(w, r),
		Plans:    plans,
		Verified: q.Get("verified") == "true",
		Message:  checkoutMessage(q.Get("checkout")),
	})
}

func checkoutMessage(state string) string {
	if state == "cancelled" {
		return "Checkout was cancelled. You have not been charged."
	}
	return ""
}

func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	h.renderAuthPage(w, r, "sign-in", "Sign in")
}

func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	h.renderAuthPage(w, r, "sign-up", "Sign up")
}

func (h *Handler) renderAuthPage(w http.ResponseWriter, r *http.Request, section, title string) {
	q := r.URL.Query()
	h.render(w, http.StatusOK, "signin", pageData{
		Title:   title,
		Section: section,
		AuthURL: h.cfg.SignInURL,
		Message: q.Get("message"),
		Error:   q.Get("error"),
	})
}

// Dashboard reads the subscription itself rather than trusting the guard's
// earlier lookup; the two reads are not a snapshot.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	data, ok := h.memberPage(w, r, "Dashboard")
	if !ok {
		return
	}
	if r.URL.Query().Get("checkout") == "success" {
		data.Message = "Thanks! Your subscription is being activated."
	}
	h.render(w, http.StatusOK, "dashboard", data)
}

func (h *Handler) ContentHub(w http.ResponseWriter, r *http.Request) {
	data, ok := h.memberPage(w, r, "Content hub")
	if !ok {
		return
	}
	h.render(w, http.StatusOK, "contenthub", data)
}

func (h *Handler) memberPage(w http.ResponseWriter, r *http.Request, title string) (pageData, bool) {
	user := h.currentUser(w, r)
	if user == nil {
		http.Redirect(w, r, "/sign-in", http.StatusFound)
		return pageData{}, false
	}
	sub, err := h.store.ActiveSubscription(r.Context(), user.ID)
	if err != nil {
		log.Printf("[Pages][%s] subscription user=%s: %v", title, user.ID, err)
	}
	return pageData{
		Title:        title,
		User:         user,
		Subscription: sub,
		Tier:         tier.ResolveTier(sub, ""),
		Features:     tier.GetFeatureAccess(sub, ""),
	}, true
}
