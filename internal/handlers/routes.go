package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes mounts every endpoint on r.
func RegisterRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	// Pages
	r.HandleFunc("/", h.Home).Methods("GET")
	r.HandleFunc("/pricing", h.Pricing).Methods("GET")
	r.HandleFunc("/sign-in", h.SignIn).Methods("GET")
	r.HandleFunc("/sign-up", h.SignUp).Methods("GET")
	r.HandleFunc("/dashboard", h.Dashboard).Methods("GET")
	r.PathPrefix("/dashboard/").HandlerFunc(h.Dashboard).Methods("GET")
	r.HandleFunc("/content-hub", h.ContentHub).Methods("GET")
	r.PathPrefix("/content-hub/").HandlerFunc(h.ContentHub).Methods("GET")

	// Auth
	r.HandleFunc("/auth/callback", h.AuthCallback).Methods("GET")
	r.HandleFunc("/auth/sign-out", h.SignOut).Methods("POST")

	// API
	r.HandleFunc("/api/me", h.Me).Methods("GET")
	r.HandleFunc("/api/plans", h.Plans).Methods("GET")
	r.HandleFunc("/api/platform-connections", h.CreatePlatformConnection).Methods("POST")
	r.HandleFunc("/api/platform-connections", h.ListPlatformConnections).Methods("GET")

	// Edge functions
	fn := r.PathPrefix("/functions/v1").Subrouter()
	fn.HandleFunc("/create-checkout", h.CreateCheckout).Methods("POST")
	fn.HandleFunc("/payments-webhook", h.PaymentsWebhook).Methods("POST")
	fn.HandleFunc("/cancel-subscription", h.CancelSubscription).Methods("POST")
	fn.HandleFunc("/create-portal-session", h.CreatePortalSession).Methods("GET")
	fn.HandleFunc("/fix-subscriptions", h.FixSubscriptions).Methods("POST")
	fn.HandleFunc("/fix-all-subscriptions", h.FixAllSubscriptions).Methods("POST")

	// Stripe webhook
	r.HandleFunc("/webhook/stripe", h.StripeWebhook).Methods("POST")

	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir("static"))))
}
