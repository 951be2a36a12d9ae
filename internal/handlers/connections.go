package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/PortNumber53/pegasus/internal/models"
	"github.com/PortNumber53/pegasus/internal/store"
	"github.com/PortNumber53/pegasus/internal/tier"
)

type platformConnectionRequest struct {
	Platform         string  `json:"platform" validate:"required"`
	PlatformUsername string  `json:"platform_username"`
	Username         string  `json:"username"`
	PlatformUserID   string  `json:"platform_user_id"`
	FollowerCount    int64   `json:"follower_count" validate:"gte=0"`
	EngagementRate   float64 `json:"engagement_rate" validate:"gte=0"`
}

// CreatePlatformConnection upserts the caller's connection for one platform.
func (h *Handler) CreatePlatformConnection(w http.ResponseWriter, r *http.Request) {
	user := h.currentUser(w, r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req platformConnectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	req.Platform = strings.ToLower(strings.TrimSpace(req.Platform))
	if req.PlatformUsername == "" {
		req.PlatformUsername = req.Username
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if strings.TrimSpace(req.PlatformUsername) == "" {
		writeError(w, http.StatusBadRequest, "platform_username is required")
		return
	}

	conn := &models.PlatformConnection{
		UserID:           user.ID,
		Platform:         req.Platform,
		PlatformUsername: strings.TrimSpace(req.PlatformUsername),
		FollowerCount:    req.FollowerCount,
		EngagementRate:   req.EngagementRate,
	}
	if req.PlatformUserID != "" {
		conn.PlatformUserID = &req.PlatformUserID
	}

	saved, err := h.store.UpsertPlatformConnection(r.Context(), conn)
	if err != nil {
		log.Printf("[Connections][Upsert] user=%s platform=%s: %v", user.ID, req.Platform, err)
		writeError(w, http.StatusInternalServerError, "Failed to save platform connection")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": saved, "success": true})
}

func (h *Handler) ListPlatformConnections(w http.ResponseWriter, r *http.Request) {
	user := h.currentUser(w, r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	conns, err := h.store.ListPlatformConnections(r.Context(), user.ID)
	if err != nil {
		log.Printf("[Connections][List] user=%s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "Failed to load platform connections")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": conns, "success": true})
}

// Me returns the caller's profile with the resolved tier and entitlements.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user := h.currentUser(w, r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, err := h.store.GetProfile(r.Context(), user.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("[Me] profile user=%s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "Failed to load profile")
		return
	}
	sub, err := h.store.ActiveSubscription(r.Context(), user.ID)
	if err != nil {
		log.Printf("[Me] subscription user=%s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "Failed to load subscription")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":         user,
		"profile":      profile,
		"subscription": sub,
		"tier":         tier.ResolveTier(sub, ""),
		"features":     tier.GetFeatureAccess(sub, ""),
	})
}

// Plans lists the active plan catalog.
func (h *Handler) Plans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.store.ListActivePlans(r.Context())
	if err != nil {
		log.Printf("[Plans] list: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to load plans")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": plans})
}
