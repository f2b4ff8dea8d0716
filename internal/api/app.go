// Package api exposes kindred's management surface: a chi REST router
// for events, profiles, preferences, approvals and imports, plus an
// MCP server mirroring the core operations as tools.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kindling-ai/kindred/internal/importer"
	"github.com/kindling-ai/kindred/internal/outreach"
	"github.com/kindling-ai/kindred/internal/permission"
	"github.com/kindling-ai/kindred/internal/prefs"
	"github.com/kindling-ai/kindred/internal/profile"
	"github.com/kindling-ai/kindred/internal/storage"
)

// EventHandler is the orchestrator surface the API depends on.
// Implemented by outreach.Orchestrator.
type EventHandler interface {
	HandlePersonDetected(ctx context.Context, userID, otherID, eventContext string) (outreach.Response, error)
	HandleIncomingMessage(ctx context.Context, userID, senderID, text, conversationID string) (outreach.Response, error)
	ResolveApproval(ctx context.Context, approvalID string, approve bool) (outreach.Response, error)
	ProposeMeeting(ctx context.Context, userID, otherID string, windowStart, windowEnd time.Time, duration time.Duration) (outreach.Response, error)
}

// AppDeps holds the API layer's dependencies.
type AppDeps struct {
	Store     *storage.Store
	Directory *profile.Directory
	Prefs     *prefs.Manager
	Outreach  EventHandler
	Token     string
}

// NewAppHandler builds the management router. Everything except
// /health requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/detections", handleDetection(deps))
		r.Post("/messages", handleMessage(deps))
		r.Post("/meetings/propose", handleProposeMeeting(deps))

		r.Get("/profiles", handleListProfiles(deps))
		r.Get("/profiles/{id}", handleGetProfile(deps))
		r.Put("/profiles/{id}", handlePutProfile(deps))
		r.Delete("/profiles/{id}", handleDeleteProfile(deps))

		r.Get("/preferences/{id}", handleGetPreferences(deps))
		r.Patch("/preferences/{id}", handlePatchPreferences(deps))

		r.Get("/interactions", handleListInteractions(deps))
		r.Get("/interactions/{id}", handleGetInteraction(deps))

		r.Get("/approvals", handleListApprovals(deps))
		r.Post("/approvals/{id}/approve", handleResolveApproval(deps, true))
		r.Post("/approvals/{id}/decline", handleResolveApproval(deps, false))

		r.Post("/contacts/import", handleImportContact(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type detectionRequest struct {
	UserID      string `json:"user_id"`
	OtherUserID string `json:"other_user_id"`
	Context     string `json:"context"`
}

func handleDetection(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req detectionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.UserID == "" || req.OtherUserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id and other_user_id are required")
			return
		}

		resp, err := deps.Outreach.HandlePersonDetected(r.Context(), req.UserID, req.OtherUserID, req.Context)
		if err != nil {
			outreachError(w, err)
			return
		}
		writeJSON(w, resp)
	}
}

type messageRequest struct {
	UserID         string `json:"user_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id"`
}

func handleMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.UserID == "" || req.SenderID == "" || req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id, sender_id and text are required")
			return
		}

		resp, err := deps.Outreach.HandleIncomingMessage(r.Context(), req.UserID, req.SenderID, req.Text, req.ConversationID)
		if err != nil {
			outreachError(w, err)
			return
		}
		writeJSON(w, resp)
	}
}

type meetingRequest struct {
	UserID          string    `json:"user_id"`
	OtherUserID     string    `json:"other_user_id"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	DurationMinutes int       `json:"duration_minutes"`
}

func handleProposeMeeting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req meetingRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.UserID == "" || req.OtherUserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id and other_user_id are required")
			return
		}
		if req.DurationMinutes <= 0 {
			req.DurationMinutes = 30
		}

		resp, err := deps.Outreach.ProposeMeeting(r.Context(), req.UserID, req.OtherUserID,
			req.WindowStart, req.WindowEnd, time.Duration(req.DurationMinutes)*time.Minute)
		if err != nil {
			outreachError(w, err)
			return
		}
		writeJSON(w, resp)
	}
}

func handleListProfiles(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		profiles, err := deps.Directory.List(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list profiles: %v", err)
			return
		}
		if profiles == nil {
			profiles = []profile.Profile{}
		}
		writeJSON(w, profiles)
	}
}

func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Directory.Get(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "profile not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get profile: %v", err)
			return
		}
		writeJSON(w, p)
	}
}

func handlePutProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p profile.Profile
		if !decodeBody(w, r, &p) {
			return
		}
		p.UserID = chi.URLParam(r, "id")

		if err := deps.Directory.Save(p); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save profile: %v", err)
			return
		}
		writeJSON(w, p)
	}
}

func handleDeleteProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Directory.Delete(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "profile not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete profile: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleGetPreferences(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Prefs.Get(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get preferences: %v", err)
			return
		}
		writeJSON(w, p)
	}
}

type preferencesPatch struct {
	Threshold   *float64          `json:"threshold"`
	Permissions map[string]string `json:"permissions"`
}

func handlePatchPreferences(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")
		var patch preferencesPatch
		if !decodeBody(w, r, &patch) {
			return
		}

		if patch.Threshold != nil {
			if err := deps.Prefs.SetThreshold(userID, *patch.Threshold); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}
		for action, setting := range patch.Permissions {
			if err := deps.Prefs.SetPermission(userID, permission.ActionType(action), permission.Setting(setting)); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}

		p, err := deps.Prefs.Get(userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reload preferences: %v", err)
			return
		}
		writeJSON(w, p)
	}
}

func handleListInteractions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		interactions, err := deps.Store.ListInteractions(r.URL.Query().Get("user_id"), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}
		if interactions == nil {
			interactions = []storage.Interaction{}
		}
		writeJSON(w, interactions)
	}
}

func handleGetInteraction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		interaction, err := deps.Store.GetInteraction(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interaction: %v", err)
			return
		}
		writeJSON(w, interaction)
	}
}

func handleListApprovals(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		status := r.URL.Query().Get("status")
		if status == "" {
			status = storage.ApprovalPending
		}

		approvals, err := deps.Store.ListApprovals(r.URL.Query().Get("user_id"), status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list approvals: %v", err)
			return
		}
		if approvals == nil {
			approvals = []storage.Approval{}
		}
		writeJSON(w, approvals)
	}
}

func handleResolveApproval(deps AppDeps, approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := deps.Outreach.ResolveApproval(r.Context(), chi.URLParam(r, "id"), approve)
		if err != nil {
			outreachError(w, err)
			return
		}
		writeJSON(w, resp)
	}
}

type importRequest struct {
	Source string `json:"source"`
	Value  string `json:"value"`
}

func handleImportContact(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req importRequest
		if !decodeBody(w, r, &req) {
			return
		}

		job, err := importer.NewImportJob(req.Source, req.Value)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue import: %v", err)
			return
		}

		writeJSON(w, map[string]string{"id": job.ID, "status": "queued"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
