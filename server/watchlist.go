package server

import (
	"net/http"
	"strings"
	"time"

	"orbit-notifier/pkg/notifier"
	"orbit-notifier/source"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Enforce item limit per user (prevent resource exhaustion)
const maxItemsPerUser = 10

type addItemRequest struct {
	UserID   string `json:"user_id"`
	Platform string `json:"platform"`
	Handle   string `json:"handle"`
}

type profileRequest struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// validateHandle checks handle against the rules of its platform and returns the form to store.
func validateHandle(p notifier.Platform, handle string) (string, error) {
	handle = strings.TrimSpace(handle)
	var err error
	switch p {
	case notifier.Microblog:
		err = source.ValidateMicroblogHandle(handle)
		handle = strings.TrimPrefix(handle, "@")
	case notifier.Forum:
		err = source.ValidateForumHandle(handle)
	case notifier.VideoFeed:
		err = source.ValidateChannelID(handle)
	}
	return handle, err
}

// sameHandle compares handles the way the adapters resolve them.
func sameHandle(a, b string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
	}
	return norm(a) == norm(b)
}

func (s *Server) handleAddWatchlist(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if !s.decode(w, r, &req) {
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	platform, err := notifier.ParsePlatform(req.Platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	handle, err := validateHandle(platform, req.Handle)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := s.store.ListByUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("Failed to load watchlist", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// Check if already tracking this handle
	for _, item := range existing {
		if item.Platform == platform && sameHandle(item.Handle, handle) {
			writeError(w, http.StatusConflict, "already tracking this account")
			return
		}
	}
	if len(existing) >= maxItemsPerUser {
		s.logger.Warn("Watchlist limit exceeded", "user_id", userID, "current_count", len(existing))
		writeError(w, http.StatusBadRequest, "watchlist limit reached (10 accounts per user)")
		return
	}

	item := notifier.WatchlistItem{
		ID:        uuid.NewString(),
		UserID:    userID,
		Platform:  platform,
		Handle:    handle,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AddItem(r.Context(), item); err != nil {
		s.logger.Error("Failed to save watchlist item", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save watchlist item")
		return
	}

	s.logger.Info("Watchlist item created", "user_id", userID, "platform", platform, "handle", handle, "ip", clientIP(r))
	writeJSON(w, s.logger, http.StatusCreated, item)
}

func (s *Server) handleListWatchlist(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	items, err := s.store.ListByUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("Failed to load watchlist", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if items == nil {
		items = []notifier.WatchlistItem{}
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDeleteWatchlist(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	if err := s.store.DeleteItem(r.Context(), id); err != nil {
		if notifier.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		s.logger.Error("Failed to delete watchlist item", "item_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete watchlist item")
		return
	}
	s.logger.Info("Watchlist item removed", "item_id", id)
	writeJSON(w, s.logger, http.StatusOK, notifier.Result{Success: true})
}

func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(mux.Vars(r)["user_id"])
	var req profileRequest
	if !s.decode(w, r, &req) {
		return
	}

	c := notifier.Contact{
		UserID: userID,
		Email:  strings.ToLower(strings.TrimSpace(req.Email)),
		Phone:  strings.TrimSpace(req.Phone),
	}
	if c.Email != "" && !isValidEmail(c.Email) {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if c.Phone != "" && !isValidPhone(c.Phone) {
		writeError(w, http.StatusBadRequest, "invalid phone number")
		return
	}

	if err := s.store.SaveContact(r.Context(), c); err != nil {
		s.logger.Error("Failed to save profile", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save profile")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, c)
}
