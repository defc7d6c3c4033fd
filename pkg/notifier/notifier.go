// Package notifier contains the core domain types for the watchlist notification service.
package notifier

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies an upstream social platform.
type Platform string

// Supported platforms.
const (
	Microblog Platform = "microblog"
	Forum     Platform = "forum"
	VideoFeed Platform = "videofeed"
)

// Platforms lists every supported platform in processing order.
var Platforms = []Platform{Microblog, Forum, VideoFeed}

// ParsePlatform maps user-facing platform names (including the brand names the UI stores) to a Platform.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "microblog", "x", "twitter":
		return Microblog, nil
	case "forum", "reddit":
		return Forum, nil
	case "videofeed", "youtube":
		return VideoFeed, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Label is the human-facing platform name used in notifications.
func (p Platform) Label() string {
	switch p {
	case Microblog:
		return "X"
	case Forum:
		return "Reddit"
	case VideoFeed:
		return "YouTube"
	}
	return string(p)
}

// WatchlistItem is one tracked (user, platform, handle) subscription.
type WatchlistItem struct {
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	LastSeenID *string   `json:"last_seen_id" db:"last_seen_id"` // nil until the first post is committed
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	Platform   Platform  `json:"platform" db:"platform"`
	Handle     string    `json:"handle" db:"handle"`
}

// Marker returns the last seen id, or "" when none has been recorded.
func (w WatchlistItem) Marker() string {
	if w.LastSeenID == nil {
		return ""
	}
	return *w.LastSeenID
}

// NormalizedPost is the platform-independent view of the latest post for an item.
type NormalizedPost struct {
	SourceID    string   `json:"source_id"`
	Text        string   `json:"text"`
	Link        string   `json:"link"`
	DisplayName string   `json:"display_name"`
	Platform    Platform `json:"platform"`
}

// Contact is the read-only view of a subscriber's delivery addresses.
type Contact struct {
	UserID string `json:"user_id" db:"id"`
	Email  string `json:"email,omitempty" db:"email"`
	Phone  string `json:"phone,omitempty" db:"phone"`
}

// PendingUpdate is a post judged new for an item during the current cycle.
type PendingUpdate struct {
	Item       WatchlistItem
	Post       NormalizedPost
	ReadMarker string // marker value seen at fetch time, used for compare-and-set
}

// Result is the outcome of one delivery attempt on one channel.
type Result struct {
	Error   string `json:"error,omitempty"`
	Success bool   `json:"success"`
}

// Failed builds an unsuccessful Result from err.
func Failed(err error) Result {
	return Result{Error: err.Error()}
}

// Name is the best display name for the update: the adapter's display name, or the raw handle.
func (p PendingUpdate) Name() string {
	if p.Post.DisplayName != "" {
		return p.Post.DisplayName
	}
	return p.Item.Handle
}
