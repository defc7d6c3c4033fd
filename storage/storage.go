// Package storage persists watchlist items, subscriber contacts and quota state.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"orbit-notifier/pkg/notifier"
	"orbit-notifier/ration"

	"github.com/google/uuid"
)

// Store is implemented by every backend.
type Store interface {
	// List returns every watchlist item.
	List(ctx context.Context) ([]notifier.WatchlistItem, error)
	// CommitMarker sets last_seen_id to next if it still equals expected, else returns notifier.ErrMarkerConflict.
	CommitMarker(ctx context.Context, itemID, expected, next string) error
	ListByUser(ctx context.Context, userID string) ([]notifier.WatchlistItem, error)
	AddItem(ctx context.Context, item notifier.WatchlistItem) error
	DeleteItem(ctx context.Context, itemID string) error

	ContactInfo(ctx context.Context, userID string) (notifier.Contact, error)
	SaveContact(ctx context.Context, c notifier.Contact) error

	ration.BucketStore

	Close() error
}

// ErrInvalidKey is returned for identifiers that cannot name a stored record.
var ErrInvalidKey = errors.New("invalid key format")

// itemKey maps an item id to its object name. Only UUIDs are accepted so ids can never traverse paths.
func itemKey(id string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: item id %q", ErrInvalidKey, id)
	}
	return fmt.Sprintf("item-%s.json", u.String()), nil
}

// profileKey derives a stable object name from a user id with HMAC-SHA256, so ids of any
// shape map to a fixed-length hex name.
func profileKey(salt []byte, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrInvalidKey)
	}
	h := hmac.New(sha256.New, salt)
	h.Write([]byte(userID))
	return "profile-" + hex.EncodeToString(h.Sum(nil)) + ".json", nil
}

// bucketKey maps a quota bucket name to its object name.
func bucketKey(name string) (string, error) {
	for _, c := range name {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return "", fmt.Errorf("%w: bucket name %q", ErrInvalidKey, name)
		}
	}
	if name == "" {
		return "", fmt.Errorf("%w: empty bucket name", ErrInvalidKey)
	}
	return "quota-" + name + ".json", nil
}

var (
	_ Store = (*ObjectStore)(nil)
	_ Store = (*SQLStore)(nil)
)
