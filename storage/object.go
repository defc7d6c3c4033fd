package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"orbit-notifier/pkg/notifier"
	"orbit-notifier/ration"

	"cloud.google.com/go/storage"
)

const (
	itemPrefix    = "item-"
	profilePrefix = "profile-"
)

// ObjectStore keeps one JSON object per record in a Cloud Storage bucket or a local directory.
type ObjectStore struct {
	blobs  blobs
	client *storage.Client // nil for local storage
	logger *slog.Logger
	salt   []byte
	mu     sync.Mutex // serializes read-modify-write within this process
}

// NewGCS opens a store backed by the named Cloud Storage bucket.
func NewGCS(ctx context.Context, bucket string, salt []byte, logger *slog.Logger) (*ObjectStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	logger.Info("Using Cloud Storage", "bucket", bucket)
	return &ObjectStore{
		blobs:  &gcsBlobs{client: client, bucket: bucket, logger: logger},
		client: client,
		logger: logger,
		salt:   salt,
	}, nil
}

// NewLocal opens a store that keeps its objects in dir, creating it if needed.
func NewLocal(dir string, salt []byte, logger *slog.Logger) (*ObjectStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	logger.Info("Using local storage", "path", dir)
	return &ObjectStore{
		blobs:  &localBlobs{dir: dir},
		logger: logger,
		salt:   salt,
	}, nil
}

// Close releases the Cloud Storage client, if any.
func (s *ObjectStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *ObjectStore) loadItem(ctx context.Context, key string) (notifier.WatchlistItem, int64, error) {
	var item notifier.WatchlistItem
	data, gen, err := s.blobs.read(ctx, key)
	if err != nil {
		if errors.Is(err, errBlobNotFound) {
			return item, 0, fmt.Errorf("item %s: %w", key, notifier.ErrNotFound)
		}
		return item, 0, err
	}
	if err := json.Unmarshal(data, &item); err != nil {
		return item, 0, fmt.Errorf("unmarshal item %s: %w", key, err)
	}
	return item, gen, nil
}

// List returns every watchlist item. Unreadable objects are logged and skipped.
func (s *ObjectStore) List(ctx context.Context) ([]notifier.WatchlistItem, error) {
	keys, err := s.blobs.list(ctx, itemPrefix)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	items := make([]notifier.WatchlistItem, 0, len(keys))
	for _, key := range keys {
		item, _, err := s.loadItem(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("Failed to load watchlist item", "key", key, "error", err)
			continue
		}
		items = append(items, item)
	}
	s.logger.Debug("Listed watchlist items", "count", len(items))
	return items, nil
}

// ListByUser returns the items owned by userID.
func (s *ObjectStore) ListByUser(ctx context.Context, userID string) ([]notifier.WatchlistItem, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var mine []notifier.WatchlistItem
	for _, item := range all {
		if item.UserID == userID {
			mine = append(mine, item)
		}
	}
	return mine, nil
}

// CommitMarker sets the item's marker to next if it still equals expected. The object
// generation read with the item guards against writers in other processes.
func (s *ObjectStore) CommitMarker(ctx context.Context, itemID, expected, next string) error {
	key, err := itemKey(itemID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, gen, err := s.loadItem(ctx, key)
	if err != nil {
		return err
	}
	if item.Marker() != expected {
		return fmt.Errorf("item %s holds %q, expected %q: %w", itemID, item.Marker(), expected, notifier.ErrMarkerConflict)
	}

	item.LastSeenID = &next
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	if err := s.blobs.write(ctx, key, data, gen); err != nil {
		if errors.Is(err, errPreconditionFail) {
			return fmt.Errorf("item %s changed during commit: %w", itemID, notifier.ErrMarkerConflict)
		}
		return fmt.Errorf("commit marker: %w", err)
	}
	s.logger.Debug("Marker committed", "item_id", itemID, "last_seen_id", next)
	return nil
}

// AddItem stores a new item. The item id must be a UUID that is not already in use.
func (s *ObjectStore) AddItem(ctx context.Context, item notifier.WatchlistItem) error {
	key, err := itemKey(item.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.blobs.write(ctx, key, data, mustNotExist); err != nil {
		if errors.Is(err, errPreconditionFail) {
			return fmt.Errorf("item %s already exists", item.ID)
		}
		return fmt.Errorf("save item: %w", err)
	}
	s.logger.Info("Watchlist item saved", "item_id", item.ID, "user_id", item.UserID, "platform", item.Platform, "handle", item.Handle)
	return nil
}

// DeleteItem removes an item.
func (s *ObjectStore) DeleteItem(ctx context.Context, itemID string) error {
	key, err := itemKey(itemID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.blobs.remove(ctx, key); err != nil {
		if errors.Is(err, errBlobNotFound) {
			return fmt.Errorf("item %s: %w", itemID, notifier.ErrNotFound)
		}
		return err
	}
	s.logger.Info("Watchlist item deleted", "item_id", itemID)
	return nil
}

// ContactInfo returns the delivery addresses of userID.
func (s *ObjectStore) ContactInfo(ctx context.Context, userID string) (notifier.Contact, error) {
	var c notifier.Contact
	key, err := profileKey(s.salt, userID)
	if err != nil {
		return c, err
	}
	data, _, err := s.blobs.read(ctx, key)
	if err != nil {
		if errors.Is(err, errBlobNotFound) {
			return c, fmt.Errorf("profile %s: %w", userID, notifier.ErrNotFound)
		}
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("unmarshal profile: %w", err)
	}
	return c, nil
}

// SaveContact creates or replaces the delivery addresses of c.UserID.
func (s *ObjectStore) SaveContact(ctx context.Context, c notifier.Contact) error {
	c.UserID = strings.TrimSpace(c.UserID)
	key, err := profileKey(s.salt, c.UserID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := s.blobs.write(ctx, key, data, anyGeneration); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	s.logger.Info("Profile saved", "user_id", c.UserID, "has_email", c.Email != "", "has_phone", c.Phone != "")
	return nil
}

// LoadBucket implements ration.BucketStore.
func (s *ObjectStore) LoadBucket(ctx context.Context, name string) (ration.BucketState, bool, error) {
	var state ration.BucketState
	key, err := bucketKey(name)
	if err != nil {
		return state, false, err
	}
	data, _, err := s.blobs.read(ctx, key)
	if errors.Is(err, errBlobNotFound) {
		return state, false, nil
	}
	if err != nil {
		return state, false, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, false, fmt.Errorf("unmarshal bucket: %w", err)
	}
	return state, true, nil
}

// SaveBucket implements ration.BucketStore.
func (s *ObjectStore) SaveBucket(ctx context.Context, name string, state ration.BucketState) error {
	key, err := bucketKey(name)
	if err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal bucket: %w", err)
	}
	return s.blobs.write(ctx, key, data, anyGeneration)
}
