package storage

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"orbit-notifier/pkg/notifier"
	"orbit-notifier/ration"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	local, err := NewLocal(t.TempDir(), []byte("salt"), testLogger())
	require.NoError(t, err)

	db, err := OpenSQL(context.Background(), "sqlite::memory:", testLogger())
	require.NoError(t, err)

	stores := map[string]Store{"local": local, "sqlite": db}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close() //nolint:errcheck // test cleanup
		}
	})
	return stores
}

func newItem(userID string, platform notifier.Platform, handle string) notifier.WatchlistItem {
	return notifier.WatchlistItem{
		ID:        uuid.NewString(),
		UserID:    userID,
		Platform:  platform,
		Handle:    handle,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestStoreItems(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := newItem("u1", notifier.Forum, "u/alice")
			b := newItem("u2", notifier.VideoFeed, "UCabcdefghijklmnopqrstuv")
			require.NoError(t, s.AddItem(ctx, a))
			require.NoError(t, s.AddItem(ctx, b))
			assert.Error(t, s.AddItem(ctx, a), "same id twice")

			all, err := s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			mine, err := s.ListByUser(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, mine, 1)
			assert.Equal(t, "u/alice", mine[0].Handle)
			assert.Nil(t, mine[0].LastSeenID)
			assert.Equal(t, notifier.Forum, mine[0].Platform)

			require.NoError(t, s.DeleteItem(ctx, a.ID))
			assert.True(t, notifier.IsNotFound(s.DeleteItem(ctx, a.ID)))

			all, err = s.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, b.ID, all[0].ID)
		})
	}
}

func TestStoreCommitMarker(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			item := newItem("u1", notifier.Microblog, "jack")
			require.NoError(t, s.AddItem(ctx, item))

			// Bootstrap: the empty marker matches "".
			require.NoError(t, s.CommitMarker(ctx, item.ID, "", "100"))

			// Stale expectation loses.
			err := s.CommitMarker(ctx, item.ID, "", "101")
			assert.ErrorIs(t, err, notifier.ErrMarkerConflict)

			require.NoError(t, s.CommitMarker(ctx, item.ID, "100", "101"))

			items, err := s.ListByUser(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, "101", items[0].Marker())

			err = s.CommitMarker(ctx, uuid.NewString(), "", "1")
			assert.True(t, notifier.IsNotFound(err), "got %v", err)
		})
	}
}

func TestStoreContacts(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.ContactInfo(ctx, "u1")
			assert.True(t, notifier.IsNotFound(err), "got %v", err)

			require.NoError(t, s.SaveContact(ctx, notifier.Contact{UserID: "u1", Email: "a@example.com"}))
			require.NoError(t, s.SaveContact(ctx, notifier.Contact{UserID: "u1", Email: "a@example.com", Phone: "+15550001"}))

			c, err := s.ContactInfo(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, notifier.Contact{UserID: "u1", Email: "a@example.com", Phone: "+15550001"}, c)

			assert.Error(t, s.SaveContact(ctx, notifier.Contact{UserID: "  "}))
		})
	}
}

func TestStoreBuckets(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, found, err := s.LoadBucket(ctx, "microblog")
			require.NoError(t, err)
			assert.False(t, found)

			at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, s.SaveBucket(ctx, "microblog", ration.BucketState{Tokens: 3.5, UpdatedAt: at}))
			require.NoError(t, s.SaveBucket(ctx, "microblog", ration.BucketState{Tokens: 2.25, UpdatedAt: at}))

			state, found, err := s.LoadBucket(ctx, "microblog")
			require.NoError(t, err)
			assert.True(t, found)
			assert.InDelta(t, 2.25, state.Tokens, 1e-9)
			assert.True(t, at.Equal(state.UpdatedAt), "updated_at = %v", state.UpdatedAt)
		})
	}
}

func TestKeys(t *testing.T) {
	_, err := itemKey("../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidKey)

	id := uuid.NewString()
	key, err := itemKey(id)
	require.NoError(t, err)
	assert.Equal(t, "item-"+id+".json", key)

	k1, err := profileKey([]byte("s1"), "user/1")
	require.NoError(t, err)
	k2, err := profileKey([]byte("s2"), "user/1")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, "profile-"))
	assert.NotContains(t, k1, "/")

	_, err = bucketKey("Micro/blog")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestLocalBlobsPrecondition(t *testing.T) {
	ctx := context.Background()
	b := &localBlobs{dir: t.TempDir()}

	require.NoError(t, b.write(ctx, "item-a.json", []byte("{}"), mustNotExist))
	assert.ErrorIs(t, b.write(ctx, "item-a.json", []byte("{}"), mustNotExist), errPreconditionFail)

	_, gen, err := b.read(ctx, "item-a.json")
	require.NoError(t, err)
	assert.ErrorIs(t, b.write(ctx, "item-a.json", []byte("{}"), gen+1), errPreconditionFail)
	require.NoError(t, b.write(ctx, "item-a.json", []byte(`{"x":1}`), gen))

	keys, err := b.list(ctx, itemPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"item-a.json"}, keys)

	_, _, err = b.read(ctx, "item-missing.json")
	assert.ErrorIs(t, err, errBlobNotFound)
}
