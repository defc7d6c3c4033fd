package storage

import (
	"context"
	"database/sql"
	"embed"
	"log/slog"
	"strings"
	"time"

	"orbit-notifier/pkg/notifier"
	"orbit-notifier/ration"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // sqlite driver
)

//go:embed migrations/*.sql
var migrations embed.FS

const sqlitePrefix = "sqlite:"

var watchlistColumns = []string{"id", "user_id", "platform", "handle", "last_seen_id", "created_at"}

// SQLStore keeps records in Postgres or SQLite.
type SQLStore struct {
	db     *sqlx.DB
	sb     sq.StatementBuilderType
	logger *slog.Logger
}

// OpenSQL connects to databaseURL and applies migrations. A "sqlite:" prefix selects SQLite
// with the remainder as the file path (":memory:" works); anything else is a Postgres URL.
func OpenSQL(ctx context.Context, databaseURL string, logger *slog.Logger) (*SQLStore, error) {
	driver, dialect, dsn := "postgres", "postgres", databaseURL
	sb := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	if path, ok := strings.CutPrefix(databaseURL, sqlitePrefix); ok {
		driver, dialect, dsn = "sqlite", "sqlite3", path
		sb = sq.StatementBuilder.PlaceholderFormat(sq.Question)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	if driver == "sqlite" {
		// One connection so ":memory:" databases are shared and writes are serialized.
		db.SetMaxOpenConns(1)
	}

	if err := migrate(db.DB, dialect); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, err
	}

	logger.Info("Using SQL storage", "driver", driver)
	return &SQLStore{db: db, sb: sb, logger: logger}, nil
}

func migrate(db *sql.DB, dialect string) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(dialect); err != nil {
		return errors.Wrap(err, "set migration dialect")
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) selectItems(ctx context.Context, where sq.Sqlizer) ([]notifier.WatchlistItem, error) {
	q := s.sb.Select(watchlistColumns...).From("watchlist").OrderBy("created_at", "id")
	if where != nil {
		q = q.Where(where)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build watchlist query")
	}

	items := []notifier.WatchlistItem{}
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, errors.Wrap(err, "select watchlist")
	}
	return items, nil
}

// List returns every watchlist item.
func (s *SQLStore) List(ctx context.Context) ([]notifier.WatchlistItem, error) {
	return s.selectItems(ctx, nil)
}

// ListByUser returns the items owned by userID.
func (s *SQLStore) ListByUser(ctx context.Context, userID string) ([]notifier.WatchlistItem, error) {
	return s.selectItems(ctx, sq.Eq{"user_id": userID})
}

// CommitMarker updates last_seen_id only while it still equals expected.
func (s *SQLStore) CommitMarker(ctx context.Context, itemID, expected, next string) error {
	query, args, err := s.sb.Update("watchlist").
		Set("last_seen_id", next).
		Where(sq.Eq{"id": itemID}).
		Where(sq.Expr("COALESCE(last_seen_id, '') = ?", expected)).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "build commit query")
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "commit marker")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "commit marker")
	}
	if n == 1 {
		return nil
	}

	exists, err := s.itemExists(ctx, itemID)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Wrapf(notifier.ErrNotFound, "item %s", itemID)
	}
	return errors.Wrapf(notifier.ErrMarkerConflict, "item %s no longer holds %q", itemID, expected)
}

func (s *SQLStore) itemExists(ctx context.Context, itemID string) (bool, error) {
	query, args, err := s.sb.Select("COUNT(*)").From("watchlist").Where(sq.Eq{"id": itemID}).ToSql()
	if err != nil {
		return false, errors.Wrap(err, "build lookup query")
	}
	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return false, errors.Wrap(err, "look up item")
	}
	return n > 0, nil
}

// AddItem inserts a new item.
func (s *SQLStore) AddItem(ctx context.Context, item notifier.WatchlistItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	query, args, err := s.sb.Insert("watchlist").
		Columns(watchlistColumns...).
		Values(item.ID, item.UserID, string(item.Platform), item.Handle, item.LastSeenID, item.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "build insert query")
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "insert item %s", item.ID)
	}
	s.logger.Info("Watchlist item saved", "item_id", item.ID, "user_id", item.UserID, "platform", item.Platform, "handle", item.Handle)
	return nil
}

// DeleteItem removes an item.
func (s *SQLStore) DeleteItem(ctx context.Context, itemID string) error {
	query, args, err := s.sb.Delete("watchlist").Where(sq.Eq{"id": itemID}).ToSql()
	if err != nil {
		return errors.Wrap(err, "build delete query")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "delete item")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(notifier.ErrNotFound, "item %s", itemID)
	}
	s.logger.Info("Watchlist item deleted", "item_id", itemID)
	return nil
}

// ContactInfo returns the delivery addresses of userID.
func (s *SQLStore) ContactInfo(ctx context.Context, userID string) (notifier.Contact, error) {
	var c notifier.Contact
	query, args, err := s.sb.Select("id", "email", "phone").From("profiles").Where(sq.Eq{"id": userID}).ToSql()
	if err != nil {
		return c, errors.Wrap(err, "build profile query")
	}
	err = s.db.GetContext(ctx, &c, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return c, errors.Wrapf(notifier.ErrNotFound, "profile %s", userID)
	}
	if err != nil {
		return c, errors.Wrap(err, "select profile")
	}
	return c, nil
}

// SaveContact creates or replaces the delivery addresses of c.UserID.
func (s *SQLStore) SaveContact(ctx context.Context, c notifier.Contact) error {
	c.UserID = strings.TrimSpace(c.UserID)
	if c.UserID == "" {
		return errors.Wrap(ErrInvalidKey, "empty user id")
	}
	query, args, err := s.sb.Insert("profiles").
		Columns("id", "email", "phone").
		Values(c.UserID, c.Email, c.Phone).
		Suffix("ON CONFLICT (id) DO UPDATE SET email = excluded.email, phone = excluded.phone").
		ToSql()
	if err != nil {
		return errors.Wrap(err, "build profile upsert")
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "upsert profile")
	}
	s.logger.Info("Profile saved", "user_id", c.UserID, "has_email", c.Email != "", "has_phone", c.Phone != "")
	return nil
}

// LoadBucket implements ration.BucketStore.
func (s *SQLStore) LoadBucket(ctx context.Context, name string) (ration.BucketState, bool, error) {
	var state ration.BucketState
	query, args, err := s.sb.Select("tokens", "updated_at").From("quota_buckets").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return state, false, errors.Wrap(err, "build bucket query")
	}
	err = s.db.GetContext(ctx, &state, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return state, false, nil
	}
	if err != nil {
		return state, false, errors.Wrap(err, "select bucket")
	}
	return state, true, nil
}

// SaveBucket implements ration.BucketStore.
func (s *SQLStore) SaveBucket(ctx context.Context, name string, state ration.BucketState) error {
	query, args, err := s.sb.Insert("quota_buckets").
		Columns("name", "tokens", "updated_at").
		Values(name, state.Tokens, state.UpdatedAt.UTC()).
		Suffix("ON CONFLICT (name) DO UPDATE SET tokens = excluded.tokens, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return errors.Wrap(err, "build bucket upsert")
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "upsert bucket")
	}
	return nil
}
