package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// Generation preconditions for blobs.write.
const (
	anyGeneration int64 = -1 // write unconditionally
	mustNotExist  int64 = 0  // create only
)

var (
	errBlobNotFound     = errors.New("storage: object doesn't exist")
	errPreconditionFail = errors.New("storage: generation precondition failed")
)

// blobs is a flat namespace of JSON objects with generation numbers.
type blobs interface {
	read(ctx context.Context, key string) (data []byte, generation int64, err error)
	write(ctx context.Context, key string, data []byte, ifGeneration int64) error
	remove(ctx context.Context, key string) error
	list(ctx context.Context, prefix string) ([]string, error)
}

// gcsBlobs stores objects in a Cloud Storage bucket.
type gcsBlobs struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
}

func retryOpts(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10 * time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

func (g *gcsBlobs) read(ctx context.Context, key string) ([]byte, int64, error) {
	var data []byte
	var gen int64
	err := retry.Do(
		func() error {
			r, openErr := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(errBlobNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			b, readErr := io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			data, gen = b, r.Attrs.Generation
			return nil
		},
		retryOpts(ctx, g.logger, "read", key)...,
	)
	if err != nil {
		if errors.Is(err, errBlobNotFound) {
			return nil, 0, errBlobNotFound
		}
		return nil, 0, fmt.Errorf("load after retries: %w", err)
	}
	return data, gen, nil
}

func (g *gcsBlobs) write(ctx context.Context, key string, data []byte, ifGeneration int64) error {
	obj := g.client.Bucket(g.bucket).Object(key)
	switch {
	case ifGeneration == mustNotExist:
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	case ifGeneration > 0:
		obj = obj.If(storage.Conditions{GenerationMatch: ifGeneration})
	}

	err := retry.Do(
		func() error {
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				var gerr *googleapi.Error
				if errors.As(closeErr, &gerr) && gerr.Code == http.StatusPreconditionFailed {
					return retry.Unrecoverable(errPreconditionFail)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOpts(ctx, g.logger, "write", key)...,
	)
	if errors.Is(err, errPreconditionFail) {
		return errPreconditionFail
	}
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (g *gcsBlobs) remove(ctx context.Context, key string) error {
	err := retry.Do(
		func() error {
			if deleteErr := g.client.Bucket(g.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(errBlobNotFound)
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOpts(ctx, g.logger, "delete", key)...,
	)
	if errors.Is(err, errBlobNotFound) {
		return errBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

func (g *gcsBlobs) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// localBlobs stores objects as files in a directory, for development. Generations are the
// file modification time; callers serialize writes within the process.
type localBlobs struct {
	dir string
}

func (l *localBlobs) read(_ context.Context, key string) ([]byte, int64, error) {
	path := filepath.Join(l.dir, key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, errBlobNotFound
		}
		return nil, 0, fmt.Errorf("read from local storage: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("stat local storage: %w", err)
	}
	return data, info.ModTime().UnixNano(), nil
}

func (l *localBlobs) write(_ context.Context, key string, data []byte, ifGeneration int64) error {
	path := filepath.Join(l.dir, key)
	if ifGeneration != anyGeneration {
		info, err := os.Stat(path)
		switch {
		case err != nil && !os.IsNotExist(err):
			return fmt.Errorf("stat local storage: %w", err)
		case ifGeneration == mustNotExist && err == nil:
			return errPreconditionFail
		case ifGeneration > 0 && (err != nil || info.ModTime().UnixNano() != ifGeneration):
			return errPreconditionFail
		}
	}

	// Write to a temp file and rename so readers never see a partial object.
	tmp, err := os.CreateTemp(l.dir, ".tmp-"+key+"-*")
	if err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()           //nolint:errcheck // already failing
		_ = os.Remove(tmp.Name()) //nolint:errcheck // already failing
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name()) //nolint:errcheck // already failing
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}
	return nil
}

func (l *localBlobs) remove(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(l.dir, key))
	if os.IsNotExist(err) {
		return errBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("delete from local storage: %w", err)
	}
	return nil
}

func (l *localBlobs) list(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read local storage directory: %w", err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		keys = append(keys, entry.Name())
	}
	sort.Strings(keys)
	return keys, nil
}
