// Package storage handles persistence of listing events, catalog games, alert rules
// and notifications as JSON objects in Cloud Storage or on the local filesystem.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"boardgame-notifier/pkg/notifier"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("storage: object doesn't exist")
	// ErrDuplicate is returned when creating an object that already exists.
	ErrDuplicate = errors.New("storage: object already exists")
)

const catalogTTL = time.Minute

// Store persists objects in a GCS bucket, or under localPath when set.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string

	replaceMu sync.Mutex // serializes stale-event replacement within the process

	mu          sync.Mutex
	games       []*notifier.Game
	gamesLoaded time.Time
}

// New creates a new storage handler.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// IsNotFound checks if an error indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate checks if an error indicates a create-if-absent conflict.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

func retryOpts(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

func (s *Store) localFile(key string) string {
	return filepath.Join(s.localPath, filepath.FromSlash(key))
}

// write stores data at key. With ifAbsent the write fails with ErrDuplicate when key exists.
func (s *Store) write(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	if s.localPath != "" {
		filePath := s.localFile(key)
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		if !ifAbsent {
			if err := os.WriteFile(filePath, data, 0o600); err != nil {
				return fmt.Errorf("write to local storage: %w", err)
			}
			return nil
		}

		// Link publishes the fully written file and fails if the key already exists.
		tmp, err := writeTemp(filePath, data)
		if err != nil {
			return err
		}
		defer func() {
			if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
				s.logger.Warn("Failed to remove temp file", "path", tmp, "error", rmErr)
			}
		}()
		if err := os.Link(tmp, filePath); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return ErrDuplicate
			}
			return fmt.Errorf("create in local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	exists := false
	err := retry.Do(
		func() error {
			obj := s.client.Bucket(s.bucket).Object(key)
			if ifAbsent {
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			}
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					exists = true
					return retry.Unrecoverable(closeErr)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "write", key)...,
	)
	if exists {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("write after retries: %w", err)
	}
	return nil
}

// writeTemp writes data to a new temp file next to filePath and returns its path.
func writeTemp(filePath string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), nil
}

// replace overwrites key only if it is still at generation, the value returned by
// readObject. A lost race reports ErrDuplicate. Local storage has no generations and
// replaces by rename.
func (s *Store) replace(ctx context.Context, key string, data []byte, generation int64) error {
	if s.localPath != "" {
		filePath := s.localFile(key)
		tmp, err := writeTemp(filePath, data)
		if err != nil {
			return err
		}
		if err := os.Rename(tmp, filePath); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("replace in local storage: %w", err)
		}
		return nil
	}

	lost := false
	err := retry.Do(
		func() error {
			obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{GenerationMatch: generation})
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				_ = w.Close()
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					lost = true
					return retry.Unrecoverable(closeErr)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "replace", key)...,
	)
	if lost {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("replace after retries: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	data, _, err := s.readObject(ctx, key)
	return data, err
}

// readObject returns the object's content and its generation (0 for local storage).
func (s *Store) readObject(ctx context.Context, key string) ([]byte, int64, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(s.localFile(key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, 0, ErrNotFound
			}
			return nil, 0, fmt.Errorf("read from local storage: %w", err)
		}
		return data, 0, nil
	}

	var data []byte
	var generation int64
	missing := false
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			generation = r.Attrs.Generation
			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "read", key)...,
	)
	if missing {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load after retries: %w", err)
	}
	return data, generation, nil
}

func (s *Store) remove(ctx context.Context, key string) error {
	if s.localPath != "" {
		if err := os.Remove(s.localFile(key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// list returns the sorted keys of JSON objects under prefix (a slash-terminated "directory").
func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	if s.localPath != "" {
		root := s.localFile(prefix)
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && p == root {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
				return nil
			}
			rel, err := filepath.Rel(s.localPath, p)
			if err != nil {
				return err
			}
			keys = append(keys, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		sort.Strings(keys)
		return keys, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if path.Ext(attrs.Name) == ".json" {
			keys = append(keys, attrs.Name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
