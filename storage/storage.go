// Package storage persists digest window state to Cloud Storage or the local filesystem.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"announcements-notifier/pkg/notifier"
)

const keyPrefix = "digest-"

// ErrConflict is returned when the stored state changed since it was loaded.
var ErrConflict = errors.New("storage: digest state was modified concurrently")

// Store handles digest state persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	mu        sync.Mutex // Serializes local read-compare-write
}

// New creates a new storage handler. A non-empty localPath takes precedence over the bucket.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// StateKey generates the object name for a digest type.
// Only lowercase letters, digits, '-' and '_' are accepted to prevent path traversal.
func StateKey(digestType string) string {
	if digestType == "" || len(digestType) > 64 {
		return ""
	}
	for _, c := range digestType {
		ok := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
		if !ok {
			return ""
		}
	}
	return keyPrefix + digestType + ".json"
}

// localEnvelope carries the generation that Cloud Storage would otherwise track.
type localEnvelope struct {
	Generation int64                 `json:"generation"`
	State      *notifier.DigestState `json:"state"`
}

// LoadState loads the state of a digest type. A missing object yields a fresh state
// with a zero WindowStart and Generation.
func (s *Store) LoadState(ctx context.Context, digestType string) (*notifier.DigestState, error) {
	key := StateKey(digestType)
	if key == "" {
		return nil, fmt.Errorf("invalid digest type %q", digestType)
	}

	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		env, err := s.readLocal(key)
		if err != nil {
			return nil, err
		}
		if env == nil {
			return &notifier.DigestState{DigestType: digestType}, nil
		}
		env.State.Generation = env.Generation
		return env.State, nil
	}

	var (
		data       []byte
		generation int64
		missing    bool
	)
	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return nil
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			generation = r.Attrs.Generation
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	if missing {
		s.logger.Info("No digest state stored yet", "key", key)
		return &notifier.DigestState{DigestType: digestType}, nil
	}

	var st notifier.DigestState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal digest state: %w", err)
	}
	st.Generation = generation
	return &st, nil
}

// SaveState writes st if nobody saved since it was loaded, then records the new generation
// in st. It returns ErrConflict otherwise.
func (s *Store) SaveState(ctx context.Context, st *notifier.DigestState) error {
	key := StateKey(st.DigestType)
	if key == "" {
		return fmt.Errorf("invalid digest type %q", st.DigestType)
	}

	// Local filesystem storage
	if s.localPath != "" {
		return s.saveLocal(key, st)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal digest state: %w", err)
	}

	cond := storage.Conditions{GenerationMatch: st.Generation}
	if st.Generation == 0 {
		cond = storage.Conditions{DoesNotExist: true}
	}

	var (
		generation int64
		conflict   bool
	)
	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).If(cond).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					conflict = true
					return retry.Unrecoverable(ErrConflict)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			generation = w.Attrs().Generation
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if conflict {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	st.Generation = generation
	s.logger.Info("Digest state saved", "key", key, "generation", generation, "window_start", st.WindowStart.Format(time.RFC3339))
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// Delete removes the state of a digest type, restarting it from the zero window.
func (s *Store) Delete(ctx context.Context, digestType string) error {
	key := StateKey(digestType)
	if key == "" {
		return fmt.Errorf("invalid digest type %q", digestType)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Digest state deleted from local storage", "path", filePath)
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
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Digest state deleted", "key", key)
	return nil
}

// List returns the stored state of every digest type.
func (s *Store) List(ctx context.Context) ([]*notifier.DigestState, error) {
	var states []*notifier.DigestState

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasPrefix(name, keyPrefix) || !strings.HasSuffix(name, ".json") {
				continue
			}
			st, err := s.LoadState(ctx, strings.TrimSuffix(strings.TrimPrefix(name, keyPrefix), ".json"))
			if err != nil {
				s.logger.Warn("Failed to load digest state", "file", name, "error", err)
				continue
			}
			states = append(states, st)
		}
		return states, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		st, err := s.LoadState(ctx, strings.TrimSuffix(strings.TrimPrefix(attrs.Name, keyPrefix), ".json"))
		if err != nil {
			s.logger.Warn("Failed to load digest state", "key", attrs.Name, "error", err)
			continue
		}
		states = append(states, st)
	}
	return states, nil
}

// readLocal returns nil when the file does not exist. Callers hold s.mu.
func (s *Store) readLocal(key string) (*localEnvelope, error) {
	data, err := os.ReadFile(filepath.Join(s.localPath, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read from local storage: %w", err)
	}
	var env localEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal digest state: %w", err)
	}
	if env.State == nil {
		return nil, fmt.Errorf("digest state file %s has no state", key)
	}
	return &env, nil
}

func (s *Store) saveLocal(key string, st *notifier.DigestState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.readLocal(key)
	if err != nil {
		return err
	}
	var stored int64
	if current != nil {
		stored = current.Generation
	}
	if stored != st.Generation {
		s.logger.Warn("Digest state changed since load", "key", key, "stored", stored, "loaded", st.Generation)
		return ErrConflict
	}

	data, err := json.MarshalIndent(localEnvelope{Generation: stored + 1, State: st}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal digest state: %w", err)
	}

	filePath := filepath.Join(s.localPath, key)
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("rename local state file: %w", err)
	}

	st.Generation = stored + 1
	s.logger.Info("Digest state saved to local storage", "path", filePath, "generation", st.Generation)
	return nil
}

// IsConflict reports whether err is a concurrent-modification failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
