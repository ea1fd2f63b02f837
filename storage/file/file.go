// Package file provides a storage.Store that keeps its state in memory and
// persists a JSON snapshot to disk after every mutation.
//
// It suits single-instance deployments that must survive restarts without
// running a database. Writes go through a temp file, fsync and rename, so a
// crash leaves either the previous snapshot or the new one on disk.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/asamzaman87/Git-GPT-App/instrumentation"
	"github.com/asamzaman87/Git-GPT-App/storage"
	"github.com/asamzaman87/Git-GPT-App/storage/memory"
)

const filePerm fs.FileMode = 0o600

// Store wraps a memory.Store and mirrors every mutation to a snapshot file.
type Store struct {
	path string

	// writeMu serializes mutate-then-persist so snapshots are written in order.
	writeMu sync.Mutex
	mem     *memory.Store
	logger  *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open loads the snapshot at path, or starts empty if the file does not exist.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("file store: path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	mem := memory.New()
	mem.SetLogger(logger)

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("Starting with empty file store", "path", path)
	case err != nil:
		return nil, fmt.Errorf("file store: read %s: %w", path, err)
	default:
		var snap memory.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("file store: decode %s: %w", path, err)
		}
		mem.Restore(snap)
		logger.Info("Loaded file store",
			"path", path,
			"clients", len(snap.Clients),
			"codes", len(snap.Codes),
			"refresh_tokens", len(snap.RefreshTokens))
	}

	return &Store{path: path, mem: mem, logger: logger}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mem.SetInstrumentation(inst)
}

// Close flushes a final snapshot.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	data, err := json.Marshal(s.mem.Snapshot())
	if err != nil {
		return fmt.Errorf("file store: encode: %w", err)
	}
	if err := writeFileAtomic(s.path, data, filePerm); err != nil {
		s.logger.Error("Failed to persist file store", "path", s.path, "error", err)
		return fmt.Errorf("file store: %w", err)
	}
	return nil
}

// mutate runs fn under the write lock and persists if fn reports a change.
func (s *Store) mutate(fn func() (changed bool, err error)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	changed, err := fn()
	if changed {
		if perr := s.persistLocked(); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	return s.mutate(func() (bool, error) {
		err := s.mem.SaveClient(ctx, client)
		return err == nil, err
	})
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.mem.GetClient(ctx, clientID)
}

func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return s.mem.ListClients(ctx)
}

func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	return s.mutate(func() (bool, error) {
		err := s.mem.SaveAuthorizationCode(ctx, code)
		return err == nil, err
	})
}

// ConsumeAuthorizationCode consumes in memory first and then persists.
// If persisting fails the code stays consumed and the error is returned.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time, check storage.CodeCheck) (*storage.AuthorizationCode, error) {
	var out *storage.AuthorizationCode
	err := s.mutate(func() (bool, error) {
		var err error
		out, err = s.mem.ConsumeAuthorizationCode(ctx, code, now, check)
		return err == nil || errors.Is(err, storage.ErrExpired), err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SaveTokenPair(ctx context.Context, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	return s.mutate(func() (bool, error) {
		err := s.mem.SaveTokenPair(ctx, access, refresh)
		return err == nil, err
	})
}

// GetAccessToken does not persist lazy expiry deletes; the next write or sweep does.
func (s *Store) GetAccessToken(ctx context.Context, token string, now time.Time) (*storage.AccessToken, error) {
	return s.mem.GetAccessToken(ctx, token, now)
}

func (s *Store) GetRefreshToken(ctx context.Context, token string, now time.Time) (*storage.RefreshToken, error) {
	return s.mem.GetRefreshToken(ctx, token, now)
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, token string, now time.Time, check storage.RefreshCheck) (*storage.RefreshToken, error) {
	var out *storage.RefreshToken
	err := s.mutate(func() (bool, error) {
		var err error
		out, err = s.mem.ConsumeRefreshToken(ctx, token, now, check)
		return err == nil || errors.Is(err, storage.ErrExpired), err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	return s.mutate(func() (bool, error) {
		err := s.mem.RevokeRefreshToken(ctx, token)
		return err == nil, err
	})
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (storage.SweepResult, error) {
	var res storage.SweepResult
	err := s.mutate(func() (bool, error) {
		var err error
		res, err = s.mem.DeleteExpired(ctx, now)
		return err == nil && res.Total() > 0, err
	})
	return res, err
}

// writeFileAtomic writes data to a temp file in the target directory, fsyncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
