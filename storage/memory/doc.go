// Package memory provides an in-memory implementation of storage.Store.
//
// All state lives in maps guarded by a single sync.RWMutex, so code
// consumption and token revocation are atomic within one process. Nothing
// is persisted; use storage/file, storage/postgres or storage/redis when
// state must survive a restart.
//
// Expired rows are removed lazily on lookup and in bulk by DeleteExpired,
// which the server's expiry sweeper calls on a schedule.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Close()
//
//	srv, err := server.New(store, server.Config{}, logger)
package memory
