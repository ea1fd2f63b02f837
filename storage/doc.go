// Package storage provides interfaces and shared types for OAuth client, authorization
// code and token persistence.
//
// The storage package defines the contract every backend must satisfy:
//   - ClientStore: registered OAuth clients (upsert by client_id, never deleted)
//   - CodeStore: single-use authorization codes with atomic consumption
//   - TokenStore: linked access/refresh pairs with atomic lazy expiry and revocation
//   - Sweeper: bulk removal of expired rows
//
// Expiry is evaluated against a caller-supplied time so that every backend agrees
// on the same instant: a row expiring at T is live strictly before T.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/file: In-memory storage persisted to a JSON file
//   - storage/postgres: PostgreSQL storage using pgx
//   - storage/redis: Redis storage using go-redis
//   - storage/cached: read-through client cache for any ClientStore
//   - storage/mock: failure injection wrapper for unit testing
package storage
