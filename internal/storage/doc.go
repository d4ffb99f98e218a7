// Package storage persists relay task checkpoints.
//
// Two drivers are provided: a dependency-free "file" backend (snapshot +
// append-only journal, periodically compacted) and a "sqlite" backend.
// Saves are idempotent upserts keyed by task id, so the scheduler can
// re-persist the same checkpoint freely.
package storage
