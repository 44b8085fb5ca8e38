package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrVersionConflict is returned when a versioned session update lost a race.
// The per-session executor makes this rare; it indicates a stale in-memory
// copy and the command should be retried from a fresh read.
var ErrVersionConflict = errors.New("storage: version conflict")
