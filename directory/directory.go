// Package directory defines the shared view of live sessions across gateway
// nodes. The in-process registry remains the authority for routing on one
// node; the directory is advisory metadata: operators list it, and the
// router consults it to tell "session lives elsewhere" from "no such
// session" when a join misses locally.
//
// Entries are leases: publishers re-publish within the TTL, so entries for
// crashed nodes age out on their own.
package directory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a lookup for an identifier with no live entry.
var ErrNotFound = errors.New("session not found")

// Record describes one live session.
type Record struct {
	// ID is the session's public identifier.
	ID string `json:"id"`
	// Protocol is the backend protocol name the session runs.
	Protocol string `json:"protocol"`
	// Node is the advertised address of the gateway owning the session.
	Node string `json:"node"`
	// Users is the attached-user count as of the last publish.
	Users int `json:"users"`
	// Created is when the session was created.
	Created time.Time `json:"created"`
	// LastActive is the session's last activity as of the last publish.
	LastActive time.Time `json:"last_active"`
}

// Directory stores session records with lease semantics. Implementations
// must be safe for concurrent use.
type Directory interface {
	// Publish upserts a record with the given lease duration. Re-publishing
	// extends the lease.
	Publish(ctx context.Context, rec Record, ttl time.Duration) error

	// Lookup returns the live record for id, or ErrNotFound.
	Lookup(ctx context.Context, id string) (Record, error)

	// List returns all live records, in no particular order.
	List(ctx context.Context) ([]Record, error)

	// Remove drops the record for id. Removing an absent id is not an
	// error.
	Remove(ctx context.Context, id string) error

	// Close releases the directory's resources.
	Close() error
}
