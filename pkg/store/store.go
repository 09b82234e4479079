// Package store persists session documents. Nested collections are encoded
// as versioned JSON strings at the store boundary; decode failures degrade
// to empty collections instead of failing reads.
package store

import (
	"context"
	"time"

	"github.com/webpilot-ai/webpilot/pkg/types"
)

// Store is the session persistence abstraction.
type Store interface {
	// Get returns the session or nil when it does not exist.
	Get(ctx context.Context, id string) (*types.Session, error)

	// Put upserts the full session document. The transient screenshot field
	// is never written.
	Put(ctx context.Context, session *types.Session) error

	// PutIfActive writes the session document only while the stored status
	// is non-terminal. It reports false, without writing, when the row is
	// missing or already terminal.
	PutIfActive(ctx context.Context, session *types.Session) (bool, error)

	// AcquireLease attempts to take the session's drive lease for ttl.
	// Exactly one caller wins while the lease is live; the winner must
	// Renew (by re-acquiring) or Release when done.
	AcquireLease(ctx context.Context, id string, ttl time.Duration) (bool, error)

	// ReleaseLease clears the session's drive lease. Safe to call when the
	// lease is not held.
	ReleaseLease(ctx context.Context, id string) error

	// Close releases store resources.
	Close() error
}
