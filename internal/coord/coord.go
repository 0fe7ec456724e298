// Package coord provides the coordination-store primitive the lease
// manager is built on: keys that are atomically claimed with an expiry,
// renewed and released only by their owner, and scanned by prefix.
package coord

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld reports that a key is absent, expired, or held by a
// different owner than the caller claimed.
var ErrNotHeld = errors.New("key not held")

type Entry struct {
	Key        string
	OwnerID    string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Live reports whether the entry has not expired at the given instant.
func (e Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Store is the minimal primitive set for cross-process coordination.
// Every lease operation reduces to one of these calls.
type Store interface {
	// SetNX claims key for ownerID iff the key is absent or its current
	// entry has expired. It returns the entry that holds the key after
	// the call and whether the claim succeeded.
	SetNX(ctx context.Context, key, ownerID string, now, expiresAt time.Time) (Entry, bool, error)

	// Get returns the current entry for key, expired or not.
	// ErrNotHeld when the key is absent.
	Get(ctx context.Context, key string) (Entry, error)

	// Renew extends the expiry iff ownerID holds a live entry for key.
	// ErrNotHeld otherwise.
	Renew(ctx context.Context, key, ownerID string, now, expiresAt time.Time) (Entry, error)

	// Release deletes the entry iff ownerID holds it. A false return
	// means the key was absent or held by someone else; that is not an
	// error.
	Release(ctx context.Context, key, ownerID string) (bool, error)

	// Scan returns all entries, live and expired, under a key prefix.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
}
