package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lvbu1984/spotd/internal/lifecycle"
)

var (
	// ErrTransient marks a storage failure that carries no domain meaning
	// (contention, busy database, aborted transaction). Callers may retry.
	ErrTransient = errors.New("transient storage failure")

	// ErrNotFound is returned when a resource id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("store closed")

	// ErrConflict is returned when a write would break a table constraint,
	// such as a second active lease on one resource.
	ErrConflict = errors.New("constraint conflict")
)

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// Store is the durable home of the resource, lease and waitlist tables.
//
// Update runs fn inside one serializable transaction: either every write made
// through tx is committed or none is. View runs fn against a consistent read
// snapshot; writes through a View tx are rejected.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error

	// SeedResources upserts configured resources. Existing leases and
	// waitlist rows are left untouched.
	SeedResources(ctx context.Context, resources []lifecycle.Resource) error

	Close() error
}

// Tx exposes the three tables inside a transaction.
type Tx interface {
	Resource(id string) (*lifecycle.Resource, error)
	Resources() ([]lifecycle.Resource, error)

	// ActiveLease returns the lease on resourceID that is active at now, or nil.
	// Rows whose end time has passed are treated as absent.
	ActiveLease(resourceID string, now time.Time) (*lifecycle.Lease, error)
	ActiveLeaseByHolder(holder string, now time.Time) (*lifecycle.Lease, error)
	ActiveLeases(now time.Time) ([]lifecycle.Lease, error)
	// ExpiredLeases lists rows still flagged active whose end time has passed.
	ExpiredLeases(now time.Time) ([]lifecycle.Lease, error)
	// PutLease inserts l after retiring any expired row still flagged active
	// on the same resource.
	PutLease(l lifecycle.Lease) error
	DeactivateLease(resourceID, holder string) error

	Waitlist(resourceID string) ([]lifecycle.WaitlistEntry, error)
	AllWaitlists() ([]lifecycle.WaitlistEntry, error)
	WaitlistEntryByClient(clientID string) (*lifecycle.WaitlistEntry, error)
	PeekFirst(resourceID string) (*lifecycle.WaitlistEntry, error)
	// Append places clientID at the next free position and returns it.
	Append(resourceID, clientID string, at time.Time) (int, error)
	// Remove deletes the entry and shifts every later position down by one.
	Remove(resourceID, clientID string) error
}

// ErrReadOnly is returned when a View transaction attempts a write.
var ErrReadOnly = errors.New("read-only transaction")

// TimePrecisioner is implemented by stores that keep times at a coarser
// resolution than time.Time. Callers truncate times they write to it.
type TimePrecisioner interface {
	TimePrecision() time.Duration
}
