package lifecycle

import "time"

// LeaseStatus is the explicit, auditable state of a lease.
type LeaseStatus string

const (
	LeaseActive   LeaseStatus = "active"
	LeaseExpired  LeaseStatus = "expired"
	LeaseReleased LeaseStatus = "released"
)

// CalculateLeaseStatus is the single source of truth.
// Stores, the engine and the API must use this function to interpret a lease.
func CalculateLeaseStatus(l Lease, now time.Time) LeaseStatus {
	if !l.Active {
		return LeaseReleased
	}

	// no grace period: once the end time is reached the spot is free.
	if !l.EndAt.IsZero() && !now.Before(l.EndAt) {
		return LeaseExpired
	}

	return LeaseActive
}

// Resource is a spot that can be held by one client at a time.
// Resources come from configuration and are never mutated by the engine.
type Resource struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	MaxDuration time.Duration `json:"max_duration"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Lease is one client's exclusive, time-boxed hold on a resource.
type Lease struct {
	LeaseID    string    `json:"lease_id"`
	ResourceID string    `json:"resource_id"`
	Holder     string    `json:"holder"`
	StartAt    time.Time `json:"start_at"`
	EndAt      time.Time `json:"end_at"`

	// Active is only ever flipped from true to false.
	Active bool `json:"active"`
}

// Duration is the length the lease was granted for.
func (l Lease) Duration() time.Duration {
	return l.EndAt.Sub(l.StartAt)
}

// WaitlistEntry is a client's place in a resource's queue.
// Positions are 1-based and dense per resource.
type WaitlistEntry struct {
	ResourceID string    `json:"resource_id"`
	ClientID   string    `json:"client_id"`
	Position   int       `json:"position"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
