package arbiter

import (
	"context"
	"strings"

	"github.com/lvbu1984/spotd/internal/lifecycle"
	"github.com/lvbu1984/spotd/internal/storage"
)

// Snapshot is one resource as a display would render it.
type Snapshot struct {
	Resource lifecycle.Resource        `json:"resource"`
	Free     bool                      `json:"free"`
	Lease    *lifecycle.Lease          `json:"lease,omitempty"`
	Waitlist []lifecycle.WaitlistEntry `json:"waitlist"`
}

type ClientState string

const (
	ClientIdle    ClientState = "idle"
	ClientHolding ClientState = "holding"
	ClientWaiting ClientState = "waiting"
)

// ClientStatus is what a single client is currently engaged in. A client is
// never holding and waiting at the same time.
type ClientStatus struct {
	ClientID string                   `json:"client_id"`
	State    ClientState              `json:"state"`
	Lease    *lifecycle.Lease         `json:"lease,omitempty"`
	Entry    *lifecycle.WaitlistEntry `json:"entry,omitempty"`
}

func (e *Engine) Resources(ctx context.Context) ([]lifecycle.Resource, error) {
	var out []lifecycle.Resource
	err := e.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.Resources()
		return err
	})

	return out, err
}

func (e *Engine) Snapshot(ctx context.Context, resourceID string) (Snapshot, error) {
	now := e.clock.Now()

	var snap Snapshot
	err := e.store.View(ctx, func(tx storage.Tx) error {
		r, err := loadResource(tx, resourceID)
		if err != nil {
			return err
		}
		lease, err := tx.ActiveLease(resourceID, now)
		if err != nil {
			return err
		}
		list, err := tx.Waitlist(resourceID)
		if err != nil {
			return err
		}

		snap = Snapshot{Resource: *r, Free: lease == nil, Lease: lease, Waitlist: nonNil(list)}
		return nil
	})

	return snap, err
}

// Snapshots returns every resource in display order (by name).
func (e *Engine) Snapshots(ctx context.Context) ([]Snapshot, error) {
	now := e.clock.Now()

	var out []Snapshot
	err := e.store.View(ctx, func(tx storage.Tx) error {
		resources, err := tx.Resources()
		if err != nil {
			return err
		}
		leases, err := tx.ActiveLeases(now)
		if err != nil {
			return err
		}
		entries, err := tx.AllWaitlists()
		if err != nil {
			return err
		}

		byResource := make(map[string]*lifecycle.Lease, len(leases))
		for i := range leases {
			byResource[leases[i].ResourceID] = &leases[i]
		}
		queues := make(map[string][]lifecycle.WaitlistEntry)
		for _, en := range entries {
			queues[en.ResourceID] = append(queues[en.ResourceID], en)
		}

		out = make([]Snapshot, 0, len(resources))
		for _, r := range resources {
			lease := byResource[r.ID]
			out = append(out, Snapshot{
				Resource: r,
				Free:     lease == nil,
				Lease:    lease,
				Waitlist: nonNil(queues[r.ID]),
			})
		}
		return nil
	})

	return out, err
}

func (e *Engine) ActiveLeases(ctx context.Context) ([]lifecycle.Lease, error) {
	now := e.clock.Now()

	var out []lifecycle.Lease
	err := e.store.View(ctx, func(tx storage.Tx) error {
		leases, err := tx.ActiveLeases(now)
		out = nonNil(leases)
		return err
	})

	return out, err
}

// Waitlist returns resourceID's queue ordered by position.
func (e *Engine) Waitlist(ctx context.Context, resourceID string) ([]lifecycle.WaitlistEntry, error) {
	var out []lifecycle.WaitlistEntry
	err := e.store.View(ctx, func(tx storage.Tx) error {
		if _, err := loadResource(tx, resourceID); err != nil {
			return err
		}
		list, err := tx.Waitlist(resourceID)
		out = nonNil(list)
		return err
	})

	return out, err
}

// Waitlists returns every queue entry grouped by resource id.
func (e *Engine) Waitlists(ctx context.Context) ([]lifecycle.WaitlistEntry, error) {
	var out []lifecycle.WaitlistEntry
	err := e.store.View(ctx, func(tx storage.Tx) error {
		list, err := tx.AllWaitlists()
		out = nonNil(list)
		return err
	})

	return out, err
}

func (e *Engine) ClientStatus(ctx context.Context, client string) (ClientStatus, error) {
	if strings.TrimSpace(client) == "" {
		return ClientStatus{}, ErrInvalidClient
	}
	now := e.clock.Now()

	status := ClientStatus{ClientID: client, State: ClientIdle}
	err := e.store.View(ctx, func(tx storage.Tx) error {
		lease, err := tx.ActiveLeaseByHolder(client, now)
		if err != nil {
			return err
		}
		if lease != nil {
			status.State = ClientHolding
			status.Lease = lease
			return nil
		}

		entry, err := tx.WaitlistEntryByClient(client)
		if err != nil {
			return err
		}
		if entry != nil {
			status.State = ClientWaiting
			status.Entry = entry
		}
		return nil
	})

	return status, err
}

func (e *Engine) Dashboard(ctx context.Context) (lifecycle.DashboardStats, error) {
	now := e.clock.Now()

	var stats lifecycle.DashboardStats
	err := e.store.View(ctx, func(tx storage.Tx) error {
		resources, err := tx.Resources()
		if err != nil {
			return err
		}
		leases, err := tx.ActiveLeases(now)
		if err != nil {
			return err
		}
		entries, err := tx.AllWaitlists()
		if err != nil {
			return err
		}

		stats = lifecycle.BuildDashboard(resources, leases, entries, now)
		return nil
	})

	return stats, err
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
