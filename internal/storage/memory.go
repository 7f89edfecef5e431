package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lvbu1984/spotd/internal/lifecycle"
)

// MemoryStore keeps the three tables in process memory.
//
// Update holds the write lock for the whole transaction and records an undo
// entry for every mutation, so a failing fn leaves the tables untouched.
// Waitlists are indexed both per resource (ordered) and per client. Leases
// are kept only while flagged active, one row per resource, with a holder
// index; released and retired rows are dropped on deactivation.
type MemoryStore struct {
	mu        sync.RWMutex
	closed    bool
	resources map[string]lifecycle.Resource
	leases    map[string]lifecycle.Lease     // resource -> row flagged active
	holding   map[string]map[string]struct{} // holder -> resources
	waitlists map[string][]lifecycle.WaitlistEntry
	waiting   map[string]string // client -> resource
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]lifecycle.Resource),
		leases:    make(map[string]lifecycle.Lease),
		holding:   make(map[string]map[string]struct{}),
		waitlists: make(map[string][]lifecycle.WaitlistEntry),
		waiting:   make(map[string]string),
	}
}

func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return Transient("memory update", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	tx := &memoryTx{m: m}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		}
	}()

	return fn(tx)
}

func (m *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return Transient("memory view", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	return fn(&memoryTx{m: m, readOnly: true})
}

func (m *MemoryStore) SeedResources(_ context.Context, resources []lifecycle.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, r := range resources {
		if prev, ok := m.resources[r.ID]; ok && !prev.CreatedAt.IsZero() {
			r.CreatedAt = prev.CreatedAt
		}
		m.resources[r.ID] = r
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

type memoryTx struct {
	m        *MemoryStore
	readOnly bool
	undo     []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) Resource(id string) (*lifecycle.Resource, error) {
	r, ok := tx.m.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (tx *memoryTx) Resources() ([]lifecycle.Resource, error) {
	out := make([]lifecycle.Resource, 0, len(tx.m.resources))
	for _, r := range tx.m.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *memoryTx) ActiveLease(resourceID string, now time.Time) (*lifecycle.Lease, error) {
	l, ok := tx.m.leases[resourceID]
	if !ok || lifecycle.CalculateLeaseStatus(l, now) != lifecycle.LeaseActive {
		return nil, nil
	}
	return &l, nil
}

func (tx *memoryTx) ActiveLeaseByHolder(holder string, now time.Time) (*lifecycle.Lease, error) {
	for resourceID := range tx.m.holding[holder] {
		l := tx.m.leases[resourceID]
		if lifecycle.CalculateLeaseStatus(l, now) == lifecycle.LeaseActive {
			return &l, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) ActiveLeases(now time.Time) ([]lifecycle.Lease, error) {
	return tx.leasesWithStatus(now, lifecycle.LeaseActive), nil
}

func (tx *memoryTx) ExpiredLeases(now time.Time) ([]lifecycle.Lease, error) {
	return tx.leasesWithStatus(now, lifecycle.LeaseExpired), nil
}

func (tx *memoryTx) leasesWithStatus(now time.Time, status lifecycle.LeaseStatus) []lifecycle.Lease {
	var out []lifecycle.Lease
	for _, l := range tx.m.leases {
		if lifecycle.CalculateLeaseStatus(l, now) == status {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

func (tx *memoryTx) PutLease(l lifecycle.Lease) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if _, ok := tx.m.resources[l.ResourceID]; !ok {
		return ErrNotFound
	}

	if row, ok := tx.m.leases[l.ResourceID]; ok {
		if lifecycle.CalculateLeaseStatus(row, l.StartAt) != lifecycle.LeaseExpired {
			return fmt.Errorf("%w: resource %s already has an active lease", ErrConflict, l.ResourceID)
		}
		tx.dropLease(l.ResourceID)
	}
	if l.Active {
		tx.putLease(l)
	}
	return nil
}

func (tx *memoryTx) DeactivateLease(resourceID, holder string) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if row, ok := tx.m.leases[resourceID]; ok && row.Holder == holder {
		tx.dropLease(resourceID)
	}
	return nil
}

// putLease and dropLease keep the per-resource table and the per-holder index
// in step. Only rows still flagged active are kept.
func (tx *memoryTx) putLease(l lifecycle.Lease) {
	tx.m.leases[l.ResourceID] = l
	tx.m.indexHolder(l.Holder, l.ResourceID)
	tx.undo = append(tx.undo, func() {
		delete(tx.m.leases, l.ResourceID)
		tx.m.unindexHolder(l.Holder, l.ResourceID)
	})
}

func (tx *memoryTx) dropLease(resourceID string) {
	prev := tx.m.leases[resourceID]
	delete(tx.m.leases, resourceID)
	tx.m.unindexHolder(prev.Holder, resourceID)
	tx.undo = append(tx.undo, func() {
		tx.m.leases[resourceID] = prev
		tx.m.indexHolder(prev.Holder, resourceID)
	})
}

func (m *MemoryStore) indexHolder(holder, resourceID string) {
	set, ok := m.holding[holder]
	if !ok {
		set = make(map[string]struct{}, 1)
		m.holding[holder] = set
	}
	set[resourceID] = struct{}{}
}

func (m *MemoryStore) unindexHolder(holder, resourceID string) {
	set := m.holding[holder]
	delete(set, resourceID)
	if len(set) == 0 {
		delete(m.holding, holder)
	}
}

func (tx *memoryTx) Waitlist(resourceID string) ([]lifecycle.WaitlistEntry, error) {
	return slices.Clone(tx.m.waitlists[resourceID]), nil
}

func (tx *memoryTx) AllWaitlists() ([]lifecycle.WaitlistEntry, error) {
	ids := make([]string, 0, len(tx.m.waitlists))
	for id := range tx.m.waitlists {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []lifecycle.WaitlistEntry
	for _, id := range ids {
		out = append(out, tx.m.waitlists[id]...)
	}
	return out, nil
}

func (tx *memoryTx) WaitlistEntryByClient(clientID string) (*lifecycle.WaitlistEntry, error) {
	resourceID, ok := tx.m.waiting[clientID]
	if !ok {
		return nil, nil
	}
	for _, e := range tx.m.waitlists[resourceID] {
		if e.ClientID == clientID {
			return &e, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) PeekFirst(resourceID string) (*lifecycle.WaitlistEntry, error) {
	list := tx.m.waitlists[resourceID]
	if len(list) == 0 {
		return nil, nil
	}
	first := list[0]
	return &first, nil
}

func (tx *memoryTx) Append(resourceID, clientID string, at time.Time) (int, error) {
	if tx.readOnly {
		return 0, ErrReadOnly
	}
	if _, ok := tx.m.resources[resourceID]; !ok {
		return 0, ErrNotFound
	}

	prev := tx.m.waitlists[resourceID]
	pos := len(prev) + 1
	next := append(slices.Clone(prev), lifecycle.WaitlistEntry{
		ResourceID: resourceID,
		ClientID:   clientID,
		Position:   pos,
		EnqueuedAt: at,
	})

	tx.swapWaitlist(resourceID, prev, next)
	tx.setWaiting(clientID, resourceID, true)
	return pos, nil
}

func (tx *memoryTx) Remove(resourceID, clientID string) error {
	if tx.readOnly {
		return ErrReadOnly
	}

	prev := tx.m.waitlists[resourceID]
	next := make([]lifecycle.WaitlistEntry, 0, len(prev))
	found := false
	for _, e := range prev {
		if e.ClientID == clientID {
			found = true
			continue
		}
		if found {
			e.Position--
		}
		next = append(next, e)
	}
	if !found {
		return nil
	}

	tx.swapWaitlist(resourceID, prev, next)
	tx.setWaiting(clientID, resourceID, false)
	return nil
}

func (tx *memoryTx) swapWaitlist(resourceID string, prev, next []lifecycle.WaitlistEntry) {
	if len(next) == 0 {
		delete(tx.m.waitlists, resourceID)
	} else {
		tx.m.waitlists[resourceID] = next
	}
	tx.undo = append(tx.undo, func() {
		if prev == nil {
			delete(tx.m.waitlists, resourceID)
			return
		}
		tx.m.waitlists[resourceID] = prev
	})
}

func (tx *memoryTx) setWaiting(clientID, resourceID string, waiting bool) {
	if waiting {
		tx.m.waiting[clientID] = resourceID
		tx.undo = append(tx.undo, func() { delete(tx.m.waiting, clientID) })
		return
	}
	delete(tx.m.waiting, clientID)
	tx.undo = append(tx.undo, func() { tx.m.waiting[clientID] = resourceID })
}
