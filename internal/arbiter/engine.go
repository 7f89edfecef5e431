// Package arbiter decides who holds each resource and who waits for it.
//
// Every operation runs as one store transaction and returns a tagged result.
// Business-rule rejections are carried in the result's Reason; only
// non-domain failures (unknown resource, bad input, storage trouble) are
// returned as errors. Change events are emitted after commit.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lvbu1984/spotd/internal/lifecycle"
	"github.com/lvbu1984/spotd/internal/logging"
	"github.com/lvbu1984/spotd/internal/metrics"
	"github.com/lvbu1984/spotd/internal/notify"
	"github.com/lvbu1984/spotd/internal/storage"
)

const (
	opAcquire        = "acquire"
	opRelease        = "release"
	opEnqueue        = "enqueue"
	opDequeue        = "dequeue"
	opCheckPromotion = "check_promotion"
)

type Engine struct {
	store    storage.Store
	clock    lifecycle.Clock
	notifier notify.Notifier
	metrics  metrics.Collector
	logger   logging.Logger
	newID    func() string

	// precision is the store's time resolution; zero keeps full precision
	precision time.Duration

	locks stripedLocker
}

type Option func(*Engine)

func WithClock(c lifecycle.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithMetrics(m metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an engine over store. Without options it uses the system clock
// and discards events, metrics and logs.
func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		clock:    lifecycle.SystemClock{},
		notifier: notify.Nop{},
		metrics:  metrics.NewNop(),
		logger:   logging.NewNop(),
		newID:    uuid.NewString,
	}
	if p, ok := store.(storage.TimePrecisioner); ok {
		e.precision = p.TimePrecision()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	return e
}

// Now is the engine's notion of the current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Acquire grants client a lease on resourceID for d, starting now.
//
// A client that is first in line on resourceID may acquire it; its waitlist
// entry is consumed in the same transaction. Any other waitlist entry, or an
// active lease anywhere, blocks the call.
func (e *Engine) Acquire(ctx context.Context, resourceID, client string, d time.Duration) (res AcquireResult, err error) {
	start := time.Now()
	defer func() { e.observe(opAcquire, start, res.Reason, err) }()

	if err := validate(resourceID, client); err != nil {
		return AcquireResult{}, err
	}
	if d <= 0 {
		return AcquireResult{}, fmt.Errorf("%w: %s", ErrInvalidDuration, d)
	}

	now := e.now()
	err = e.update(ctx, resourceID, client, func(tx storage.Tx) error {
		res = AcquireResult{}

		r, err := loadResource(tx, resourceID)
		if err != nil {
			return err
		}

		held, err := tx.ActiveLeaseByHolder(client, now)
		if err != nil {
			return err
		}
		if held != nil {
			res.Reason = ReasonAlreadyHolding
			return nil
		}

		entry, err := tx.WaitlistEntryByClient(client)
		if err != nil {
			return err
		}
		promoted := entry != nil && entry.ResourceID == resourceID && entry.Position == 1
		if entry != nil && !promoted {
			res.Reason = ReasonAlreadyWaiting
			return nil
		}

		if r.MaxDuration > 0 && d > r.MaxDuration {
			res.Reason = ReasonDurationExceedsMaximum
			return nil
		}

		current, err := tx.ActiveLease(resourceID, now)
		if err != nil {
			return err
		}
		if current != nil {
			res.Reason = ReasonResourceOccupied
			return nil
		}

		lease := lifecycle.Lease{
			LeaseID:    e.newID(),
			ResourceID: resourceID,
			Holder:     client,
			StartAt:    now,
			EndAt:      e.truncate(now.Add(d)),
			Active:     true,
		}
		if err := tx.PutLease(lease); err != nil {
			return err
		}
		if promoted {
			if err := tx.Remove(resourceID, client); err != nil {
				return err
			}
		}

		res = AcquireResult{Lease: &lease, Promoted: promoted}
		return nil
	})
	if err != nil {
		return AcquireResult{}, err
	}

	if res.OK() {
		e.logger.Debug("lease acquired",
			"resource", resourceID,
			"client", client,
			"lease_id", res.Lease.LeaseID,
			"end_at", res.Lease.EndAt,
			"promoted", res.Promoted,
		)
		e.emit(ctx, notify.Event{ResourceID: resourceID, Kind: notify.KindAcquired, ClientID: client, At: now})
	}

	return res, nil
}

// Release ends the caller's active lease on resourceID. The waitlist is left
// alone: the head of the queue must still call Acquire.
func (e *Engine) Release(ctx context.Context, resourceID, client string) (res ReleaseResult, err error) {
	start := time.Now()
	defer func() { e.observe(opRelease, start, res.Reason, err) }()

	if err := validate(resourceID, client); err != nil {
		return ReleaseResult{}, err
	}

	now := e.now()
	err = e.update(ctx, resourceID, client, func(tx storage.Tx) error {
		res = ReleaseResult{}

		if _, err := loadResource(tx, resourceID); err != nil {
			return err
		}

		current, err := tx.ActiveLease(resourceID, now)
		if err != nil {
			return err
		}
		if current == nil || current.Holder != client {
			res.Reason = ReasonNotHolder
			return nil
		}

		if err := tx.DeactivateLease(resourceID, client); err != nil {
			return err
		}

		released := *current
		released.Active = false
		res.Lease = &released
		return nil
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	if res.OK() {
		e.logger.Debug("lease released", "resource", resourceID, "client", client, "lease_id", res.Lease.LeaseID)
		e.emit(ctx, notify.Event{ResourceID: resourceID, Kind: notify.KindReleased, ClientID: client, At: now})
	}

	return res, nil
}

// Enqueue appends client to the waitlist of an occupied resource and returns
// its 1-based position.
func (e *Engine) Enqueue(ctx context.Context, resourceID, client string) (res EnqueueResult, err error) {
	start := time.Now()
	defer func() { e.observe(opEnqueue, start, res.Reason, err) }()

	if err := validate(resourceID, client); err != nil {
		return EnqueueResult{}, err
	}

	now := e.now()
	err = e.update(ctx, resourceID, client, func(tx storage.Tx) error {
		res = EnqueueResult{}

		if _, err := loadResource(tx, resourceID); err != nil {
			return err
		}

		held, err := tx.ActiveLeaseByHolder(client, now)
		if err != nil {
			return err
		}
		if held != nil {
			res.Reason = ReasonAlreadyHolding
			return nil
		}

		entry, err := tx.WaitlistEntryByClient(client)
		if err != nil {
			return err
		}
		if entry != nil {
			res.Reason = ReasonAlreadyWaiting
			return nil
		}

		current, err := tx.ActiveLease(resourceID, now)
		if err != nil {
			return err
		}
		if current == nil {
			res.Reason = ReasonResourceFree
			return nil
		}

		pos, err := tx.Append(resourceID, client, now)
		if err != nil {
			return err
		}

		res.Position = pos
		return nil
	})
	if err != nil {
		return EnqueueResult{}, err
	}

	if res.OK() {
		e.logger.Debug("client enqueued", "resource", resourceID, "client", client, "position", res.Position)
		e.emit(ctx, notify.Event{ResourceID: resourceID, Kind: notify.KindEnqueued, ClientID: client, At: now})
	}

	return res, nil
}

// Dequeue removes client from resourceID's waitlist; everyone behind it
// moves up one place.
func (e *Engine) Dequeue(ctx context.Context, resourceID, client string) (res DequeueResult, err error) {
	start := time.Now()
	defer func() { e.observe(opDequeue, start, res.Reason, err) }()

	if err := validate(resourceID, client); err != nil {
		return DequeueResult{}, err
	}

	now := e.now()
	err = e.update(ctx, resourceID, client, func(tx storage.Tx) error {
		res = DequeueResult{}

		if _, err := loadResource(tx, resourceID); err != nil {
			return err
		}

		entry, err := tx.WaitlistEntryByClient(client)
		if err != nil {
			return err
		}
		if entry == nil || entry.ResourceID != resourceID {
			res.Reason = ReasonNotWaiting
			return nil
		}

		return tx.Remove(resourceID, client)
	})
	if err != nil {
		return DequeueResult{}, err
	}

	if res.OK() {
		e.logger.Debug("client dequeued", "resource", resourceID, "client", client)
		e.emit(ctx, notify.Event{ResourceID: resourceID, Kind: notify.KindDequeued, ClientID: client, At: now})
	}

	return res, nil
}

// CheckPromotion reports whether client is first in line on a free resource.
// Nothing is changed and no event is emitted.
func (e *Engine) CheckPromotion(ctx context.Context, resourceID, client string) (res PromotionResult, err error) {
	start := time.Now()
	defer func() { e.observe(opCheckPromotion, start, res.Reason, err) }()

	if err := validate(resourceID, client); err != nil {
		return PromotionResult{}, err
	}

	now := e.now()
	err = e.view(ctx, resourceID, client, func(tx storage.Tx) error {
		res = PromotionResult{}

		if _, err := loadResource(tx, resourceID); err != nil {
			return err
		}

		entry, err := tx.WaitlistEntryByClient(client)
		if err != nil {
			return err
		}
		if entry == nil || entry.ResourceID != resourceID {
			res.Reason = ReasonNotWaiting
			return nil
		}
		first, err := tx.PeekFirst(resourceID)
		if err != nil {
			return err
		}
		if first == nil || first.ClientID != client {
			res.Reason = ReasonNotFirstInLine
			return nil
		}

		current, err := tx.ActiveLease(resourceID, now)
		if err != nil {
			return err
		}
		if current != nil {
			res.Reason = ReasonResourceOccupied
			return nil
		}

		res.Eligible = true
		return nil
	})
	if err != nil {
		return PromotionResult{}, err
	}

	return res, nil
}

// SweepExpired deactivates leases whose end time has passed and emits an
// expired event for each. Reads already treat such leases as gone, so the
// sweep only makes the change visible to subscribers.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	now := e.now()

	var candidates []lifecycle.Lease
	err := e.store.View(ctx, func(tx storage.Tx) error {
		var err error
		candidates, err = tx.ExpiredLeases(now)
		return err
	})
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, l := range candidates {
		ok, err := e.sweepOne(ctx, l, now)
		if err != nil {
			return swept, err
		}
		if !ok {
			continue
		}

		swept++
		e.logger.Debug("lease expired", "resource", l.ResourceID, "client", l.Holder, "lease_id", l.LeaseID)
		e.emit(ctx, notify.Event{ResourceID: l.ResourceID, Kind: notify.KindExpired, ClientID: l.Holder, At: l.EndAt})
	}

	if swept > 0 {
		e.metrics.RecordExpiredSwept(swept)
	}

	return swept, nil
}

// sweepOne retires l if it is still flagged active. A concurrent Acquire on
// the same resource may already have retired it.
func (e *Engine) sweepOne(ctx context.Context, l lifecycle.Lease, now time.Time) (bool, error) {
	found := false
	err := e.update(ctx, l.ResourceID, l.Holder, func(tx storage.Tx) error {
		found = false

		rows, err := tx.ExpiredLeases(now)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.LeaseID == l.LeaseID {
				found = true
				break
			}
		}
		if !found {
			return nil
		}

		return tx.DeactivateLease(l.ResourceID, l.Holder)
	})
	if err != nil {
		return false, err
	}

	return found, nil
}

// update runs fn in a store transaction while holding the stripes of
// resourceID and client. The stripes are released before the caller emits.
func (e *Engine) update(ctx context.Context, resourceID, client string, fn func(tx storage.Tx) error) error {
	unlock := e.locks.lock(resourceKey(resourceID), clientKey(client))
	defer unlock()

	return e.store.Update(ctx, fn)
}

func (e *Engine) view(ctx context.Context, resourceID, client string, fn func(tx storage.Tx) error) error {
	unlock := e.locks.lock(resourceKey(resourceID), clientKey(client))
	defer unlock()

	return e.store.View(ctx, fn)
}

// now is the clock reading at the store's time resolution, so a lease handed
// back to the caller matches the row that was written.
func (e *Engine) now() time.Time {
	return e.truncate(e.clock.Now())
}

func (e *Engine) truncate(t time.Time) time.Time {
	if e.precision > 0 {
		return t.Truncate(e.precision)
	}
	return t
}

func (e *Engine) emit(ctx context.Context, ev notify.Event) {
	// the change is committed; a cancelled request must not swallow the event
	if err := e.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		e.metrics.RecordNotifyFailure(string(ev.Kind))
		e.logger.Warn("notify failed",
			"resource", ev.ResourceID,
			"kind", string(ev.Kind),
			"error", err,
		)
	}
}

func (e *Engine) observe(op string, start time.Time, reason Reason, err error) {
	outcome := reason.Outcome()
	if err != nil {
		outcome = "error"
		if errors.Is(err, storage.ErrTransient) {
			e.metrics.RecordTransientFailure(op)
			e.logger.Warn("transient store failure", "op", op, "error", err)
		}
	}

	e.metrics.RecordOperation(op, outcome, time.Since(start).Seconds())
}

func validate(resourceID, client string) error {
	if strings.TrimSpace(client) == "" {
		return ErrInvalidClient
	}
	if strings.TrimSpace(resourceID) == "" {
		return fmt.Errorf("%w: empty id", ErrResourceNotFound)
	}

	return nil
}

func loadResource(tx storage.Tx, id string) (*lifecycle.Resource, error) {
	r, err := tx.Resource(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
	}

	return r, err
}
