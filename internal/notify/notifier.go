// Package notify tells interested parties which resource changed and how.
//
// Events are emitted by the arbitration engine only after the change has been
// committed. A failed delivery never undoes or fails the operation.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/lvbu1984/spotd/internal/logging"
)

// Kind names what happened to a resource.
type Kind string

const (
	KindAcquired Kind = "acquired"
	KindReleased Kind = "released"
	KindEnqueued Kind = "enqueued"
	KindDequeued Kind = "dequeued"
	KindExpired  Kind = "expired"
)

// Event is one committed change on a resource.
type Event struct {
	ResourceID string    `json:"resource_id"`
	Kind       Kind      `json:"kind"`
	ClientID   string    `json:"client_id,omitempty"`
	At         time.Time `json:"at"`
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts an ordinary function to Notifier.
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// LogNotifier writes one structured log line per event.
type LogNotifier struct {
	logger logging.Logger
}

func NewLogNotifier(logger logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.logger.Info("resource changed",
		"resource", ev.ResourceID,
		"kind", string(ev.Kind),
		"client", ev.ClientID,
		"at", ev.At,
	)

	return nil
}

// Multi fans an event out to every notifier. All of them are attempted even
// when some fail; the failures are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
