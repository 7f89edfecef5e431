package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "spotd.events"

// NATSNotifier publishes each event as JSON on <prefix>.<resourceID>, so a
// display can subscribe to one resource or to <prefix>.> for all of them.
type NATSNotifier struct {
	nc     *nats.Conn
	prefix string
}

var _ Notifier = (*NATSNotifier)(nil)

func NewNATSNotifier(nc *nats.Conn, prefix string) *NATSNotifier {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	return &NATSNotifier{nc: nc, prefix: prefix}
}

// Subject returns the subject events for resourceID are published on.
func (n *NATSNotifier) Subject(resourceID string) string {
	return n.prefix + "." + subjectToken(resourceID)
}

func (n *NATSNotifier) Notify(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	subject := n.Subject(ev.ResourceID)
	if err := n.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}

	return nil
}

// Close drains and closes the connection.
func (n *NATSNotifier) Close() error {
	if n.nc == nil || n.nc.IsClosed() {
		return nil
	}

	return n.nc.Drain()
}

// subjectToken replaces characters that carry meaning in NATS subjects.
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
