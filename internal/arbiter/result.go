package arbiter

import (
	"errors"
	"strings"

	"github.com/lvbu1984/spotd/internal/lifecycle"
)

// Reason is a business-rule rejection. Rejections are ordinary results, not
// errors: the caller's request was understood and refused.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonAlreadyHolding         Reason = "ALREADY_HOLDING"
	ReasonAlreadyWaiting         Reason = "ALREADY_WAITING"
	ReasonResourceOccupied       Reason = "RESOURCE_OCCUPIED"
	ReasonResourceFree           Reason = "RESOURCE_FREE"
	ReasonDurationExceedsMaximum Reason = "DURATION_EXCEEDS_MAXIMUM"
	ReasonNotHolder              Reason = "NOT_HOLDER"
	ReasonNotWaiting             Reason = "NOT_WAITING"
	ReasonNotFirstInLine         Reason = "NOT_FIRST_IN_LINE"
)

// Outcome is the label used for metrics: "ok" or the lower-case reason.
func (r Reason) Outcome() string {
	if r == ReasonNone {
		return "ok"
	}
	return strings.ToLower(string(r))
}

var (
	ErrResourceNotFound = errors.New("resource not found")
	ErrInvalidDuration  = errors.New("duration must be positive")
	ErrInvalidClient    = errors.New("client id must not be empty")
)

type AcquireResult struct {
	Lease  *lifecycle.Lease `json:"lease,omitempty"`
	Reason Reason           `json:"reason,omitempty"`

	// Promoted is set when the caller was first in line and its waitlist
	// entry was consumed by this acquisition.
	Promoted bool `json:"promoted,omitempty"`
}

func (r AcquireResult) OK() bool { return r.Reason == ReasonNone }

type ReleaseResult struct {
	Lease  *lifecycle.Lease `json:"lease,omitempty"`
	Reason Reason           `json:"reason,omitempty"`
}

func (r ReleaseResult) OK() bool { return r.Reason == ReasonNone }

type EnqueueResult struct {
	Position int    `json:"position,omitempty"`
	Reason   Reason `json:"reason,omitempty"`
}

func (r EnqueueResult) OK() bool { return r.Reason == ReasonNone }

type DequeueResult struct {
	Reason Reason `json:"reason,omitempty"`
}

func (r DequeueResult) OK() bool { return r.Reason == ReasonNone }

// PromotionResult reports whether the caller may acquire right now as the
// head of the queue. A check never changes state.
type PromotionResult struct {
	Eligible bool   `json:"eligible"`
	Reason   Reason `json:"reason,omitempty"`
}

func (r PromotionResult) OK() bool { return r.Reason == ReasonNone }
