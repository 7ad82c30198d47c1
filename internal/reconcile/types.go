// Package reconcile implements the retry loop that re-issues group commands
// until a group activator's aggregate state matches its commanded state.
package reconcile

import (
	"context"
	"time"

	"github.com/vkuzn/groupsyncd/internal/hub"
	"github.com/vkuzn/groupsyncd/internal/scheduler"
)

// RetryEntry tracks one in-flight retry chain for a device. At most one
// entry exists per device; a new trigger overwrites it with a fresh token,
// which invalidates any still-scheduled ticks of the old chain.
type RetryEntry struct {
	Attempts    int    `json:"attempts"`
	Token       string `json:"token"`
	TriggeredAt int64  `json:"triggered_at"` // unix seconds, for logs and the ledger
}

// Outcome is the terminal result of a retry chain.
type Outcome string

const (
	OutcomeConverged   Outcome = "converged"
	OutcomeGaveUp      Outcome = "gave_up"
	OutcomeUnselected  Outcome = "unselected"
	OutcomeNoAggregate Outcome = "no_aggregate"
	OutcomeUnsupported Outcome = "unsupported"
	OutcomeUnavailable Outcome = "unavailable"
)

// Result is the terminal report of a retry chain, as published on the
// event bus.
type Result struct {
	DeviceID    string
	Desired     string
	Outcome     Outcome
	Attempts    int
	TriggeredAt int64
	Detail      string
}

// eventData flattens the result into a bus event payload.
func (res Result) eventData() map[string]interface{} {
	return map[string]interface{}{
		"device_id":    res.DeviceID,
		"desired":      res.Desired,
		"outcome":      string(res.Outcome),
		"attempts":     res.Attempts,
		"triggered_at": res.TriggeredAt,
		"detail":       res.Detail,
	}
}

// ResultFromEvent decodes a reconcile outcome event published by the
// reconciler.
func ResultFromEvent(data map[string]interface{}) Result {
	var res Result
	res.DeviceID, _ = data["device_id"].(string)
	res.Desired, _ = data["desired"].(string)
	if outcome, ok := data["outcome"].(string); ok {
		res.Outcome = Outcome(outcome)
	}
	res.Attempts, _ = data["attempts"].(int)
	res.TriggeredAt, _ = data["triggered_at"].(int64)
	res.Detail, _ = data["detail"].(string)
	return res
}

// DeviceSource provides fresh device snapshots.
type DeviceSource interface {
	Device(ctx context.Context, id string) (*hub.Device, error)
}

// Commander sends device commands. Sends are fire-and-forget from the
// reconciler's point of view: a failed send does not terminate the chain.
type Commander interface {
	On(ctx context.Context, deviceID string) error
	Off(ctx context.Context, deviceID string) error
	SetLevel(ctx context.Context, deviceID string, level int) error
	SetColorTemperature(ctx context.Context, deviceID string, temperature, level int) error
	SetColor(ctx context.Context, deviceID string, hue, saturation, level int) error
}

// Delayer schedules single-shot delayed callbacks by handler name.
type Delayer interface {
	RegisterHandler(name string, h scheduler.Handler)
	After(delay time.Duration, handler string, payload scheduler.Payload)
}
