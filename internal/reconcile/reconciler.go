package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vkuzn/groupsyncd/internal/eventbus"
	"github.com/vkuzn/groupsyncd/internal/scheduler"
)

// HandlerCheckGroup is the scheduler handler name for reconciliation ticks.
const HandlerCheckGroup = "check_group"

// AttrSwitch and friends are the device attributes the reconciler reads.
const (
	AttrSwitch     = "switch"
	AttrGroupState = "groupState"
)

// Group aggregate values reported by group activators.
const (
	AggregateAllOn  = "allOn"
	AggregateAllOff = "allOff"
)

// Config holds the reconciler's immutable runtime settings.
type Config struct {
	Devices    []string
	MonitorOn  bool
	MonitorOff bool
	Delay      time.Duration
	MaxRetries int
}

// Reconciler re-issues group commands until the aggregate state converges.
// Triggers arrive on event bus workers while ticks run on the scheduler
// goroutine, so every entry mutation takes mu and re-validates the stored
// chain token first. A tick that lost its token while reading the device
// must not write anything back.
type Reconciler struct {
	cfg     Config
	devices map[string]struct{}
	mu      sync.Mutex

	source    DeviceSource
	commander Commander
	sched     Delayer
	entries   *EntryStore
	bus       *eventbus.Bus

	newToken func() string
}

// New creates a reconciler. The bus may be nil; outcome events are then
// not published.
func New(cfg Config, source DeviceSource, commander Commander, sched Delayer, entries *EntryStore, bus *eventbus.Bus) *Reconciler {
	devices := make(map[string]struct{}, len(cfg.Devices))
	for _, id := range cfg.Devices {
		devices[id] = struct{}{}
	}

	r := &Reconciler{
		cfg:       cfg,
		devices:   devices,
		source:    source,
		commander: commander,
		sched:     sched,
		entries:   entries,
		bus:       bus,
		newToken:  uuid.NewString,
	}

	sched.RegisterHandler(HandlerCheckGroup, r.checkGroup)
	return r
}

// Monitored returns true if the device is in the monitored set.
func (r *Reconciler) Monitored(deviceID string) bool {
	_, ok := r.devices[deviceID]
	return ok
}

// OnSwitchEvent handles a switch attribute change for a device. It
// unconditionally resets the device's retry entry with a fresh chain token
// and schedules the first reconciliation tick. Any older chain for the
// device self-terminates at its next tick via the token guard.
func (r *Reconciler) OnSwitchEvent(deviceID, value string, ts time.Time) {
	if !r.Monitored(deviceID) {
		log.Debug().Str("device", deviceID).Msg("Ignoring event for unmonitored device")
		return
	}

	switch value {
	case "on":
		if !r.cfg.MonitorOn {
			log.Debug().Str("device", deviceID).Msg("On-transitions not monitored, ignoring")
			return
		}
	case "off":
		if !r.cfg.MonitorOff {
			log.Debug().Str("device", deviceID).Msg("Off-transitions not monitored, ignoring")
			return
		}
	default:
		log.Debug().Str("device", deviceID).Str("value", value).Msg("Ignoring non-switch value")
		return
	}

	entry := RetryEntry{
		Attempts:    0,
		Token:       r.newToken(),
		TriggeredAt: ts.Unix(),
	}
	// Newest trigger always wins: overwrite whatever chain is in flight.
	r.mu.Lock()
	err := r.entries.Put(deviceID, entry)
	r.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Str("device", deviceID).Msg("Failed to store retry entry")
		return
	}

	log.Debug().
		Str("device", deviceID).
		Str("value", value).
		Str("token", entry.Token).
		Msg("Switch event, scheduling first check")

	r.sched.After(r.cfg.Delay, HandlerCheckGroup, scheduler.Payload{
		"device_id": deviceID,
		"token":     entry.Token,
	})
}

// checkGroup runs one reconciliation tick for a device. Guard order:
// staleness, retry ceiling, monitored set, aggregate attribute presence,
// convergence. Anything past the guards re-issues the command and
// reschedules.
func (r *Reconciler) checkGroup(ctx context.Context, payload scheduler.Payload) {
	deviceID, _ := payload["device_id"].(string)
	token, _ := payload["token"].(string)
	if deviceID == "" || token == "" {
		log.Error().Interface("payload", payload).Msg("Malformed check payload")
		return
	}

	entry, err := r.entries.Get(deviceID)
	if err != nil {
		log.Error().Err(err).Str("device", deviceID).Msg("Failed to load retry entry")
		return
	}

	// Stale trigger: a newer event replaced the token (or finished the
	// chain and deleted the entry). Abort silently.
	if entry == nil || entry.Token != token {
		return
	}

	if entry.Attempts > r.cfg.MaxRetries {
		log.Warn().
			Str("device", deviceID).
			Int("attempts", entry.Attempts).
			Int("max_retries", r.cfg.MaxRetries).
			Msg("Retry ceiling exceeded, giving up")
		r.finish(deviceID, "", entry, OutcomeGaveUp, "")
		return
	}

	if !r.Monitored(deviceID) {
		log.Debug().Str("device", deviceID).Msg("Device no longer monitored, dropping chain")
		r.finish(deviceID, "", entry, OutcomeUnselected, "")
		return
	}

	dev, err := r.source.Device(ctx, deviceID)
	if err != nil {
		log.Error().Err(err).Str("device", deviceID).Msg("Failed to read device, dropping chain")
		r.finish(deviceID, "", entry, OutcomeUnavailable, err.Error())
		return
	}

	if !dev.HasAttribute(AttrGroupState) {
		log.Debug().Str("device", deviceID).Msg("Device has no group aggregate attribute, dropping chain")
		r.finish(deviceID, "", entry, OutcomeNoAggregate, "")
		return
	}

	desired, _ := dev.Attribute(AttrSwitch)
	aggregate, _ := dev.Attribute(AttrGroupState)

	if converged(desired, aggregate) {
		log.Debug().
			Str("device", deviceID).
			Str("desired", desired).
			Str("aggregate", aggregate).
			Int("attempts", entry.Attempts).
			Msg("Group converged")
		r.finish(deviceID, desired, entry, OutcomeConverged, "")
		return
	}

	cmd, err := DetermineCommand(desired, dev)
	if err != nil {
		log.Warn().
			Err(err).
			Str("device", deviceID).
			Str("capabilities", dev.Capabilities.String()).
			Msg("Cannot reconcile device, dropping chain")
		r.finish(deviceID, desired, entry, OutcomeUnsupported, err.Error())
		return
	}

	// Commit the attempt before sending. The device read above can take
	// seconds, and a fresh trigger may have replaced the entry meanwhile;
	// writing back here would resurrect the old chain and kill the new one.
	if !r.commitAttempt(deviceID, token) {
		return
	}

	log.Debug().
		Str("device", deviceID).
		Str("desired", desired).
		Str("aggregate", aggregate).
		Str("command", cmd.Op.String()).
		Int("attempt", entry.Attempts).
		Msg("Re-issuing group command")

	if err := r.execute(ctx, deviceID, cmd); err != nil {
		// Command sends are fire-and-forget; the chain keeps going
		log.Error().Err(err).Str("device", deviceID).Str("command", cmd.Op.String()).Msg("Command send failed")
	}

	r.sched.After(r.cfg.Delay, HandlerCheckGroup, scheduler.Payload{
		"device_id": deviceID,
		"token":     token,
	})
}

// commitAttempt increments the attempt counter for the chain identified by
// token. Returns false if the chain was superseded or removed since the tick
// started, in which case nothing is written.
func (r *Reconciler) commitAttempt(deviceID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.entries.Get(deviceID)
	if err != nil {
		log.Error().Err(err).Str("device", deviceID).Msg("Failed to reload retry entry")
		return false
	}
	if cur == nil || cur.Token != token {
		return false
	}

	cur.Attempts++
	if err := r.entries.Put(deviceID, *cur); err != nil {
		log.Error().Err(err).Str("device", deviceID).Msg("Failed to update retry entry")
		return false
	}
	return true
}

// converged reports whether the aggregate matches the desired switch state.
func converged(desired, aggregate string) bool {
	return (desired == "on" && aggregate == AggregateAllOn) ||
		(desired == "off" && aggregate == AggregateAllOff)
}

func (r *Reconciler) execute(ctx context.Context, deviceID string, cmd Command) error {
	switch cmd.Op {
	case OpOn:
		return r.commander.On(ctx, deviceID)
	case OpOff:
		return r.commander.Off(ctx, deviceID)
	case OpSetLevel:
		return r.commander.SetLevel(ctx, deviceID, cmd.Level)
	case OpSetColorTemperature:
		return r.commander.SetColorTemperature(ctx, deviceID, cmd.Temperature, cmd.Level)
	case OpSetColor:
		return r.commander.SetColor(ctx, deviceID, cmd.Hue, cmd.Saturation, cmd.Level)
	}
	return nil
}

// finish deletes the device's retry entry and publishes the terminal outcome.
// The delete is conditional on the chain token still being current: a trigger
// that landed while this tick was running owns the entry now, and its chain
// must be left alone.
func (r *Reconciler) finish(deviceID, desired string, entry *RetryEntry, outcome Outcome, detail string) {
	r.mu.Lock()
	cur, err := r.entries.Get(deviceID)
	if err != nil {
		r.mu.Unlock()
		log.Error().Err(err).Str("device", deviceID).Msg("Failed to reload retry entry")
		return
	}
	if cur == nil || cur.Token != entry.Token {
		r.mu.Unlock()
		return
	}
	if err := r.entries.Delete(deviceID); err != nil {
		log.Error().Err(err).Str("device", deviceID).Msg("Failed to delete retry entry")
	}
	r.mu.Unlock()

	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeReconcile,
		Data: Result{
			DeviceID:    deviceID,
			Desired:     desired,
			Outcome:     outcome,
			Attempts:    entry.Attempts,
			TriggeredAt: entry.TriggeredAt,
			Detail:      detail,
		}.eventData(),
	})
}
