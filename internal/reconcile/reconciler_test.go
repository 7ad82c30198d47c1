package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vkuzn/groupsyncd/internal/hub"
	"github.com/vkuzn/groupsyncd/internal/scheduler"
	"github.com/vkuzn/groupsyncd/internal/storage/kv"
)

// fakeSched collects scheduled callbacks and runs them synchronously on demand.
type fakeSched struct {
	handlers map[string]scheduler.Handler
	queue    []scheduledCall
}

type scheduledCall struct {
	handler string
	payload scheduler.Payload
}

func newFakeSched() *fakeSched {
	return &fakeSched{handlers: make(map[string]scheduler.Handler)}
}

func (s *fakeSched) RegisterHandler(name string, h scheduler.Handler) {
	s.handlers[name] = h
}

func (s *fakeSched) After(delay time.Duration, handler string, payload scheduler.Payload) {
	s.queue = append(s.queue, scheduledCall{handler: handler, payload: payload})
}

// tick runs the oldest pending callback. Returns false if nothing is pending.
func (s *fakeSched) tick(ctx context.Context) bool {
	if len(s.queue) == 0 {
		return false
	}
	call := s.queue[0]
	s.queue = s.queue[1:]
	s.handlers[call.handler](ctx, call.payload)
	return true
}

// fakeHub serves device snapshots and records every command send.
type fakeHub struct {
	devices  map[string]*hub.Device
	commands []string
}

func (h *fakeHub) Device(ctx context.Context, id string) (*hub.Device, error) {
	dev, ok := h.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %s not found", id)
	}
	return dev, nil
}

func (h *fakeHub) On(ctx context.Context, id string) error {
	h.commands = append(h.commands, "on")
	return nil
}

func (h *fakeHub) Off(ctx context.Context, id string) error {
	h.commands = append(h.commands, "off")
	return nil
}

func (h *fakeHub) SetLevel(ctx context.Context, id string, level int) error {
	h.commands = append(h.commands, fmt.Sprintf("setLevel:%d", level))
	return nil
}

func (h *fakeHub) SetColorTemperature(ctx context.Context, id string, temp, level int) error {
	h.commands = append(h.commands, fmt.Sprintf("setColorTemperature:%d,%d", temp, level))
	return nil
}

func (h *fakeHub) SetColor(ctx context.Context, id string, hue, sat, level int) error {
	h.commands = append(h.commands, fmt.Sprintf("setColor:%d,%d,%d", hue, sat, level))
	return nil
}

func newTestReconciler(t *testing.T, cfg Config, fh *fakeHub) (*Reconciler, *fakeSched, *EntryStore) {
	t.Helper()
	sched := newFakeSched()
	entries := NewEntryStore(kv.NewMemoryBucket("retry"))
	r := New(cfg, fh, fh, sched, entries, nil)
	return r, sched, entries
}

func mustHaveEntry(t *testing.T, entries *EntryStore, deviceID string) *RetryEntry {
	t.Helper()
	entry, err := entries.Get(deviceID)
	if err != nil {
		t.Fatalf("entries.Get: %v", err)
	}
	if entry == nil {
		t.Fatalf("no entry for device %s", deviceID)
	}
	return entry
}

func mustHaveNoEntry(t *testing.T, entries *EntryStore, deviceID string) {
	t.Helper()
	entry, err := entries.Get(deviceID)
	if err != nil {
		t.Fatalf("entries.Get: %v", err)
	}
	if entry != nil {
		t.Fatalf("entry for device %s should be deleted, got %+v", deviceID, entry)
	}
}

func TestConvergedOnFirstTick(t *testing.T) {
	fh := &fakeHub{devices: map[string]*hub.Device{
		"X": hub.NewDevice("X", "Group X", caps(hub.CapSwitch),
			map[string]any{"switch": "on", "groupState": "allOn"}),
	}}
	r, sched, entries := newTestReconciler(t, Config{
		Devices: []string{"X"}, MonitorOn: true, MonitorOff: true,
		Delay: time.Second, MaxRetries: 3,
	}, fh)

	r.OnSwitchEvent("X", "on", time.Now())
	mustHaveEntry(t, entries, "X")

	if !sched.tick(context.Background()) {
		t.Fatal("no tick scheduled")
	}

	if len(fh.commands) != 0 {
		t.Errorf("commands = %v, want none", fh.commands)
	}
	mustHaveNoEntry(t, entries, "X")
	if len(sched.queue) != 0 {
		t.Errorf("%d callbacks still queued, want 0", len(sched.queue))
	}
}

func TestRetryCeiling(t *testing.T) {
	// groupState never reaches allOff, so every tick re-issues "off"
	fh := &fakeHub{devices: map[string]*hub.Device{
		"Y": hub.NewDevice("Y", "Group Y", caps(hub.CapSwitch),
			map[string]any{"switch": "off", "groupState": "notAllOff"}),
	}}
	r, sched, entries := newTestReconciler(t, Config{
		Devices: []string{"Y"}, MonitorOn: true, MonitorOff: true,
		Delay: time.Second, MaxRetries: 2,
	}, fh)

	r.OnSwitchEvent("Y", "off", time.Now())

	ticks := 0
	for sched.tick(context.Background()) {
		ticks++
		if ticks > 10 {
			t.Fatal("chain never terminated")
		}
	}

	// attempts 0, 1, 2 send a command; the 4th tick trips the ceiling
	if ticks != 4 {
		t.Errorf("ticks = %d, want 4", ticks)
	}
	if len(fh.commands) != 3 {
		t.Fatalf("commands = %v, want exactly 3 off sends", fh.commands)
	}
	for _, cmd := range fh.commands {
		if cmd != "off" {
			t.Errorf("command = %q, want off", cmd)
		}
	}
	mustHaveNoEntry(t, entries, "Y")
}

func TestStaleTriggerSuperseded(t *testing.T) {
	fh := &fakeHub{devices: map[string]*hub.Device{
		"Z": hub.NewDevice("Z", "Group Z", caps(hub.CapSwitch),
			map[string]any{"switch": "on", "groupState": "someOff"}),
	}}
	r, sched, entries := newTestReconciler(t, Config{
		Devices: []string{"Z"}, MonitorOn: true, MonitorOff: true,
		Delay: time.Second, MaxRetries: 5,
	}, fh)

	r.OnSwitchEvent("Z", "on", time.Now())
	firstToken := mustHaveEntry(t, entries, "Z").Token

	// First chain makes one attempt and reschedules itself
	sched.tick(context.Background())
	if len(fh.commands) != 1 {
		t.Fatalf("commands = %v, want 1 send from first chain", fh.commands)
	}

	// Second trigger supersedes the first chain
	r.OnSwitchEvent("Z", "on", time.Now())
	entry := mustHaveEntry(t, entries, "Z")
	if entry.Token == firstToken {
		t.Fatal("new trigger should allocate a fresh token")
	}
	if entry.Attempts != 0 {
		t.Errorf("attempts = %d, want reset to 0", entry.Attempts)
	}

	// The stale callback of the first chain is still queued; it must no-op
	sched.tick(context.Background())
	if len(fh.commands) != 1 {
		t.Errorf("stale tick issued a command: %v", fh.commands)
	}
	// Entry survives untouched for the second chain
	after := mustHaveEntry(t, entries, "Z")
	if after.Token != entry.Token || after.Attempts != 0 {
		t.Errorf("stale tick mutated entry: %+v", after)
	}

	// Second chain still works
	sched.tick(context.Background())
	if len(fh.commands) != 2 {
		t.Errorf("commands = %v, want 2 after second chain tick", fh.commands)
	}
}

func TestNoAggregateAttribute(t *testing.T) {
	fh := &fakeHub{devices: map[string]*hub.Device{
		"A": hub.NewDevice("A", "Not a group", caps(hub.CapSwitch),
			map[string]any{"switch": "on"}),
	}}
	r, sched, entries := newTestReconciler(t, Config{
		Devices: []string{"A"}, MonitorOn: true, MonitorOff: true,
		Delay: time.Second, MaxRetries: 3,
	}, fh)

	r.OnSwitchEvent("A", "on", time.Now())
	sched.tick(context.Background())

	if len(fh.commands) != 0 {
		t.Errorf("commands = %v, want none", fh.commands)
	}
	mustHaveNoEntry(t, entries, "A")
	if len(sched.queue) != 0 {
		t.Error("device without aggregate attribute must not be rescheduled")
	}
}

func TestUnsupportedColorMode(t *testing.T) {
	fh := &fakeHub{devices: map[string]*hub.Device{
		"B": hub.NewDevice("B", "Odd bulb group", caps(hub.CapSwitch, hub.CapColorMode, hub.CapSwitchLevel),
			map[string]any{"switch": "on", "groupState": "someOff", "colorMode": "WHITE", "level": 50}),
	}}
	r, sched, entries := newTestReconciler(t, Config{
		Devices: []string{"B"}, MonitorOn: true, MonitorOff: true,
		Delay: time.Second, MaxRetries: 3,
	}, fh)

	r.OnSwitchEvent("B", "on", time.Now())
	sched.tick(context.Background())

	if len(fh.commands) != 0 {
		t.Errorf("commands = %v, want none for unsupported color mode", fh.commands)
	}
	mustHaveNoEntry(t, entries, "B")
	if len(sched.queue) != 0 {
		t.Error("unsupported configuration must not be rescheduled")
	}
}

func TestLevelOnlyDeviceUsesSetLevel(t *testing.T) {
	fh := &fakeHub{devices: map[string]*hub.Device{
		"C": hub.NewDevice("C", "Dimmer group", caps(hub.CapSwitch, hub.CapSwitchLevel),
			map[string]any{"switch": "on", "groupState": "someOff", "level": 40}),
	}}
	r, sched, _ := newTestReconciler(t, Config{
		Devices: []string{"C"}, MonitorOn: true, MonitorOff: true,
		Delay: time.Second, MaxRetries: 3,
	}, fh)

	r.OnSwitchEvent("C", "on", time.Now())
	sched.tick(context.Background())
	sched.tick(context.Background())

	if len(fh.commands) != 2 {
		t.Fatalf("commands = %v, want 2", fh.commands)
	}
	for _, cmd := range fh.commands {
		if cmd != "setLevel:40" {
			t.Errorf("command = %q, want setLevel:40", cmd)
		}
	}
}

func TestMonitorFlags(t *testing.T) {
	fh := &fakeHub{devices: map[string]*hub.Device{}}
	r, sched, entries := newTestReconciler(t, Config{
		Devices: []string{"D"}, MonitorOn: false, MonitorOff: true,
		Delay: time.Second, MaxRetries: 3,
	}, fh)

	r.OnSwitchEvent("D", "on", time.Now())
	mustHaveNoEntry(t, entries, "D")
	if len(sched.queue) != 0 {
		t.Error("on-transition must be ignored when monitor_on is disabled")
	}

	r.OnSwitchEvent("D", "off", time.Now())
	mustHaveEntry(t, entries, "D")
	if len(sched.queue) != 1 {
		t.Error("off-transition should schedule a check")
	}
}

func TestUnmonitoredDeviceEntryDropped(t *testing.T) {
	fh := &fakeHub{devices: map[string]*hub.Device{}}
	r, sched, entries := newTestReconciler(t, Config{
		Devices: []string{}, MonitorOn: true, MonitorOff: true,
		Delay: time.Second, MaxRetries: 3,
	}, fh)
	_ = r

	// Simulate an entry left over from before the device was unselected
	if err := entries.Put("E", RetryEntry{Attempts: 1, Token: "tok", TriggeredAt: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	sched.handlers[HandlerCheckGroup](context.Background(), scheduler.Payload{
		"device_id": "E",
		"token":     "tok",
	})

	mustHaveNoEntry(t, entries, "E")
	if len(fh.commands) != 0 {
		t.Errorf("commands = %v, want none", fh.commands)
	}
}

// retriggerSource fires a callback the first time a device is read,
// simulating a trigger that lands while the hub request is in flight.
type retriggerSource struct {
	*fakeHub
	onRead func()
}

func (s *retriggerSource) Device(ctx context.Context, id string) (*hub.Device, error) {
	if s.onRead != nil {
		fn := s.onRead
		s.onRead = nil
		fn()
	}
	return s.fakeHub.Device(ctx, id)
}

func TestRetriggerDuringDeviceRead(t *testing.T) {
	fh := &fakeHub{devices: map[string]*hub.Device{
		"G": hub.NewDevice("G", "Group G", caps(hub.CapSwitch),
			map[string]any{"switch": "on", "groupState": "someOff"}),
	}}
	src := &retriggerSource{fakeHub: fh}
	sched := newFakeSched()
	entries := NewEntryStore(kv.NewMemoryBucket("retry"))
	r := New(Config{
		Devices: []string{"G"}, MonitorOn: true, MonitorOff: true,
		Delay: time.Second, MaxRetries: 3,
	}, src, fh, sched, entries, nil)

	r.OnSwitchEvent("G", "on", time.Now())
	firstToken := mustHaveEntry(t, entries, "G").Token

	// A second trigger lands while the first chain's tick is mid device read
	src.onRead = func() {
		r.OnSwitchEvent("G", "on", time.Now())
	}
	sched.tick(context.Background())

	// The superseded tick must neither write back over the fresh entry
	// nor send a command
	entry := mustHaveEntry(t, entries, "G")
	if entry.Token == firstToken {
		t.Fatal("fresh trigger's entry was clobbered by the in-flight tick")
	}
	if entry.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 for the fresh chain", entry.Attempts)
	}
	if len(fh.commands) != 0 {
		t.Errorf("commands = %v, want none from the superseded tick", fh.commands)
	}

	// Only the fresh chain's check is pending, and it makes progress
	if len(sched.queue) != 1 {
		t.Fatalf("%d callbacks queued, want 1", len(sched.queue))
	}
	sched.tick(context.Background())
	if len(fh.commands) != 1 {
		t.Errorf("commands = %v, want 1 send from the fresh chain", fh.commands)
	}
	after := mustHaveEntry(t, entries, "G")
	if after.Token != entry.Token || after.Attempts != 1 {
		t.Errorf("fresh chain entry = %+v, want same token and attempts 1", after)
	}
}

func TestRetriggerDuringConvergedTickKeepsEntry(t *testing.T) {
	fh := &fakeHub{devices: map[string]*hub.Device{
		"H": hub.NewDevice("H", "Group H", caps(hub.CapSwitch),
			map[string]any{"switch": "on", "groupState": "allOn"}),
	}}
	src := &retriggerSource{fakeHub: fh}
	sched := newFakeSched()
	entries := NewEntryStore(kv.NewMemoryBucket("retry"))
	r := New(Config{
		Devices: []string{"H"}, MonitorOn: true, MonitorOff: true,
		Delay: time.Second, MaxRetries: 3,
	}, src, fh, sched, entries, nil)

	r.OnSwitchEvent("H", "on", time.Now())
	src.onRead = func() {
		r.OnSwitchEvent("H", "on", time.Now())
	}

	// First chain sees a converged group, but it was superseded mid-read;
	// its cleanup must leave the fresh chain's entry alone
	sched.tick(context.Background())
	entry := mustHaveEntry(t, entries, "H")
	if entry.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 for the fresh chain", entry.Attempts)
	}

	// The fresh chain converges on its own tick and cleans up normally
	sched.tick(context.Background())
	mustHaveNoEntry(t, entries, "H")
}

func TestUnavailableDeviceDropsChain(t *testing.T) {
	fh := &fakeHub{devices: map[string]*hub.Device{}}
	r, sched, entries := newTestReconciler(t, Config{
		Devices: []string{"F"}, MonitorOn: true, MonitorOff: true,
		Delay: time.Second, MaxRetries: 3,
	}, fh)

	r.OnSwitchEvent("F", "on", time.Now())
	sched.tick(context.Background())

	mustHaveNoEntry(t, entries, "F")
	if len(sched.queue) != 0 {
		t.Error("unreadable device must not be rescheduled")
	}
}

func TestResultEventRoundTrip(t *testing.T) {
	res := Result{
		DeviceID:    "K",
		Desired:     "off",
		Outcome:     OutcomeGaveUp,
		Attempts:    4,
		TriggeredAt: 99,
		Detail:      "ceiling",
	}
	if got := ResultFromEvent(res.eventData()); got != res {
		t.Errorf("decoded result = %+v, want %+v", got, res)
	}
}
