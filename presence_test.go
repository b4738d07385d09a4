package chatrt

import (
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeClock drives AfterFunc timers deterministically from test code.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and fires every due timer synchronously.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.when.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// recordingEmitter captures presence intents in emission order.
type recordingEmitter struct {
	mu      sync.Mutex
	intents []string
}

func (e *recordingEmitter) EmitAway()   { e.record("away") }
func (e *recordingEmitter) EmitOnline() { e.record("online") }

func (e *recordingEmitter) record(intent string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intents = append(e.intents, intent)
}

func (e *recordingEmitter) emitted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.intents...)
}

func sameIntents(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// ============================================================================
// PresenceTracker
// ============================================================================

func TestPresenceTracker(t *testing.T) {
	t.Run("unknown user is offline", func(t *testing.T) {
		tr := NewPresenceTracker()
		if got := tr.Status(42); got != PresenceOffline {
			t.Fatalf("Status(42) = %q, want offline", got)
		}
	})

	t.Run("incremental apply and change notification", func(t *testing.T) {
		tr := NewPresenceTracker()
		var changes []PresenceChange
		tr.OnChange(func(c PresenceChange) { changes = append(changes, c) })

		tr.Apply(7, PresenceOnline)
		if got := tr.Status(7); got != PresenceOnline {
			t.Fatalf("Status(7) = %q, want online", got)
		}
		if len(changes) != 1 || changes[0].UserID != 7 || changes[0].Status != PresenceOnline {
			t.Fatalf("unexpected changes: %+v", changes)
		}
	})

	t.Run("equal state is dropped", func(t *testing.T) {
		tr := NewPresenceTracker()
		count := 0
		tr.OnChange(func(PresenceChange) { count++ })

		tr.Apply(7, PresenceOnline)
		tr.Apply(7, PresenceOnline)
		tr.Apply(9, PresenceOffline) // already offline by absence
		if count != 1 {
			t.Fatalf("change count = %d, want 1", count)
		}
	})

	t.Run("offline removes the entry", func(t *testing.T) {
		tr := NewPresenceTracker()
		tr.Apply(7, PresenceAway)
		tr.Apply(7, PresenceOffline)
		if got := tr.Status(7); got != PresenceOffline {
			t.Fatalf("Status(7) = %q, want offline", got)
		}
		if n := len(tr.Snapshot()); n != 0 {
			t.Fatalf("snapshot has %d entries, want 0", n)
		}
	})

	t.Run("snapshot supersedes stale state", func(t *testing.T) {
		tr := NewPresenceTracker()
		tr.Apply(7, PresenceOnline)
		tr.Apply(8, PresenceAway)

		var changes []PresenceChange
		tr.OnChange(func(c PresenceChange) { changes = append(changes, c) })

		// User 7 vanished between disconnect and reconnect; the snapshot
		// must win over the remembered online state.
		tr.ApplySnapshot(PresenceListPayload{
			OnlineUserIDs: []int64{8},
		})

		if got := tr.Status(7); got != PresenceOffline {
			t.Fatalf("Status(7) after snapshot = %q, want offline", got)
		}
		if got := tr.Status(8); got != PresenceOnline {
			t.Fatalf("Status(8) after snapshot = %q, want online", got)
		}

		var sawOffline7, sawOnline8 bool
		for _, c := range changes {
			if c.UserID == 7 && c.Status == PresenceOffline {
				sawOffline7 = true
			}
			if c.UserID == 8 && c.Status == PresenceOnline {
				sawOnline8 = true
			}
		}
		if !sawOffline7 {
			t.Fatal("missing implicit offline notification for user 7")
		}
		if !sawOnline8 {
			t.Fatal("missing away-to-online notification for user 8")
		}
	})

	t.Run("clear reports everyone offline", func(t *testing.T) {
		tr := NewPresenceTracker()
		tr.Apply(1, PresenceOnline)
		tr.Apply(2, PresenceAway)

		var gone []int64
		tr.OnChange(func(c PresenceChange) {
			if c.Status == PresenceOffline {
				gone = append(gone, c.UserID)
			}
		})
		tr.Clear()
		if len(gone) != 2 {
			t.Fatalf("offline notifications = %v, want both users", gone)
		}
		if n := len(tr.Snapshot()); n != 0 {
			t.Fatalf("snapshot has %d entries after clear, want 0", n)
		}
	})

	t.Run("unsubscribe stops notifications", func(t *testing.T) {
		tr := NewPresenceTracker()
		count := 0
		unsub := tr.OnChange(func(PresenceChange) { count++ })
		tr.Apply(1, PresenceOnline)
		unsub()
		unsub() // second call is a no-op
		tr.Apply(2, PresenceOnline)
		if count != 1 {
			t.Fatalf("change count = %d, want 1", count)
		}
	})
}

// ============================================================================
// VisibilityMonitor
// ============================================================================

func TestVisibilityMonitor(t *testing.T) {
	t.Run("away after threshold hidden", func(t *testing.T) {
		clock := newFakeClock()
		emitter := &recordingEmitter{}
		v := NewVisibilityMonitor(emitter, clock, 2*time.Minute)

		v.SetVisible(false)
		clock.Advance(time.Minute)
		if got := emitter.emitted(); len(got) != 0 {
			t.Fatalf("emitted %v before threshold", got)
		}
		clock.Advance(time.Minute)
		if got := emitter.emitted(); !sameIntents(got, []string{"away"}) {
			t.Fatalf("emitted %v, want [away]", got)
		}
	})

	t.Run("return before threshold cancels away", func(t *testing.T) {
		clock := newFakeClock()
		emitter := &recordingEmitter{}
		v := NewVisibilityMonitor(emitter, clock, 2*time.Minute)

		v.SetVisible(false)
		clock.Advance(90 * time.Second)
		v.SetVisible(true)
		clock.Advance(time.Hour)
		if got := emitter.emitted(); !sameIntents(got, []string{"online"}) {
			t.Fatalf("emitted %v, want [online]", got)
		}
	})

	t.Run("round trip emits away then online", func(t *testing.T) {
		clock := newFakeClock()
		emitter := &recordingEmitter{}
		v := NewVisibilityMonitor(emitter, clock, 2*time.Minute)

		v.SetVisible(false)
		clock.Advance(3 * time.Minute)
		v.SetVisible(true)
		if got := emitter.emitted(); !sameIntents(got, []string{"away", "online"}) {
			t.Fatalf("emitted %v, want [away online]", got)
		}
	})

	t.Run("repeated equal states are no-ops", func(t *testing.T) {
		clock := newFakeClock()
		emitter := &recordingEmitter{}
		v := NewVisibilityMonitor(emitter, clock, 2*time.Minute)

		v.SetVisible(true) // already visible
		v.SetVisible(false)
		v.SetVisible(false)
		clock.Advance(3 * time.Minute)
		if got := emitter.emitted(); !sameIntents(got, []string{"away"}) {
			t.Fatalf("emitted %v, want exactly one away", got)
		}
	})

	t.Run("stop cancels pending timer silently", func(t *testing.T) {
		clock := newFakeClock()
		emitter := &recordingEmitter{}
		v := NewVisibilityMonitor(emitter, clock, 2*time.Minute)

		v.SetVisible(false)
		v.Stop()
		clock.Advance(time.Hour)
		if got := emitter.emitted(); len(got) != 0 {
			t.Fatalf("emitted %v after Stop, want nothing", got)
		}
	})
}
