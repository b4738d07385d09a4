package chatrt

import (
	"sync"
	"time"
)

// ============================================================================
// Clock abstraction
// ============================================================================

// Clock abstracts wall time and cancellable timers so visibility-driven
// logic is testable without real timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled call.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return realClock{} }

// ============================================================================
// Presence Tracker
// ============================================================================

// PresenceChange is delivered to presence subscribers whenever a user's last
// known state actually changes.
type PresenceChange struct {
	UserID int64
	Status PresenceStatus
}

// PresenceTracker holds the local view of every other user's presence. It is
// seeded by the full snapshot received on connect and mutated by incremental
// events. Absence of an entry means offline. The tracker never contains the
// local user's own emitted intents; those become visible only once the
// server broadcasts them back.
type PresenceTracker struct {
	mu       sync.Mutex
	statuses map[int64]PresenceStatus

	nextID   uint64
	onChange map[uint64]func(PresenceChange)
}

// NewPresenceTracker creates an empty tracker; every user starts offline.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		statuses: make(map[int64]PresenceStatus),
		onChange: make(map[uint64]func(PresenceChange)),
	}
}

// OnChange registers a subscriber notified on every effective state change,
// including implicit offline transitions caused by a snapshot.
func (t *PresenceTracker) OnChange(h func(PresenceChange)) Unsubscribe {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.onChange[id] = h
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.onChange, id)
	}
}

// Status returns the last known state for userID, offline when unknown.
func (t *PresenceTracker) Status(userID int64) PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.statuses[userID]; ok {
		return s
	}
	return PresenceOffline
}

// Snapshot returns a copy of all non-offline entries.
func (t *PresenceTracker) Snapshot() map[int64]PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]PresenceStatus, len(t.statuses))
	for id, s := range t.statuses {
		out[id] = s
	}
	return out
}

// ApplySnapshot replaces the whole map with the server's full presence list.
// Users present before but absent from the snapshot are reported offline.
func (t *PresenceTracker) ApplySnapshot(p PresenceListPayload) {
	t.mu.Lock()
	next := make(map[int64]PresenceStatus, len(p.OnlineUserIDs)+len(p.AwayUserIDs))
	for _, id := range p.OnlineUserIDs {
		next[id] = PresenceOnline
	}
	for _, id := range p.AwayUserIDs {
		next[id] = PresenceAway
	}

	var changes []PresenceChange
	for id, old := range t.statuses {
		if _, still := next[id]; !still && old != PresenceOffline {
			changes = append(changes, PresenceChange{UserID: id, Status: PresenceOffline})
		}
	}
	for id, s := range next {
		if t.statuses[id] != s {
			changes = append(changes, PresenceChange{UserID: id, Status: s})
		}
	}
	t.statuses = next
	handlers := t.changeHandlers()
	t.mu.Unlock()

	notifyAll(handlers, changes)
}

// Apply records one incremental presence event. Equal-state updates are
// dropped so downstream consumers are not re-rendered redundantly.
func (t *PresenceTracker) Apply(userID int64, status PresenceStatus) {
	t.mu.Lock()
	current, ok := t.statuses[userID]
	if !ok {
		current = PresenceOffline
	}
	if current == status {
		t.mu.Unlock()
		return
	}
	if status == PresenceOffline {
		delete(t.statuses, userID)
	} else {
		t.statuses[userID] = status
	}
	handlers := t.changeHandlers()
	t.mu.Unlock()

	notifyAll(handlers, []PresenceChange{{UserID: userID, Status: status}})
}

// Clear drops all presence state. Called on disconnect and logout so stale
// presence never survives either.
func (t *PresenceTracker) Clear() {
	t.mu.Lock()
	var changes []PresenceChange
	for id, s := range t.statuses {
		if s != PresenceOffline {
			changes = append(changes, PresenceChange{UserID: id, Status: PresenceOffline})
		}
	}
	t.statuses = make(map[int64]PresenceStatus)
	handlers := t.changeHandlers()
	t.mu.Unlock()

	notifyAll(handlers, changes)
}

func (t *PresenceTracker) changeHandlers() []func(PresenceChange) {
	out := make([]func(PresenceChange), 0, len(t.onChange))
	for _, h := range t.onChange {
		out = append(out, h)
	}
	return out
}

func notifyAll(handlers []func(PresenceChange), changes []PresenceChange) {
	for _, ch := range changes {
		for _, h := range handlers {
			h(ch)
		}
	}
}

// ============================================================================
// Visibility-driven away transitions
// ============================================================================

// DefaultAwayThreshold is how long the client must stay backgrounded before
// an away intent is emitted.
const DefaultAwayThreshold = 2 * time.Minute

// IntentEmitter sends the local user's presence intents to the server. The
// tracker is never updated directly; the client waits for the broadcast like
// any other observer, so presence is always server-confirmed.
type IntentEmitter interface {
	EmitAway()
	EmitOnline()
}

// VisibilityMonitor turns page-visibility signals into presence intents.
// The foreground signal is a single boolean meaning "window visible and
// focused"; backgrounded-but-focused and hidden are treated identically.
type VisibilityMonitor struct {
	clock     Clock
	threshold time.Duration
	emitter   IntentEmitter

	mu      sync.Mutex
	visible bool
	timer   Timer
}

// NewVisibilityMonitor creates a monitor in the visible state. A nil clock
// falls back to the system clock; a zero threshold falls back to the default.
func NewVisibilityMonitor(emitter IntentEmitter, clock Clock, threshold time.Duration) *VisibilityMonitor {
	if clock == nil {
		clock = SystemClock()
	}
	if threshold <= 0 {
		threshold = DefaultAwayThreshold
	}
	return &VisibilityMonitor{
		clock:     clock,
		threshold: threshold,
		emitter:   emitter,
		visible:   true,
	}
}

// SetVisible feeds the monitor a visibility transition. Going hidden arms
// the away timer; returning to the foreground cancels it and immediately
// emits an online intent. Repeated equal states are no-ops.
func (v *VisibilityMonitor) SetVisible(visible bool) {
	v.mu.Lock()
	if v.visible == visible {
		v.mu.Unlock()
		return
	}
	v.visible = visible

	if visible {
		if v.timer != nil {
			v.timer.Stop()
			v.timer = nil
		}
		v.mu.Unlock()
		v.emitter.EmitOnline()
		return
	}

	v.timer = v.clock.AfterFunc(v.threshold, v.fireAway)
	v.mu.Unlock()
}

func (v *VisibilityMonitor) fireAway() {
	v.mu.Lock()
	if v.visible {
		// Raced with a foreground transition; the online intent wins.
		v.mu.Unlock()
		return
	}
	v.timer = nil
	v.mu.Unlock()
	v.emitter.EmitAway()
}

// Stop cancels any pending away timer without emitting anything.
func (v *VisibilityMonitor) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
}
