package chatrt

import "sync"

// ============================================================================
// Unread counter
// ============================================================================

// Counter reconciles a server-authoritative unread count with optimistic
// local adjustments observed over the realtime channel since the last
// authoritative fetch.
type Counter struct {
	Authoritative int
	Delta         int
}

// Effective is the trustworthy unread number: the authoritative baseline
// clamped at zero, adjusted by the local delta, clamped at zero again so the
// badge can never go negative.
func (c Counter) Effective() int {
	base := c.Authoritative
	if base < 0 {
		base = 0
	}
	n := base + c.Delta
	if n < 0 {
		n = 0
	}
	return n
}

// Reconcile replaces the baseline and resets the delta; events counted into
// the delta are already reflected in the new authoritative value.
func (c *Counter) Reconcile(authoritative int) {
	c.Authoritative = authoritative
	c.Delta = 0
}

// ============================================================================
// Unread Reconciler
// ============================================================================

// UnreadReconciler produces the per-conversation and total unread numbers
// despite three racy update paths: authoritative refetch, realtime
// increment, and local mark-read. Reaction unread is tracked per counterpart
// in a separate counter and never folded into the message-unread total.
//
// The reconciler issues no network calls itself; the session wires markRead
// through the outbox and triggers the post-mark-read refetch when the call
// completes, whatever its outcome.
type UnreadReconciler struct {
	markRead func(partnerID int64)

	mu            sync.Mutex
	counters      map[int64]*Counter
	reactions     map[int64]int
	activePartner int64 // 0 = no conversation is the active view
	foreground    bool

	nextID   uint64
	onChange map[uint64]func()
}

// NewUnreadReconciler creates a reconciler. markRead is invoked whenever the
// reconciler decides a conversation must be marked read (activation, or an
// arrival into the active foregrounded view).
func NewUnreadReconciler(markRead func(partnerID int64)) *UnreadReconciler {
	if markRead == nil {
		markRead = func(int64) {}
	}
	return &UnreadReconciler{
		markRead:   markRead,
		counters:   make(map[int64]*Counter),
		reactions:  make(map[int64]int),
		foreground: true,
		onChange:   make(map[uint64]func()),
	}
}

// OnChange registers a subscriber notified after any unread number may have
// moved. Badge surfaces re-read Total/Unread on notification.
func (u *UnreadReconciler) OnChange(h func()) Unsubscribe {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.nextID++
	id := u.nextID
	u.onChange[id] = h
	return func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		delete(u.onChange, id)
	}
}

// Unread returns the effective unread count for one conversation.
func (u *UnreadReconciler) Unread(partnerID int64) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	c, ok := u.counters[partnerID]
	if !ok {
		return 0
	}
	return c.Effective()
}

// Total returns the effective unread count summed over all conversations.
func (u *UnreadReconciler) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	total := 0
	for _, c := range u.counters {
		total += c.Effective()
	}
	return total
}

// ReactionUnread returns the count of unseen reactions left by partnerID on
// the local user's own messages.
func (u *UnreadReconciler) ReactionUnread(partnerID int64) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.reactions[partnerID]
}

// ActivePartner returns the counterpart of the active conversation view,
// or 0.
func (u *UnreadReconciler) ActivePartner() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.activePartner
}

// SetForeground feeds the single foreground signal (window visible and
// focused). Regaining the foreground with a conversation active marks it
// read immediately: the user is looking at it now.
func (u *UnreadReconciler) SetForeground(fg bool) {
	u.mu.Lock()
	if u.foreground == fg {
		u.mu.Unlock()
		return
	}
	u.foreground = fg
	partner := u.activePartner
	pending := fg && partner != 0 && u.effectiveLocked(partner) > 0
	if pending {
		u.zeroLocked(partner)
	}
	u.mu.Unlock()

	if pending {
		u.markRead(partner)
		u.notify()
	}
}

// SetActive switches the active conversation view. The instant a
// conversation becomes active its contribution — message unread and
// reaction unread — is cleared, and exactly that conversation's; a mark-read
// call is issued to make the server agree. partnerID 0 means no active view.
func (u *UnreadReconciler) SetActive(partnerID int64) {
	u.mu.Lock()
	if u.activePartner == partnerID {
		u.mu.Unlock()
		return
	}
	u.activePartner = partnerID
	shouldMark := partnerID != 0
	if shouldMark {
		u.zeroLocked(partnerID)
		delete(u.reactions, partnerID)
	}
	u.mu.Unlock()

	if shouldMark {
		u.markRead(partnerID)
		u.notify()
	}
}

// MessageArrived counts one realtime arrival for the conversation with
// partnerID. If that conversation is the active foregrounded view the badge
// must never flash nonzero: instead of incrementing, the conversation is
// marked read immediately. It reports whether the message was counted as
// unread (the caller uses this to gate notification side effects).
func (u *UnreadReconciler) MessageArrived(partnerID int64) bool {
	u.mu.Lock()
	if partnerID == u.activePartner && u.foreground {
		u.zeroLocked(partnerID)
		u.mu.Unlock()
		u.markRead(partnerID)
		u.notify()
		return false
	}
	u.counterLocked(partnerID).Delta++
	u.mu.Unlock()
	u.notify()
	return true
}

// ReactionArrived counts one unseen reaction by partnerID, unless that
// conversation is the active view.
func (u *UnreadReconciler) ReactionArrived(partnerID int64) {
	u.mu.Lock()
	if partnerID == u.activePartner && u.foreground {
		u.mu.Unlock()
		return
	}
	u.reactions[partnerID]++
	u.mu.Unlock()
	u.notify()
}

// MarkedRead clears one conversation's local contribution optimistically,
// before the server call resolves. The badge self-heals through the refetch
// the session schedules on call completion, success or failure alike.
func (u *UnreadReconciler) MarkedRead(partnerID int64) {
	u.mu.Lock()
	u.zeroLocked(partnerID)
	u.mu.Unlock()
	u.notify()
}

// ApplySummary replaces every baseline with the authoritative fetch and
// resets all deltas. Conversations the server no longer reports are
// reconciled to zero. The active foregrounded conversation is pinned at
// zero regardless of what the server said: a mark-read may still be in
// flight and the user is looking at the conversation right now.
func (u *UnreadReconciler) ApplySummary(s *UnreadSummary) {
	if s == nil {
		return
	}
	u.mu.Lock()
	seen := make(map[int64]bool, len(s.Conversations))
	for _, cu := range s.Conversations {
		seen[cu.PartnerID] = true
		u.counterLocked(cu.PartnerID).Reconcile(cu.Count)
	}
	for id, c := range u.counters {
		if !seen[id] {
			c.Reconcile(0)
		}
	}
	if u.activePartner != 0 && u.foreground {
		u.zeroLocked(u.activePartner)
	}
	u.mu.Unlock()
	u.notify()
}

// Clear drops all counters. Called on logout.
func (u *UnreadReconciler) Clear() {
	u.mu.Lock()
	u.counters = make(map[int64]*Counter)
	u.reactions = make(map[int64]int)
	u.activePartner = 0
	u.mu.Unlock()
	u.notify()
}

func (u *UnreadReconciler) counterLocked(partnerID int64) *Counter {
	c, ok := u.counters[partnerID]
	if !ok {
		c = &Counter{}
		u.counters[partnerID] = c
	}
	return c
}

func (u *UnreadReconciler) effectiveLocked(partnerID int64) int {
	if c, ok := u.counters[partnerID]; ok {
		return c.Effective()
	}
	return 0
}

func (u *UnreadReconciler) zeroLocked(partnerID int64) {
	u.counterLocked(partnerID).Reconcile(0)
}

func (u *UnreadReconciler) notify() {
	u.mu.Lock()
	handlers := make([]func(), 0, len(u.onChange))
	for _, h := range u.onChange {
		handlers = append(handlers, h)
	}
	u.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}
