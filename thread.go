package chatrt

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Conversation threads
// ============================================================================

// Thread is the in-memory message cache of one open conversation view,
// refreshed from the store on open and mutated in place by delivery, read and
// reaction events. Receipt timestamps only ever move forward along
// sent → delivered → read.
type Thread struct {
	PartnerID int64

	mu       sync.Mutex
	order    []int64
	messages map[int64]*Message
}

func newThread(partnerID int64) *Thread {
	return &Thread{
		PartnerID: partnerID,
		messages:  make(map[int64]*Message),
	}
}

// Append adds a message if it is not already present. The realtime channel
// delivers at least once, so redelivered events must append exactly once.
// It reports whether the message was new.
func (t *Thread) Append(m *Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.messages[m.MessageID]; ok {
		return false
	}
	cp := *m
	t.messages[m.MessageID] = &cp
	t.order = append(t.order, m.MessageID)
	return true
}

// Get returns a copy of the message, or nil when it is not loaded.
func (t *Thread) Get(messageID int64) *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.messages[messageID]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// Messages returns copies of all loaded messages in arrival order.
func (t *Thread) Messages() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Message, 0, len(t.order))
	for _, id := range t.order {
		cp := *t.messages[id]
		out = append(out, &cp)
	}
	return out
}

// Len returns the number of loaded messages.
func (t *Thread) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// applyDelivered stamps deliveredAt on every listed message currently loaded.
// Idempotent: a message already delivered or read is left untouched, so a
// duplicate or late batch can never regress a receipt.
func (t *Thread) applyDelivered(ids []int64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		m, ok := t.messages[id]
		if !ok || m.DeliveredAt != nil || m.ReadAt != nil {
			continue
		}
		ts := at
		m.DeliveredAt = &ts
	}
}

// applyRead stamps readAt on every listed message currently loaded. A read
// implies delivery, so a missing deliveredAt is collapsed to the same
// timestamp. Terminal: an already-read message is left untouched.
func (t *Thread) applyRead(ids []int64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		m, ok := t.messages[id]
		if !ok || m.ReadAt != nil {
			continue
		}
		ts := at
		m.ReadAt = &ts
		if m.DeliveredAt == nil {
			m.DeliveredAt = &ts
		}
	}
}

// applyReaction replaces the reaction list of the targeted message.
func (t *Thread) applyReaction(p ReactionPayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.messages[p.MessageID]
	if !ok {
		return false
	}
	m.Reactions = append([]Reaction(nil), p.Reactions...)
	return true
}

// UnreadIDsFrom lists the ids of loaded messages sent by the partner that
// have no read receipt yet, ascending. Used to build outgoing mark-read
// batches.
func (t *Thread) UnreadIDsFrom(senderID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int64
	for _, m := range t.messages {
		if m.SenderUserID == senderID && m.ReadAt == nil {
			out = append(out, m.MessageID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ============================================================================
// Thread store
// ============================================================================

// ThreadStore owns every open conversation's thread. Delivered/read batches
// carry message ids without a conversation id, so they are applied across all
// loaded threads; ids not loaded anywhere are skipped and pick up the correct
// state on the next fetch.
type ThreadStore struct {
	mu      sync.Mutex
	threads map[int64]*Thread
}

// NewThreadStore creates an empty store.
func NewThreadStore() *ThreadStore {
	return &ThreadStore{threads: make(map[int64]*Thread)}
}

// Open returns the thread for partnerID, creating it when absent, and seeds
// it with fetched history. Messages already present keep their current
// receipt state.
func (s *ThreadStore) Open(partnerID int64, history []*Message) *Thread {
	s.mu.Lock()
	t, ok := s.threads[partnerID]
	if !ok {
		t = newThread(partnerID)
		s.threads[partnerID] = t
	}
	s.mu.Unlock()
	for _, m := range history {
		t.Append(m)
	}
	return t
}

// Thread returns the loaded thread for partnerID, or nil.
func (s *ThreadStore) Thread(partnerID int64) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[partnerID]
}

// CloseThread drops the thread for partnerID, releasing its message cache.
func (s *ThreadStore) CloseThread(partnerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, partnerID)
}

// Clear drops every thread. Called on logout.
func (s *ThreadStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[int64]*Thread)
}

// Append routes an inbound message into the thread of its conversation,
// which is keyed by the counterpart of selfID. It reports whether the
// message was new anywhere (false for a redelivered duplicate or when the
// conversation is not open).
func (s *ThreadStore) Append(selfID int64, m *Message) bool {
	partner := m.SenderUserID
	if partner == selfID {
		partner = m.ReceiverUserID
	}
	t := s.Thread(partner)
	if t == nil {
		return false
	}
	return t.Append(m)
}

// ApplyDelivered applies a delivered batch to every loaded thread.
func (s *ThreadStore) ApplyDelivered(p DeliveredPayload) {
	for _, t := range s.all() {
		t.applyDelivered(p.MessageIDs, p.DeliveredAt)
	}
}

// ApplyRead applies a read batch to every loaded thread.
func (s *ThreadStore) ApplyRead(p ReadPayload) {
	for _, t := range s.all() {
		t.applyRead(p.MessageIDs, p.ReadAt)
	}
}

// ApplyReaction applies a reaction update to whichever loaded thread holds
// the message.
func (s *ThreadStore) ApplyReaction(p ReactionPayload) {
	for _, t := range s.all() {
		if t.applyReaction(p) {
			return
		}
	}
}

func (s *ThreadStore) all() []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	return out
}
