package chatrt

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Session wiring
// ============================================================================

// chatServer fakes the store-side HTTP surface a session talks to.
type chatServer struct {
	mu        sync.Mutex
	readCalls []string // paths of receipt posts
	unread    UnreadSummary
}

func (cs *chatServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		switch r.URL.Path {
		case "/api/chat/unread":
			writeResult(w, cs.unread)
		case "/api/chat/messages/read", "/api/chat/messages/delivered":
			cs.readCalls = append(cs.readCalls, r.URL.Path)
			writeResult(w, nil)
		default:
			writeResult(w, nil)
		}
	}
}

func (cs *chatServer) receiptPaths() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.readCalls...)
}

func envelope(t *testing.T, event string, payload interface{}) Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Envelope{Event: event, Payload: raw}
}

func newTestSession(t *testing.T, cs *chatServer, opts *SessionOptions) (*Session, func()) {
	t.Helper()
	srv := httptest.NewServer(cs.handler())
	s := NewSession(NewClient(srv.URL, "session-token"), 1, opts)
	s.registerInternalHandlers()
	return s, func() {
		s.Stop()
		srv.Close()
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionPresenceRouting(t *testing.T) {
	s, teardown := newTestSession(t, &chatServer{}, nil)
	defer teardown()

	s.route(envelope(t, EventPresenceList, PresenceListPayload{
		OnlineUserIDs: []int64{2},
		AwayUserIDs:   []int64{3},
	}))
	if got := s.Presence().Status(2); got != PresenceOnline {
		t.Fatalf("Status(2) = %q, want online", got)
	}
	if got := s.Presence().Status(3); got != PresenceAway {
		t.Fatalf("Status(3) = %q, want away", got)
	}

	s.route(envelope(t, EventUserOffline, UserPresencePayload{UserID: 2}))
	if got := s.Presence().Status(2); got != PresenceOffline {
		t.Fatalf("Status(2) = %q, want offline", got)
	}
}

func TestSessionInboundMessage(t *testing.T) {
	cs := &chatServer{}
	notified := make(chan MessagePayload, 1)
	clock := newFakeClock()
	s, teardown := newTestSession(t, cs, &SessionOptions{
		Clock:    clock,
		OnNotify: func(p MessagePayload) { notified <- p },
	})
	defer teardown()

	s.Threads().Open(2, nil)
	s.route(envelope(t, EventMessage, MessagePayload{
		MessageID: 10, SenderUserID: 2, ReceiverUserID: 1, Text: "hi",
	}))

	if s.Threads().Thread(2).Len() != 1 {
		t.Fatal("message missing from the open thread")
	}
	if got := s.Unread().Unread(2); got != 1 {
		t.Fatalf("Unread(2) = %d, want 1", got)
	}
	select {
	case p := <-notified:
		if p.MessageID != 10 {
			t.Fatalf("notified payload = %+v", p)
		}
	default:
		t.Fatal("background arrival did not notify")
	}

	// The delivered receipt goes out once the batch window elapses.
	clock.Advance(deliveredBatchWindow)
	waitFor(t, "delivered receipt", func() bool {
		for _, p := range cs.receiptPaths() {
			if p == "/api/chat/messages/delivered" {
				return true
			}
		}
		return false
	})
}

func TestSessionDuplicateDelivery(t *testing.T) {
	t.Run("background conversation counts once", func(t *testing.T) {
		notifications := 0
		s, teardown := newTestSession(t, &chatServer{}, &SessionOptions{
			Clock:    newFakeClock(),
			OnNotify: func(MessagePayload) { notifications++ },
		})
		defer teardown()

		// The conversation is not open, so the thread cache cannot dedupe.
		msg := envelope(t, EventMessage, MessagePayload{
			MessageID: 10, SenderUserID: 2, ReceiverUserID: 1, Text: "hi",
		})
		s.route(msg)
		s.route(msg)

		if got := s.Unread().Unread(2); got != 1 {
			t.Fatalf("unread after duplicate delivery = %d, want 1", got)
		}
		if notifications != 1 {
			t.Fatalf("notifications = %d, want 1", notifications)
		}
	})

	t.Run("redelivery does not re-batch the delivered receipt", func(t *testing.T) {
		cs := &chatServer{}
		clock := newFakeClock()
		s, teardown := newTestSession(t, cs, &SessionOptions{Clock: clock})
		defer teardown()

		msg := envelope(t, EventMessage, MessagePayload{
			MessageID: 10, SenderUserID: 2, ReceiverUserID: 1, Text: "hi",
		})
		s.route(msg)
		clock.Advance(deliveredBatchWindow)
		waitFor(t, "first delivered receipt", func() bool {
			return len(cs.receiptPaths()) == 1
		})

		s.route(msg)
		clock.Advance(deliveredBatchWindow)
		time.Sleep(50 * time.Millisecond)
		if got := len(cs.receiptPaths()); got != 1 {
			t.Fatalf("receipt calls after redelivery = %d, want 1", got)
		}
	})
}

func TestSessionOwnEcho(t *testing.T) {
	notified := false
	s, teardown := newTestSession(t, &chatServer{}, &SessionOptions{
		OnNotify: func(MessagePayload) { notified = true },
	})
	defer teardown()

	s.Threads().Open(2, nil)
	// The local user sent this from another tab; it must cache without any
	// receipt or unread side effects.
	s.route(envelope(t, EventMessage, MessagePayload{
		MessageID: 10, SenderUserID: 1, ReceiverUserID: 2, Text: "from me",
	}))

	if s.Threads().Thread(2).Len() != 1 {
		t.Fatal("own echo missing from the thread")
	}
	if got := s.Unread().Unread(2); got != 0 {
		t.Fatalf("Unread(2) = %d, want 0 for an own echo", got)
	}
	if notified {
		t.Fatal("own echo triggered a notification")
	}
}

func TestSessionActiveConversationMarksRead(t *testing.T) {
	cs := &chatServer{}
	s, teardown := newTestSession(t, cs, nil)
	defer teardown()

	s.Threads().Open(2, nil)
	s.SetActiveConversation(2)
	waitFor(t, "activation mark-read", func() bool {
		return len(cs.receiptPaths()) >= 1
	})

	// An arrival into the active foregrounded view is read, not delivered.
	s.route(envelope(t, EventMessage, MessagePayload{
		MessageID: 10, SenderUserID: 2, ReceiverUserID: 1, Text: "hi",
	}))
	if got := s.Unread().Unread(2); got != 0 {
		t.Fatalf("Unread(2) = %d, want 0 in the active view", got)
	}
	waitFor(t, "arrival mark-read", func() bool {
		reads := 0
		for _, p := range cs.receiptPaths() {
			if p == "/api/chat/messages/read" {
				reads++
			}
		}
		return reads >= 2
	})
}

func TestSessionReactionUnread(t *testing.T) {
	s, teardown := newTestSession(t, &chatServer{}, nil)
	defer teardown()

	s.Threads().Open(2, []*Message{testMessage(10, 1, 2)})

	// Partner reacts to the local user's message.
	s.route(envelope(t, EventReaction, ReactionPayload{
		MessageID: 10, SenderUserID: 1, ReceiverUserID: 2,
		ReactorUserID: 2, Added: true,
		Reactions: []Reaction{{UserID: 2, Emoji: "heart"}},
	}))
	if got := s.Unread().ReactionUnread(2); got != 1 {
		t.Fatalf("ReactionUnread(2) = %d, want 1", got)
	}
	if m := s.Threads().Thread(2).Get(10); len(m.Reactions) != 1 {
		t.Fatalf("reactions = %+v", m.Reactions)
	}

	// The local user's own reaction on someone else's message counts nothing.
	s.route(envelope(t, EventReaction, ReactionPayload{
		MessageID: 10, SenderUserID: 2, ReceiverUserID: 1,
		ReactorUserID: 1, Added: true,
	}))
	if got := s.Unread().ReactionUnread(1); got != 0 {
		t.Fatalf("ReactionUnread(1) = %d, want 0", got)
	}
}

func TestSessionReceiptEvents(t *testing.T) {
	s, teardown := newTestSession(t, &chatServer{}, nil)
	defer teardown()

	at := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	s.Threads().Open(2, []*Message{testMessage(10, 1, 2)})

	s.route(envelope(t, EventDelivered, DeliveredPayload{MessageIDs: []int64{10}, DeliveredAt: at}))
	if m := s.Threads().Thread(2).Get(10); m.Status() != StatusDelivered {
		t.Fatalf("status = %s, want delivered", m.Status())
	}

	s.route(envelope(t, EventRead, ReadPayload{MessageIDs: []int64{10}, ReadAt: at.Add(time.Minute)}))
	if m := s.Threads().Thread(2).Get(10); m.Status() != StatusRead {
		t.Fatalf("status = %s, want read", m.Status())
	}
}

func TestSessionStopClearsState(t *testing.T) {
	s, teardown := newTestSession(t, &chatServer{}, nil)
	defer teardown()

	s.route(envelope(t, EventUserOnline, UserPresencePayload{UserID: 2}))
	s.Threads().Open(2, nil)
	s.Unread().MessageArrived(2)

	s.Stop()
	s.Stop() // idempotent

	if got := s.Presence().Status(2); got != PresenceOffline {
		t.Fatalf("presence survived Stop: %q", got)
	}
	if s.Threads().Thread(2) != nil {
		t.Fatal("thread survived Stop")
	}
	if s.Unread().Total() != 0 {
		t.Fatal("unread survived Stop")
	}
}
