package chatrt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Session
// ============================================================================

// DefaultUnreadPollInterval is how often the authoritative unread baseline is
// refetched while a session is running.
const DefaultUnreadPollInterval = 45 * time.Second

// SessionOptions configures a chat session.
type SessionOptions struct {
	Realtime           *RealtimeConfig
	Outbox             *OutboxOptions
	Clock              Clock
	AwayThreshold      time.Duration
	UnreadPollInterval time.Duration
	Logger             zerolog.Logger

	// OnNotify fires once per message counted as unread (arrivals into a
	// background conversation). UI surfaces hook sounds or desktop
	// notifications here; it never fires for the active foregrounded view.
	OnNotify func(MessagePayload)
}

// Session owns every piece of realtime state for one login: the connection,
// the presence map, the dispatcher registry, the open threads, the unread
// ledger and the outgoing-call outbox. Stop tears all of it down; nothing
// survives a logout.
type Session struct {
	client *Client
	selfID int64
	opts   SessionOptions
	log    zerolog.Logger

	rt         *RealtimeClient
	dispatcher *Dispatcher
	presence   *PresenceTracker
	threads    *ThreadStore
	unread     *UnreadReconciler
	outbox     *Outbox
	visibility *VisibilityMonitor
	batcher    *deliveryBatcher
	seen       *seenMessages

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
}

// NewSession assembles a stopped session for the logged-in user selfID.
// opts may be nil.
func NewSession(client *Client, selfID int64, opts *SessionOptions) *Session {
	var o SessionOptions
	if opts != nil {
		o = *opts
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.UnreadPollInterval == 0 {
		o.UnreadPollInterval = DefaultUnreadPollInterval
	}
	log := o.Logger

	s := &Session{
		client: client,
		selfID: selfID,
		opts:   o,
		log:    log,
		stopCh: make(chan struct{}),
	}

	s.dispatcher = NewDispatcher(log)
	s.presence = NewPresenceTracker()
	s.threads = NewThreadStore()
	s.seen = newSeenMessages()
	s.unread = NewUnreadReconciler(s.issueMarkRead)
	s.outbox = NewOutbox(client, log, o.Outbox)
	s.rt = NewRealtimeClient(client, o.Realtime, log)
	s.visibility = NewVisibilityMonitor(s.rt, o.Clock, o.AwayThreshold)
	s.batcher = newDeliveryBatcher(o.Clock, func(senderID int64, ids []int64) {
		s.outbox.MarkDelivered(senderID, ids)
	})

	s.rt.OnEnvelope = s.route
	s.rt.OnConnected = func() { s.refetchUnread() }
	s.rt.OnDisconnected = func(string) {
		// Stale presence must not survive a drop; the next connect reseeds
		// from the snapshot.
		s.presence.Clear()
	}

	return s
}

// Accessors for the independently testable components.

func (s *Session) Dispatcher() *Dispatcher    { return s.dispatcher }
func (s *Session) Presence() *PresenceTracker { return s.presence }
func (s *Session) Unread() *UnreadReconciler  { return s.unread }
func (s *Session) Threads() *ThreadStore      { return s.threads }
func (s *Session) Realtime() *RealtimeClient  { return s.rt }
func (s *Session) Client() *Client            { return s.client }

// Start connects the realtime channel and begins the unread poll loop.
// Idempotent. A token or dial failure leaves the session running in degraded
// mode — polling still reconciles unread, every other feature keeps working —
// and is reported as a non-nil error the caller may log and ignore.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		if s.stopped {
			return ErrClosed
		}
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.registerInternalHandlers()
	s.outbox.Start()
	go s.pollLoop()

	if err := s.rt.Connect(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		s.log.Warn().Err(err).Msg("realtime unavailable; running in degraded mode")
		s.refetchUnread()
		return err
	}
	return nil
}

// Stop tears the session down: connection closed, timers cancelled, and all
// presence, thread, unread and dispatcher state cleared to empty. Idempotent
// and safe to call during an in-flight Start.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.rt.Close()
	s.visibility.Stop()
	s.batcher.close()
	s.outbox.Stop()
	s.dispatcher.Close()
	s.presence.Clear()
	s.threads.Clear()
	s.unread.Clear()
	s.seen.clear()
}

// ── view state ──────────────────────────────────────────────────

// SetForeground feeds the single foreground signal: window visible AND
// focused. It drives both the local user's away timer and the mark-read
// policy, and a regained foreground refetches the unread baseline.
func (s *Session) SetForeground(fg bool) {
	s.visibility.SetVisible(fg)
	s.unread.SetForeground(fg)
	if fg {
		s.refetchUnread()
	}
}

// OpenConversation fetches the history for the conversation with partnerID
// into an in-memory thread. It does not change the active view; call
// SetActiveConversation once the view is actually foregrounded.
func (s *Session) OpenConversation(ctx context.Context, partnerID int64, limit int) (*Thread, error) {
	history, err := s.client.Messages(ctx, partnerID, limit)
	if err != nil {
		return nil, err
	}
	return s.threads.Open(partnerID, history), nil
}

// SetActiveConversation marks the conversation with partnerID as the
// actively rendered view. Its unread contribution clears immediately and a
// mark-read is issued. Pass 0 to deactivate (view closed or navigated away).
func (s *Session) SetActiveConversation(partnerID int64) {
	s.unread.SetActive(partnerID)
}

// React toggles a reaction through the outbox.
func (s *Session) React(messageID int64, emoji string, added bool) {
	s.outbox.React(messageID, emoji, added)
}

// Star toggles a star through the outbox.
func (s *Session) Star(messageID int64, starred bool) {
	s.outbox.Star(messageID, starred)
}

// Pin toggles a pin through the outbox.
func (s *Session) Pin(messageID int64, pinned bool) {
	s.outbox.Pin(messageID, pinned)
}

// ── event routing ───────────────────────────────────────────────

// route receives every envelope in arrival order. Presence events feed the
// tracker directly; chat events fan out through the dispatcher, where the
// session's own state machines are subscribed alongside any UI consumers.
func (s *Session) route(env Envelope) {
	switch env.Event {
	case EventPresenceList:
		var p PresenceListPayload
		if err := decodePayload(env, &p); err == nil {
			s.presence.ApplySnapshot(p)
		}
	case EventUserOnline:
		s.applyPresence(env, PresenceOnline)
	case EventUserAway:
		s.applyPresence(env, PresenceAway)
	case EventUserOffline:
		s.applyPresence(env, PresenceOffline)
	default:
		s.dispatcher.DispatchEnvelope(env)
	}
}

func (s *Session) applyPresence(env Envelope, status PresenceStatus) {
	var p UserPresencePayload
	if err := decodePayload(env, &p); err == nil {
		s.presence.Apply(p.UserID, status)
	}
}

func decodePayload(env Envelope, v interface{}) error {
	if env.Payload == nil {
		return errors.New("empty payload")
	}
	return json.Unmarshal(env.Payload, v)
}

func (s *Session) registerInternalHandlers() {
	s.dispatcher.OnMessage(s.handleMessage)
	s.dispatcher.OnDelivered(func(p DeliveredPayload) { s.threads.ApplyDelivered(p) })
	s.dispatcher.OnRead(func(p ReadPayload) { s.threads.ApplyRead(p) })
	s.dispatcher.OnReaction(s.handleReaction)
}

// handleMessage applies the receipt protocol to one inbound message. A
// message addressed to the local user is acknowledged with a mark-delivered
// batched per sender — unless its conversation is the active foregrounded
// view, in which case the reconciler issues an immediate mark-read that
// collapses the delivered step.
//
// The channel delivers at least once. The session keeps its own seen-id set
// because the thread cache cannot dedupe for background conversations that
// were never opened; a redelivered message must not count, notify or
// acknowledge a second time.
func (s *Session) handleMessage(p MessagePayload) {
	fresh := s.seen.add(p.MessageID)
	s.threads.Append(s.selfID, p.Message())

	if !fresh {
		return
	}
	if p.ReceiverUserID != s.selfID {
		// Echo of the local user's own message from another tab or device;
		// nothing to acknowledge.
		return
	}

	counted := s.unread.MessageArrived(p.SenderUserID)
	if counted {
		s.batcher.add(p.SenderUserID, p.MessageID)
		if s.opts.OnNotify != nil {
			s.opts.OnNotify(p)
		}
	}
}

// handleReaction updates the loaded message and counts reaction unread when
// someone else reacted to one of the local user's own messages.
func (s *Session) handleReaction(p ReactionPayload) {
	s.threads.ApplyReaction(p)
	if p.Added && p.SenderUserID == s.selfID && p.ReactorUserID != s.selfID {
		s.unread.ReactionArrived(p.ReactorUserID)
	}
}

// ── redelivery dedupe ───────────────────────────────────────────

// seenMessageLimit bounds the dedupe window; ids older than the last few
// thousand messages can no longer be redelivered by the channel in practice.
const seenMessageLimit = 4096

// seenMessages is a bounded set of message ids already processed this
// session, evicted oldest-first.
type seenMessages struct {
	mu    sync.Mutex
	ids   map[int64]struct{}
	order []int64
}

func newSeenMessages() *seenMessages {
	return &seenMessages{ids: make(map[int64]struct{})}
}

// add records id and reports whether it was new.
func (s *seenMessages) add(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > seenMessageLimit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	return true
}

func (s *seenMessages) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = make(map[int64]struct{})
	s.order = nil
}

// ── unread plumbing ─────────────────────────────────────────────

// issueMarkRead is the reconciler's outgoing hook: clear locally, send the
// mark-read through the outbox, and refetch the baseline when the call
// completes — success or failure — so the badge self-heals either way.
func (s *Session) issueMarkRead(partnerID int64) {
	var ids []int64
	if t := s.threads.Thread(partnerID); t != nil {
		ids = t.UnreadIDsFrom(partnerID)
	}
	s.unread.MarkedRead(partnerID)
	s.outbox.MarkRead(partnerID, ids, func(error) {
		s.refetchUnread()
	})
}

func (s *Session) refetchUnread() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		summary, err := s.client.UnreadSummary(ctx)
		if err != nil {
			s.log.Debug().Err(err).Msg("unread refetch failed; keeping last baseline")
			return
		}
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.unread.ApplySummary(summary)
	}()
}

func (s *Session) pollLoop() {
	ticker := time.NewTicker(s.opts.UnreadPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refetchUnread()
		}
	}
}
