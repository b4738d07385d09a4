package chatrt

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Outgoing-call outbox
// ============================================================================

// Outgoing receipt and action calls never block event dispatch and never
// retry indefinitely: each op gets a bounded retry budget, and a failed op is
// dropped after its budget — the next authoritative refetch corrects any
// drift, so no error is surfaced to the user.

type opKind string

const (
	opMarkDelivered opKind = "mark-delivered"
	opMarkRead      opKind = "mark-read"
	opReact         opKind = "react"
	opStar          opKind = "star"
	opPin           opKind = "pin"
)

// OutboxOp is one queued outgoing call. The idempotency key makes a retried
// receipt call safe against double application.
type OutboxOp struct {
	ID         string
	Kind       opKind
	PartnerID  int64
	MessageIDs []int64
	MessageID  int64
	Emoji      string
	Flag       bool

	Retries    int
	MaxRetries int

	// OnDone fires exactly once when the op leaves the queue, with nil on
	// success or the last error after the retry budget is spent.
	OnDone func(error)
}

// OutboxOptions configures the outbox.
type OutboxOptions struct {
	RetryLimit    int
	FlushInterval time.Duration
	CallTimeout   time.Duration
}

func (o *OutboxOptions) defaults() {
	if o.RetryLimit == 0 {
		o.RetryLimit = 3
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = 10 * time.Second
	}
}

// Outbox serializes outgoing mark-delivered/mark-read/react/star/pin calls
// with bounded retries. Enqueue is non-blocking; calls run on a background
// flush goroutine so incoming event dispatch is never stalled behind a slow
// response.
type Outbox struct {
	client *Client
	opts   OutboxOptions
	log    zerolog.Logger

	mu       sync.Mutex
	queue    []*OutboxOp
	flushing bool
	stopCh   chan struct{}
	stopped  bool
}

// NewOutbox creates a stopped outbox; call Start to begin flushing.
func NewOutbox(client *Client, log zerolog.Logger, opts *OutboxOptions) *Outbox {
	var o OutboxOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Outbox{
		client: client,
		opts:   o,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (b *Outbox) Start() {
	go b.flushLoop()
}

// Stop halts the flush loop. Queued ops are dropped; the server-side state
// is reconciled by the next login's refetch.
func (b *Outbox) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopped {
		b.stopped = true
		close(b.stopCh)
	}
}

// Pending returns the number of queued ops.
func (b *Outbox) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// MarkDelivered queues a delivered receipt for messages from partnerID.
func (b *Outbox) MarkDelivered(partnerID int64, messageIDs []int64) {
	b.enqueue(&OutboxOp{Kind: opMarkDelivered, PartnerID: partnerID, MessageIDs: messageIDs})
}

// MarkRead queues a read receipt for the conversation with partnerID. An
// empty id list marks the whole conversation. onDone fires when the call
// completes or gives up.
func (b *Outbox) MarkRead(partnerID int64, messageIDs []int64, onDone func(error)) {
	b.enqueue(&OutboxOp{Kind: opMarkRead, PartnerID: partnerID, MessageIDs: messageIDs, OnDone: onDone})
}

// React queues a reaction toggle.
func (b *Outbox) React(messageID int64, emoji string, added bool) {
	b.enqueue(&OutboxOp{Kind: opReact, MessageID: messageID, Emoji: emoji, Flag: added})
}

// Star queues a star toggle.
func (b *Outbox) Star(messageID int64, starred bool) {
	b.enqueue(&OutboxOp{Kind: opStar, MessageID: messageID, Flag: starred})
}

// Pin queues a pin toggle.
func (b *Outbox) Pin(messageID int64, pinned bool) {
	b.enqueue(&OutboxOp{Kind: opPin, MessageID: messageID, Flag: pinned})
}

func (b *Outbox) enqueue(op *OutboxOp) {
	op.ID = uuid.NewString()
	op.MaxRetries = b.opts.RetryLimit

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		if op.OnDone != nil {
			op.OnDone(ErrClosed)
		}
		return
	}
	b.queue = append(b.queue, op)
	b.mu.Unlock()

	go b.Flush()
}

func (b *Outbox) flushLoop() {
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

// Flush drains the queue once. Concurrent flushes collapse into one.
func (b *Outbox) Flush() {
	b.mu.Lock()
	if b.flushing || b.stopped {
		b.mu.Unlock()
		return
	}
	b.flushing = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.flushing = false
		b.mu.Unlock()
	}()

	for {
		b.mu.Lock()
		if len(b.queue) == 0 || b.stopped {
			b.mu.Unlock()
			return
		}
		op := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), b.opts.CallTimeout)
		err := b.perform(ctx, op)
		cancel()

		if err == nil {
			if op.OnDone != nil {
				op.OnDone(nil)
			}
			continue
		}

		op.Retries++
		if op.Retries >= op.MaxRetries {
			b.log.Warn().Str("op", string(op.Kind)).Str("id", op.ID).Err(err).
				Msg("outgoing call dropped after retry budget; refetch will reconcile")
			if op.OnDone != nil {
				op.OnDone(err)
			}
			continue
		}

		b.log.Debug().Str("op", string(op.Kind)).Str("id", op.ID).Err(err).
			Int("retries", op.Retries).Msg("outgoing call failed; requeued")
		b.mu.Lock()
		b.queue = append(b.queue, op)
		b.mu.Unlock()
		return // wait for the next flush tick before retrying
	}
}

func (b *Outbox) perform(ctx context.Context, op *OutboxOp) error {
	switch op.Kind {
	case opMarkDelivered:
		return b.client.receiptCall(ctx, op.PartnerID, op.MessageIDs, "delivered", op.ID)
	case opMarkRead:
		return b.client.receiptCall(ctx, op.PartnerID, op.MessageIDs, "read", op.ID)
	case opReact:
		return b.client.React(ctx, op.MessageID, op.Emoji, op.Flag)
	case opStar:
		return b.client.Star(ctx, op.MessageID, op.Flag)
	case opPin:
		return b.client.Pin(ctx, op.MessageID, op.Flag)
	}
	return nil
}

// ============================================================================
// Delivered-receipt batcher
// ============================================================================

// deliveredBatchWindow is how long arrivals from one sender are collected
// before a single mark-delivered call is issued for the whole batch.
const deliveredBatchWindow = 100 * time.Millisecond

// deliveryBatcher coalesces mark-delivered receipts per sender: several
// messages arriving together produce one outgoing call.
type deliveryBatcher struct {
	clock Clock
	emit  func(senderID int64, messageIDs []int64)

	mu      sync.Mutex
	pending map[int64][]int64
	timers  map[int64]Timer
	closed  bool
}

func newDeliveryBatcher(clock Clock, emit func(int64, []int64)) *deliveryBatcher {
	if clock == nil {
		clock = SystemClock()
	}
	return &deliveryBatcher{
		clock:   clock,
		emit:    emit,
		pending: make(map[int64][]int64),
		timers:  make(map[int64]Timer),
	}
}

func (d *deliveryBatcher) add(senderID, messageID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending[senderID] = append(d.pending[senderID], messageID)
	if _, armed := d.timers[senderID]; !armed {
		d.timers[senderID] = d.clock.AfterFunc(deliveredBatchWindow, func() { d.flush(senderID) })
	}
}

func (d *deliveryBatcher) flush(senderID int64) {
	d.mu.Lock()
	ids := d.pending[senderID]
	delete(d.pending, senderID)
	delete(d.timers, senderID)
	closed := d.closed
	d.mu.Unlock()
	if closed || len(ids) == 0 {
		return
	}
	d.emit(senderID, ids)
}

func (d *deliveryBatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.pending = make(map[int64][]int64)
}
