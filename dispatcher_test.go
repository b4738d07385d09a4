package chatrt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testDispatcher() *Dispatcher {
	return NewDispatcher(zerolog.Nop())
}

func TestDispatcherFanOut(t *testing.T) {
	t.Run("all subscribers receive in registration order", func(t *testing.T) {
		d := testDispatcher()
		var order []string
		d.OnMessage(func(MessagePayload) { order = append(order, "first") })
		d.OnMessage(func(MessagePayload) { order = append(order, "second") })

		d.DispatchMessage(MessagePayload{MessageID: 1})
		if len(order) != 2 || order[0] != "first" || order[1] != "second" {
			t.Fatalf("dispatch order = %v", order)
		}
	})

	t.Run("panicking handler does not starve the rest", func(t *testing.T) {
		d := testDispatcher()
		received := 0
		d.OnMessage(func(MessagePayload) { panic("broken consumer") })
		d.OnMessage(func(MessagePayload) { received++ })

		d.DispatchMessage(MessagePayload{MessageID: 1})
		d.DispatchMessage(MessagePayload{MessageID: 2})
		if received != 2 {
			t.Fatalf("second handler received %d events, want 2", received)
		}
	})

	t.Run("handler registered mid-stream sees later events only", func(t *testing.T) {
		d := testDispatcher()
		var early, late []int64
		d.OnMessage(func(p MessagePayload) { early = append(early, p.MessageID) })

		d.DispatchMessage(MessagePayload{MessageID: 1})
		d.OnMessage(func(p MessagePayload) { late = append(late, p.MessageID) })
		d.DispatchMessage(MessagePayload{MessageID: 2})

		if len(early) != 2 {
			t.Fatalf("early handler got %v, want both events", early)
		}
		if len(late) != 1 || late[0] != 2 {
			t.Fatalf("late handler got %v, want [2]", late)
		}
	})

	t.Run("unsubscribe stops delivery and is idempotent", func(t *testing.T) {
		d := testDispatcher()
		count := 0
		unsub := d.OnDelivered(func(DeliveredPayload) { count++ })

		d.DispatchDelivered(DeliveredPayload{MessageIDs: []int64{1}})
		unsub()
		unsub()
		d.DispatchDelivered(DeliveredPayload{MessageIDs: []int64{2}})
		if count != 1 {
			t.Fatalf("handler ran %d times, want 1", count)
		}
	})

	t.Run("typed channels are independent", func(t *testing.T) {
		d := testDispatcher()
		var got []string
		d.OnRead(func(ReadPayload) { got = append(got, "read") })
		d.OnReaction(func(ReactionPayload) { got = append(got, "reaction") })

		d.DispatchRead(ReadPayload{MessageIDs: []int64{1}})
		if len(got) != 1 || got[0] != "read" {
			t.Fatalf("got %v, want [read]", got)
		}
	})
}

func TestDispatcherClose(t *testing.T) {
	d := testDispatcher()
	count := 0
	unsub := d.OnMessage(func(MessagePayload) { count++ })

	d.Close()
	d.DispatchMessage(MessagePayload{MessageID: 1})
	unsub() // must not panic after close

	if got := d.OnMessage(func(MessagePayload) { count++ }); got == nil {
		t.Fatal("OnMessage after close returned nil unsubscribe")
	}
	d.DispatchMessage(MessagePayload{MessageID: 2})
	if count != 0 {
		t.Fatalf("handlers ran %d times after close, want 0", count)
	}
}

func TestDispatchEnvelope(t *testing.T) {
	mustPayload := func(t *testing.T, v interface{}) json.RawMessage {
		t.Helper()
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		return b
	}

	t.Run("routes by event name", func(t *testing.T) {
		d := testDispatcher()
		var msg *MessagePayload
		var read *ReadPayload
		d.OnMessage(func(p MessagePayload) { msg = &p })
		d.OnRead(func(p ReadPayload) { read = &p })

		d.DispatchEnvelope(Envelope{
			Event:   EventMessage,
			Payload: mustPayload(t, MessagePayload{MessageID: 5, SenderUserID: 2, Text: "hi"}),
		})
		d.DispatchEnvelope(Envelope{
			Event:   EventRead,
			Payload: mustPayload(t, ReadPayload{MessageIDs: []int64{5}, ReadAt: time.Now()}),
		})

		if msg == nil || msg.MessageID != 5 || msg.Text != "hi" {
			t.Fatalf("message payload = %+v", msg)
		}
		if read == nil || len(read.MessageIDs) != 1 {
			t.Fatalf("read payload = %+v", read)
		}
	})

	t.Run("unknown event is ignored", func(t *testing.T) {
		d := testDispatcher()
		fired := false
		d.OnMessage(func(MessagePayload) { fired = true })
		d.DispatchEnvelope(Envelope{Event: "chat:typing", Payload: []byte(`{}`)})
		if fired {
			t.Fatal("unknown event reached a handler")
		}
	})

	t.Run("undecodable payload is dropped", func(t *testing.T) {
		d := testDispatcher()
		fired := false
		d.OnMessage(func(MessagePayload) { fired = true })
		d.DispatchEnvelope(Envelope{Event: EventMessage, Payload: []byte(`not json`)})
		if fired {
			t.Fatal("bad payload reached a handler")
		}
	})
}
