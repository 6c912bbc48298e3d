package transport

import "testing"

func TestRegisterPanicsOnDuplicateAction(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("Stake", func(Message, *Outbox) error { return nil })

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	d.Register("Stake", func(Message, *Outbox) error { return nil })
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	d := NewDispatcher(nil)
	var received Message
	d.Register("Stake", func(msg Message, out *Outbox) error {
		received = msg
		out.Send(OutMessage{Target: "treasury", Action: "Stake-Started"})
		return nil
	})

	out, err := d.Dispatch(Message{Action: "Stake", From: "alice"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if received.From != "alice" {
		t.Fatalf("expected handler to receive the inbound message, got %+v", received)
	}
	if len(out) != 1 || out[0].Action != "Stake-Started" {
		t.Fatalf("expected one Stake-Started outbound message, got %+v", out)
	}
}

func TestDispatchUnknownActionReturnsError(t *testing.T) {
	d := NewDispatcher(nil)
	_, err := d.Dispatch(Message{Action: "Nonexistent"})
	if err == nil {
		t.Fatal("expected error for an unregistered action")
	}
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("Stake", func(Message, *Outbox) error { return errBoom })
	_, err := d.Dispatch(Message{Action: "Stake"})
	if err != errBoom {
		t.Fatalf("expected handler error to propagate, got %v", err)
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }

func TestOutboxDrainClearsQueue(t *testing.T) {
	out := NewOutbox()
	out.Send(OutMessage{Action: "A"})
	out.Send(OutMessage{Action: "B"})

	drained := out.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(drained))
	}
	if more := out.Drain(); len(more) != 0 {
		t.Fatalf("expected empty queue after drain, got %v", more)
	}
}
