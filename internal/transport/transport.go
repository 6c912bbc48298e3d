// Package transport models the host runtime's message-passing boundary
// (spec §6): inbound tag-bag messages routed by Action to a handler, and an
// Outbox that handlers write outbound messages to. The Dispatcher's
// registration table is generalized from the teacher's
// core/opcode_dispatcher.go pattern — a map keyed by an identifier,
// populated once, panicking at start-up on a duplicate registration —
// moved from 24-bit opcodes to string Action tags.
package transport

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Message is one inbound tag-bag message (spec §6): a mandatory Action tag,
// a sender identity, a delivery timestamp, and an arbitrary JSON payload.
type Message struct {
	Action    string          `json:"action"`
	From      string          `json:"from"`
	Timestamp int64           `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Tag returns the named tag, or "" if absent.
func (m Message) Tag(name string) string { return m.Tags[name] }

// OutMessage is one outbound message a handler emits: a target actor, an
// Action tag, and a payload plus any audit tags.
type OutMessage struct {
	Target string            `json:"target"`
	Action string            `json:"action"`
	Tags   map[string]string `json:"tags,omitempty"`
	Data   json.RawMessage   `json:"data,omitempty"`
}

// Outbox collects outbound messages emitted while handling one inbound
// message. The host runtime (out of scope per spec §1) is responsible for
// actually delivering them; this type only queues.
type Outbox struct {
	mu       sync.Mutex
	messages []OutMessage
}

// NewOutbox constructs an empty Outbox.
func NewOutbox() *Outbox { return &Outbox{} }

// Send appends an outbound message to the queue.
func (o *Outbox) Send(msg OutMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
}

// Drain returns and clears every queued outbound message.
func (o *Outbox) Drain() []OutMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.messages
	o.messages = nil
	return out
}

// Handler processes one inbound Message and may write to out.
type Handler func(msg Message, out *Outbox) error

// Dispatcher routes inbound messages to a registered Handler by Action tag,
// matching the single-threaded, run-to-completion model of spec §5: each
// call to Dispatch handles exactly one message before returning.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *logrus.Logger
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher(logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{handlers: make(map[string]Handler), logger: logger}
}

// Register binds an Action tag to its handler. It panics on a duplicate
// registration, mirroring the teacher's fail-fast opcode table: a collision
// here is a programming error that must never reach production unnoticed.
func (d *Dispatcher) Register(action string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[action]; exists {
		panic(fmt.Sprintf("transport: handler already registered for action %q", action))
	}
	d.handlers[action] = h
}

// Dispatch routes msg to its registered handler and returns any queued
// outbound messages alongside the handler's error.
func (d *Dispatcher) Dispatch(msg Message) ([]OutMessage, error) {
	d.mu.RLock()
	h, ok := d.handlers[msg.Action]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: no handler for action %q", msg.Action)
	}
	out := NewOutbox()
	err := h(msg, out)
	if err != nil {
		d.logger.WithError(err).WithField("action", msg.Action).Warn("handler returned error")
	}
	return out.Drain(), err
}
