// Package mq implements the worker's secure message queues: an outbound
// queue of signed, per-origin sequenced messages and an inbound dispatcher
// routing on-chain messages to registered consumers.
package mq

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gammazero/deque"

	"github.com/wardenlabs/warden/go/common/cbor"
	"github.com/wardenlabs/warden/go/common/crypto/signature"
	"github.com/wardenlabs/warden/go/common/logging"
)

// MessageSignatureContext is the context used to sign outbound messages.
var MessageSignatureContext = signature.NewContext("warden/mq: signed message")

// Message is a message between the worker and the chain.
type Message struct {
	// Sender is the message origin.
	Sender string `json:"sender"`

	// Destination is the destination topic.
	Destination string `json:"destination"`

	// Payload is the opaque message payload.
	Payload []byte `json:"payload"`
}

// SignedMessage is an outbound message with its per-origin sequence number
// and the worker's signature.
type SignedMessage struct {
	Message Message `json:"message"`

	// Sequence is the per-origin monotonically increasing sequence number.
	Sequence uint64 `json:"sequence"`

	// Signature is the worker identity signature over the message and
	// sequence number.
	Signature []byte `json:"signature"`
}

type signedPayload struct {
	Message  Message `json:"message"`
	Sequence uint64  `json:"sequence"`
}

// SigningPayload returns the canonical byte string covered by the signature.
func (m *SignedMessage) SigningPayload() []byte {
	return cbor.Marshal(signedPayload{Message: m.Message, Sequence: m.Sequence})
}

type sendChannel struct {
	nextSequence uint64
	pending      *deque.Deque[*SignedMessage]
}

// SendQueue is the outbound signed-message queue.
//
// Messages are appended per sending origin and retained until the chain
// confirms receipt via the per-origin offset.
type SendQueue struct {
	mu sync.Mutex

	signer   signature.Signer
	channels map[string]*sendChannel
}

// NewSendQueue creates a new outbound queue signing with the given signer.
func NewSendQueue(signer signature.Signer) *SendQueue {
	return &SendQueue{
		signer:   signer,
		channels: make(map[string]*sendChannel),
	}
}

// Enqueue appends a message for the given origin, assigning the next
// sequence number and signing it.
func (q *SendQueue) Enqueue(sender, destination string, payload []byte) (*SignedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := q.channels[sender]
	if ch == nil {
		ch = &sendChannel{pending: deque.New[*SignedMessage]()}
		q.channels[sender] = ch
	}

	msg := &SignedMessage{
		Message: Message{
			Sender:      sender,
			Destination: destination,
			Payload:     payload,
		},
		Sequence: ch.nextSequence,
	}

	sig, err := q.signer.ContextSign(MessageSignatureContext, msg.SigningPayload())
	if err != nil {
		return nil, fmt.Errorf("mq: failed to sign message: %w", err)
	}
	msg.Signature = sig

	ch.nextSequence++
	ch.pending.PushBack(msg)
	return msg, nil
}

// OriginMessages is the snapshot of one origin's pending messages.
type OriginMessages struct {
	Origin   string           `json:"origin"`
	Messages []*SignedMessage `json:"messages"`
}

// Messages returns a snapshot of all pending messages, grouped by origin
// in lexicographic order.
func (q *SendQueue) Messages() []OriginMessages {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]OriginMessages, 0, len(q.channels))
	for origin, ch := range q.channels {
		if ch.pending.Len() == 0 {
			continue
		}
		msgs := make([]*SignedMessage, 0, ch.pending.Len())
		for i := 0; i < ch.pending.Len(); i++ {
			msgs = append(msgs, ch.pending.At(i))
		}
		out = append(out, OriginMessages{Origin: origin, Messages: msgs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

// Count returns the total number of pending messages.
func (q *SendQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	for _, ch := range q.channels {
		n += ch.pending.Len()
	}
	return n
}

// OriginSnapshot is the serializable state of one origin's channel.
type OriginSnapshot struct {
	Origin       string           `json:"origin"`
	NextSequence uint64           `json:"next_sequence"`
	Pending      []*SignedMessage `json:"pending"`
}

// QueueSnapshot is the serializable send queue state, used by checkpoints.
type QueueSnapshot struct {
	Origins []OriginSnapshot `json:"origins"`
}

// Snapshot returns the serializable queue state.
func (q *SendQueue) Snapshot() *QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := &QueueSnapshot{Origins: make([]OriginSnapshot, 0, len(q.channels))}
	for origin, ch := range q.channels {
		os := OriginSnapshot{
			Origin:       origin,
			NextSequence: ch.nextSequence,
			Pending:      make([]*SignedMessage, 0, ch.pending.Len()),
		}
		for i := 0; i < ch.pending.Len(); i++ {
			os.Pending = append(os.Pending, ch.pending.At(i))
		}
		snap.Origins = append(snap.Origins, os)
	}
	sort.Slice(snap.Origins, func(i, j int) bool { return snap.Origins[i].Origin < snap.Origins[j].Origin })
	return snap
}

// NewSendQueueFromSnapshot restores an outbound queue from a snapshot.
func NewSendQueueFromSnapshot(signer signature.Signer, snap *QueueSnapshot) *SendQueue {
	q := NewSendQueue(signer)
	if snap == nil {
		return q
	}
	for _, os := range snap.Origins {
		ch := &sendChannel{
			nextSequence: os.NextSequence,
			pending:      deque.New[*SignedMessage](),
		}
		for _, msg := range os.Pending {
			ch.pending.PushBack(msg)
		}
		q.channels[os.Origin] = ch
	}
	return q
}

// PurgeConfirmed drops pending messages whose sequence numbers the chain
// has confirmed, as reported by the offset callback (the next sequence
// number the chain expects from the origin).
func (q *SendQueue) PurgeConfirmed(offset func(origin string) uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for origin, ch := range q.channels {
		confirmed := offset(origin)
		for ch.pending.Len() > 0 && ch.pending.Front().Sequence < confirmed {
			ch.pending.PopFront()
		}
	}
}

// Handler consumes a single inbound message.
type Handler func(*Message)

// Dispatcher routes inbound messages extracted from chain storage to
// registered consumers. Dispatch is at-most-once per block pass; messages
// with no registered consumer are counted and dropped.
type Dispatcher struct {
	mu sync.Mutex

	logger *logging.Logger

	handlers  map[string]Handler
	unhandled int
}

// NewDispatcher creates a new inbound dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		logger:   logging.GetLogger("runtime/mq"),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler registers a consumer for the given destination topic.
// Registering a topic twice replaces the previous consumer.
func (d *Dispatcher) RegisterHandler(topic string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[topic] = h
}

// Dispatch routes one message to its topic's consumer. Returns false if no
// consumer claimed the message.
func (d *Dispatcher) Dispatch(msg *Message) bool {
	d.mu.Lock()
	h := d.handlers[msg.Destination]
	if h == nil {
		d.unhandled++
		d.mu.Unlock()
		d.logger.Debug("no consumer for message",
			"sender", msg.Sender,
			"destination", msg.Destination,
		)
		return false
	}
	d.mu.Unlock()

	h(msg)
	return true
}

// Clear returns the number of messages dropped since the last call and
// resets the counter. Called at the end of each block pass.
func (d *Dispatcher) Clear() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.unhandled
	d.unhandled = 0
	return n
}
