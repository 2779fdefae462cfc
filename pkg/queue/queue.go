package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoSuchQueue is returned for operations on queues that were never
	// created or have been dropped. Agents react by re-subscribing.
	ErrNoSuchQueue = errors.New("no such queue")

	// ErrUnknownReceipt is returned when acking a handle that no longer
	// matches a held message. Callers treat it as an already-redelivered
	// message, not a failure.
	ErrUnknownReceipt = errors.New("unknown receipt handle")
)

// DefaultVisibility is how long a received message stays invisible before
// it is redelivered if not acked.
const DefaultVisibility = 10 * time.Second

// pollInterval bounds how quickly a long-poll notices new and re-visible
// messages.
const pollInterval = 50 * time.Millisecond

// Delivery is one received message plus its ack token
type Delivery struct {
	Body          []byte
	ReceiptHandle string
	Redelivered   int // prior delivery count for this message
}

// message is the broker-internal envelope
type message struct {
	body           []byte
	receipt        string
	deliveries     int
	invisibleUntil time.Time
}

type queueState struct {
	messages []*message
}

// Broker manages named in-memory queues with at-least-once,
// visibility-timeout delivery. Messages are FIFO within a queue; a received
// message becomes invisible for the visibility window and reappears, in its
// original position, if not acked in time.
type Broker struct {
	mu         sync.Mutex
	queues     map[string]*queueState
	visibility time.Duration
}

// NewBroker creates a broker. visibility <= 0 selects DefaultVisibility.
func NewBroker(visibility time.Duration) *Broker {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	return &Broker{
		queues:     make(map[string]*queueState),
		visibility: visibility,
	}
}

// Ensure creates the queue if it does not exist. Idempotent.
func (b *Broker) Ensure(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queue]; !ok {
		b.queues[queue] = &queueState{}
	}
}

// Send appends a message to the queue
func (b *Broker) Send(queue string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("send to %s: %w", queue, ErrNoSuchQueue)
	}

	cp := make([]byte, len(body))
	copy(cp, body)
	q.messages = append(q.messages, &message{body: cp})
	return nil
}

// Receive returns up to max visible messages, long-polling until wait has
// elapsed or ctx is done. An empty slice means the wait expired with
// nothing to deliver; that is not an error.
func (b *Broker) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		deliveries, err := b.receiveOnce(queue, max)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 || time.Now().After(deadline) {
			return deliveries, nil
		}

		t := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (b *Broker) receiveOnce(queue string, max int) ([]Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("receive from %s: %w", queue, ErrNoSuchQueue)
	}

	now := time.Now()
	var deliveries []Delivery
	for _, m := range q.messages {
		if len(deliveries) >= max {
			break
		}
		if m.invisibleUntil.After(now) {
			continue
		}
		m.receipt = uuid.New().String()
		m.invisibleUntil = now.Add(b.visibility)
		m.deliveries++
		deliveries = append(deliveries, Delivery{
			Body:          m.body,
			ReceiptHandle: m.receipt,
			Redelivered:   m.deliveries - 1,
		})
	}
	return deliveries, nil
}

// Ack deletes a message by receipt handle
func (b *Broker) Ack(queue, receiptHandle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("ack on %s: %w", queue, ErrNoSuchQueue)
	}

	for i, m := range q.messages {
		if m.receipt == receiptHandle {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return ErrUnknownReceipt
}

// Depth returns the number of messages held, visible or not
func (b *Broker) Depth(queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return 0, fmt.Errorf("depth of %s: %w", queue, ErrNoSuchQueue)
	}
	return len(q.messages), nil
}

// Queues lists all queue names
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// Purge discards all messages in the queue but keeps it
func (b *Broker) Purge(queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("purge of %s: %w", queue, ErrNoSuchQueue)
	}
	q.messages = nil
	return nil
}

// Drop removes the queue entirely. Dropping an unknown queue is a no-op.
func (b *Broker) Drop(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, queue)
}
