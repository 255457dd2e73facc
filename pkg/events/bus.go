package events

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleguard/internal/groutine"
)

// Bus fans events out to any number of subscribers.
//
// Each subscriber owns an unbounded FIFO mailbox, so Publish never blocks and a slow
// subscriber cannot stall the publisher or other subscribers. Events reach every
// subscriber in publish order.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*mailbox
	nextID uint64
	closed bool
	logger *logrus.Logger
}

// NewBus creates an empty bus. A nil logger falls back to logrus.New().
func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		subs:   make(map[uint64]*mailbox),
		logger: logger,
	}
}

// Publish delivers ev to every live subscriber. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.logger.WithFields(ev.Fields()).Debug("Event dropped: bus is closed")
		return
	}
	for _, mb := range b.subs {
		mb.push(ev)
	}
}

// Subscribe registers fn as a callback subscriber and returns a function that ends
// the subscription. fn runs on a dedicated goroutine, one event at a time.
//
// Subscribing to a closed bus returns a no-op cancel function.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	id, mb := b.add()
	if mb == nil {
		return func() {}
	}

	groutine.Go(context.Background(), fmt.Sprintf("event-subscriber-%d", id), func(ctx context.Context) {
		for {
			<-mb.notify
			batch, done := mb.take()
			for _, ev := range batch {
				b.deliver(fn, ev)
			}
			if done {
				return
			}
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id, true) })
	}
}

// Events returns a pull-style sequence over the bus. The subscription begins when
// iteration starts and ends when the loop breaks, ctx is done, or the bus is closed.
func (b *Bus) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		id, mb := b.add()
		if mb == nil {
			return
		}
		defer b.remove(id, true)

		for {
			select {
			case <-ctx.Done():
				return
			case <-mb.notify:
			}

			batch, done := mb.take()
			for _, ev := range batch {
				if !yield(ev) {
					return
				}
			}
			if done {
				return
			}
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Events already queued are still delivered.
// Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, mb := range b.subs {
		mb.close(false)
		delete(b.subs, id)
	}
}

func (b *Bus) add() (uint64, *mailbox) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, nil
	}
	b.nextID++
	mb := newMailbox()
	b.subs[b.nextID] = mb
	return b.nextID, mb
}

func (b *Bus) remove(id uint64, discard bool) {
	b.mu.Lock()
	mb, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		mb.close(discard)
	}
}

func (b *Bus) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(ev.Fields()).WithField("panic", r).Error("Event subscriber panicked")
		}
	}()
	fn(ev)
}

// mailbox is an unbounded FIFO with a one-slot wakeup channel.
type mailbox struct {
	mu     sync.Mutex
	queue  []Event
	done   bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(ev Event) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) take() ([]Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := m.queue
	m.queue = nil
	return batch, m.done
}

func (m *mailbox) close(discard bool) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	if discard {
		m.queue = nil
	}
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
