package bus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler consumes a message published on a channel. Handlers run on the
// subscription's dispatcher goroutine, never on the publisher's.
type Handler func(msg Message)

// Message is one published event.
type Message struct {
	Channel string
	Payload interface{}
}

// Bus is the process-local publish/subscribe contract. Publish is
// fire-and-forget: delivery is best-effort and never blocks the caller.
type Bus interface {
	Publish(channel string, payload interface{})
	Subscribe(channel string, handler Handler) (unsubscribe func())
	Close()
}

// InProcess is a channel-backed Bus. Each subscription owns a buffered
// queue and a dispatcher goroutine; a subscriber that cannot keep up
// loses messages rather than stalling publishers.
type InProcess struct {
	logger     *zap.Logger
	bufferSize int

	// Protected by mutex
	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID int
	closed bool

	wg sync.WaitGroup
}

type subscription struct {
	id      int
	channel string
	queue   chan Message
}

// Config holds bus configuration.
type Config struct {
	BufferSize int // per-subscription queue depth
	Logger     *zap.Logger
}

// NewInProcess creates an in-process bus.
func NewInProcess(cfg *Config) (*InProcess, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}

	return &InProcess{
		logger:     cfg.Logger,
		bufferSize: bufferSize,
		subs:       make(map[string][]*subscription),
	}, nil
}

// Publish delivers payload to every subscriber of channel without
// blocking. Messages to full subscriber queues are dropped and counted.
func (b *InProcess) Publish(channel string, payload interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	PublishedTotal.WithLabelValues(channel).Inc()

	msg := Message{Channel: channel, Payload: payload}
	for _, sub := range b.subs[channel] {
		select {
		case sub.queue <- msg:
		default:
			DroppedTotal.WithLabelValues(channel).Inc()
			b.logger.Warn("bus-message-dropped",
				zap.String("channel", channel),
				zap.Int("subscriber", sub.id))
		}
	}
}

// Subscribe registers handler for channel and returns an unsubscribe
// function. Handler panics are contained to the offending message.
func (b *InProcess) Subscribe(channel string, handler Handler) func() {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return func() {}
	}

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		channel: channel,
		queue:   make(chan Message, b.bufferSize),
	}
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(sub, handler)

	return func() { b.unsubscribe(sub) }
}

// Close stops all dispatchers after their queues drain.
func (b *InProcess) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.queue)
		}
	}
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("bus-closed")
}

func (b *InProcess) dispatch(sub *subscription, handler Handler) {
	defer b.wg.Done()

	for msg := range sub.queue {
		b.deliver(sub, handler, msg)
	}
}

func (b *InProcess) deliver(sub *subscription, handler Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus-handler-panic",
				zap.String("channel", sub.channel),
				zap.Int("subscriber", sub.id),
				zap.Any("panic", r))
		}
	}()

	handler(msg)
	DeliveredTotal.WithLabelValues(sub.channel).Inc()
}

func (b *InProcess) unsubscribe(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	subs := b.subs[target.channel]
	for i, sub := range subs {
		if sub.id == target.id {
			b.subs[target.channel] = append(subs[:i], subs[i+1:]...)
			close(sub.queue)
			return
		}
	}
}
