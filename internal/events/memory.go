package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

type message struct {
	topic   string
	payload []byte
}

type subscription struct {
	prefix string
	ch     chan message
	done   <-chan struct{}
}

// MemoryBus fans messages out in-process. Each subscription has its own
// buffered channel and goroutine; a full channel drops the message.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*subscription
	buffer int
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMemoryBus(buffer int, logger *slog.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{buffer: buffer, logger: logger.With("component", "events"), ctx: ctx, cancel: cancel}
}

var ErrClosed = errors.New("events: bus closed")

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.ctx.Err() != nil {
		return ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !strings.HasPrefix(topic, s.prefix) {
			continue
		}
		select {
		case <-s.done:
			continue
		default:
		}
		msg := message{topic: topic, payload: append([]byte(nil), payload...)}
		select {
		case s.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.logger.Warn("subscription channel full, dropping event", "topic", topic, "prefix", s.prefix)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, prefix string, h Handler) error {
	if b.ctx.Err() != nil {
		return ErrClosed
	}
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.ctx, cancel)
	s := &subscription{prefix: prefix, ch: make(chan message, b.buffer), done: merged.Done()}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer stop()
		defer cancel()
		defer b.remove(s)
		for {
			select {
			case <-merged.Done():
				return
			case msg := <-s.ch:
				if err := h(merged, msg.topic, msg.payload); err != nil {
					b.logger.Warn("event handler failed", "topic", msg.topic, "error", err)
				}
			}
		}
	}()
	return nil
}

func (b *MemoryBus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *MemoryBus) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}
