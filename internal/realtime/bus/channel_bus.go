package bus

import (
	"context"
	"sync"

	"github.com/pagesmith/pagesmith-backend/internal/realtime"
)

// ChannelBus delivers events to a single in-process consumer. Publish
// blocks when the buffer is full, so backpressure reaches the producer
// instead of dropping events.
type ChannelBus struct {
	ch   chan realtime.ProgressEvent
	once sync.Once
}

func NewChannelBus(buffer int) *ChannelBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelBus{ch: make(chan realtime.ProgressEvent, buffer)}
}

func (b *ChannelBus) Events() <-chan realtime.ProgressEvent { return b.ch }

func (b *ChannelBus) Publish(ctx context.Context, ev realtime.ProgressEvent) error {
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *ChannelBus) Close() error {
	b.once.Do(func() { close(b.ch) })
	return nil
}
