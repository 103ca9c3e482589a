package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// Broadcaster delivers chunks to every subscriber of a channel.
type Broadcaster struct {
	registry *Registry
	dropped  atomic.Int64
}

func NewBroadcaster(r *Registry) *Broadcaster {
	return &Broadcaster{registry: r}
}

// Broadcast queues chunk on every current subscriber of ch and returns how
// many accepted it. A subscriber that cannot take the chunk is removed from
// the registry and closed; the rest still get it.
func (b *Broadcaster) Broadcast(ctx context.Context, ch Channel, chunk []byte) int {
	delivered := 0
	for _, s := range b.registry.Snapshot(ch) {
		err := s.Send(chunk)
		if err == nil {
			delivered++
			continue
		}

		if b.registry.Leave(ch, s) && errors.Is(err, ErrSlowSubscriber) {
			b.dropped.Add(1)
			slog.DebugContext(ctx, "dropping subscriber",
				"channel", ch,
				"subscriber", s.ID(),
				"error", err,
			)
		}
		s.Close(err)
	}
	return delivered
}

// Dropped is the number of subscribers removed for falling behind.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}
