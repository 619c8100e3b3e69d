package realtime

import (
	"context"

	"github.com/khenlevy/stocksync-backend/internal/sse"
)

// Bus replicates SSE messages across process instances. A single-node deploy
// runs on the noop bus; multi-node deploys use the Redis bus so every node's
// subscribers see job and cycle events regardless of which node produced them.
type Bus interface {
	Publish(ctx context.Context, msg sse.Message) error
	StartForwarder(ctx context.Context, onMsg func(m sse.Message)) error
	Close() error
}

type noopBus struct{}

func NewNoopBus() Bus { return noopBus{} }

func (noopBus) Publish(ctx context.Context, msg sse.Message) error { return nil }
func (noopBus) StartForwarder(ctx context.Context, onMsg func(m sse.Message)) error {
	return nil
}
func (noopBus) Close() error { return nil }
