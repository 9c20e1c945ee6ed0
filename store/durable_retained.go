package store

import (
	"context"

	"github.com/ironvale/iotcore/types/message"
)

// HydrateRetained replays every message persisted in backing back into
// retained's in-memory trie. Call once at startup, before Serve, so a
// restarted broker answers new subscriptions with the same retained set it
// had before going down. backing is typically a *PebbleStore[*message.Message]
// or *RedisStore[*message.Message].
func HydrateRetained(ctx context.Context, retained *RetainedStore, backing Store[*message.Message]) error {
	topics, err := backing.List(ctx)
	if err != nil {
		return err
	}
	for _, topicName := range topics {
		msg, err := backing.Load(ctx, topicName)
		if err != nil {
			continue
		}
		if err := retained.Set(ctx, topicName, msg); err != nil {
			return err
		}
	}
	return nil
}
