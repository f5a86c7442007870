package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends progress rows to Redis Streams, one stream per
// (owner, conversation) family:
//
//	convoflow:progress:<owner>:<conversationId>
//
// XADD preserves arrival order within a stream, and the channel joins owner
// writes per emit, so per-family seq order holds at the sink. Clients tail
// their own stream with XREAD.
type RedisSink struct {
	client redis.UniversalClient

	// maxLen bounds each stream with approximate trimming. Zero means
	// unbounded.
	maxLen int64
}

// NewRedisSink creates a sink over the given client. maxLen > 0 enables
// MAXLEN ~ trimming per stream.
func NewRedisSink(client redis.UniversalClient, maxLen int64) *RedisSink {
	return &RedisSink{client: client, maxLen: maxLen}
}

// StreamKey returns the stream name for an owner/conversation family.
func StreamKey(owner, conversationID string) string {
	return fmt.Sprintf("convoflow:progress:%s:%s", owner, conversationID)
}

// Write implements Sink.
func (r *RedisSink) Write(ctx context.Context, event Event) error {
	values := map[string]any{
		"invocationId": event.InvocationID,
		"seq":          event.Seq,
		"nodeId":       event.NodeID,
		"kind":         string(event.Kind),
		"timestamp":    event.Timestamp.UnixMilli(),
	}
	if event.Payload != nil {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		values["payload"] = string(payload)
	}

	args := &redis.XAddArgs{
		Stream: StreamKey(event.Owner, event.ConversationID),
		Values: values,
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append progress to stream: %w", err)
	}
	return nil
}

var _ Sink = (*RedisSink)(nil)
