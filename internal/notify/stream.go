package notify

import (
	"context"
	"fmt"

	rediscommon "vitalwatch-core/internal/common/redis"
	"vitalwatch-core/internal/models"

	"github.com/go-redis/redis/v8"
)

// StreamChannel 写入 Redis Stream，供后端消费
type StreamChannel struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamChannel 创建 Redis Stream 通道
func NewStreamChannel(client *redis.Client, stream string, maxLen int64) *StreamChannel {
	return &StreamChannel{client: client, stream: stream, maxLen: maxLen}
}

func (c *StreamChannel) Name() string { return "redis_stream" }

// Send 以 JSON 写入 Stream
func (c *StreamChannel) Send(ctx context.Context, notice models.IncidentNotice) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, c.client, c.stream, notice, c.maxLen); err != nil {
		return fmt.Errorf("failed to publish notice to stream %s: %w", c.stream, err)
	}
	return nil
}
