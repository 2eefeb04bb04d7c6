package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"vitalwatch-core/internal/models"

	"go.uber.org/zap"
)

// SnapshotCache 把最新快照写入 KV（供外部看板读取）
// Offer 不阻塞，后台只写最新的一份
type SnapshotCache struct {
	kv     KVStore
	key    string
	ttl    time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	pending *models.SensorSnapshot
	signal  chan struct{}
}

// NewSnapshotCache 创建快照缓存
func NewSnapshotCache(kv KVStore, key string, ttl time.Duration, logger *zap.Logger) *SnapshotCache {
	return &SnapshotCache{
		kv:     kv,
		key:    key,
		ttl:    ttl,
		logger: logger,
		signal: make(chan struct{}, 1),
	}
}

// Write 同步写入快照
func (c *SnapshotCache) Write(ctx context.Context, snapshot models.SensorSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := c.kv.Set(ctx, c.key, string(data), c.ttl); err != nil {
		return fmt.Errorf("failed to write snapshot cache: %w", err)
	}
	return nil
}

// Read 读取缓存的快照
func (c *SnapshotCache) Read(ctx context.Context) (models.SensorSnapshot, error) {
	raw, err := c.kv.Get(ctx, c.key)
	if err != nil {
		return models.SensorSnapshot{}, err
	}
	var snapshot models.SensorSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return models.SensorSnapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

// Offer 提交最新快照（覆盖尚未写入的旧快照）
func (c *SnapshotCache) Offer(snapshot models.SensorSnapshot) {
	c.mu.Lock()
	if c.pending == nil || snapshot.Sequence >= c.pending.Sequence {
		c.pending = &snapshot
	}
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Run 后台写入循环，直到 ctx 取消
func (c *SnapshotCache) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.signal:
			c.flush(ctx)
		}
	}
}

func (c *SnapshotCache) flush(ctx context.Context) {
	c.mu.Lock()
	snapshot := c.pending
	c.pending = nil
	c.mu.Unlock()

	if snapshot == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.Write(writeCtx, *snapshot); err != nil && !errors.Is(err, context.Canceled) {
		// 缓存失败不影响主流程
		c.logger.Warn("Failed to update snapshot cache",
			zap.Uint64("sequence", snapshot.Sequence),
			zap.Error(err),
		)
	}
}
