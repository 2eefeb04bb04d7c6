package cache

import (
	"context"
	"testing"
	"time"

	"vitalwatch-core/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSnapshot(seq uint64) models.SensorSnapshot {
	return models.SensorSnapshot{
		Sequence:   seq,
		ComputedAt: time.Now(),
		Readings: map[models.Capability]models.SensorReading{
			models.CapabilityBattery: models.NewRealReading(models.BatteryValue{Level: 64, Charging: true}, 100, time.Now()),
		},
		Health: models.HealthSummary{Score: 14, Real: 1, Awaiting: 6},
		Risk:   models.RiskAssessment{Level: models.RiskNone},
	}
}

func TestSnapshotCache_WriteRead(t *testing.T) {
	kv := newFakeKVStore()
	c := NewSnapshotCache(kv, "vitalwatch:snapshot:current", time.Minute, zap.NewNop())

	require.NoError(t, c.Write(context.Background(), testSnapshot(3)))

	got, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Sequence)
	v, ok := got.Readings[models.CapabilityBattery].Value.(models.BatteryValue)
	require.True(t, ok)
	assert.Equal(t, 64, v.Level)
}

func TestSnapshotCache_ReadMiss(t *testing.T) {
	c := NewSnapshotCache(newFakeKVStore(), "missing", time.Minute, zap.NewNop())
	_, err := c.Read(context.Background())
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestSnapshotCache_OfferKeepsLatest(t *testing.T) {
	kv := newFakeKVStore()
	c := NewSnapshotCache(kv, "k", time.Minute, zap.NewNop())

	c.Offer(testSnapshot(5))
	c.Offer(testSnapshot(4))
	c.Offer(testSnapshot(6))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		got, err := c.Read(context.Background())
		return err == nil && got.Sequence == 6
	}, time.Second, 5*time.Millisecond)
}

func TestRedisKVStore_TTLAndMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	kv := NewRedisKVStore(client)
	ctx := context.Background()

	_, err := kv.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, kv.Set(ctx, "snap", `{"sequence":1}`, 30*time.Second))
	val, err := kv.Get(ctx, "snap")
	require.NoError(t, err)
	assert.Equal(t, `{"sequence":1}`, val)
	assert.Equal(t, 30*time.Second, mr.TTL("snap"))

	mr.FastForward(31 * time.Second)
	_, err = kv.Get(ctx, "snap")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestSnapshotCache_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewSnapshotCache(NewRedisKVStore(client), "vitalwatch:snapshot:current", 30*time.Second, zap.NewNop())
	require.NoError(t, c.Write(context.Background(), testSnapshot(9)))
	assert.True(t, mr.Exists("vitalwatch:snapshot:current"))
}
