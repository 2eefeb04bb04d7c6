package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vitalwatch-core/internal/metrics"
	"vitalwatch-core/internal/models"
	"vitalwatch-core/internal/sensor"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PermissionSource 权限查询（permission.Registry 实现）
type PermissionSource interface {
	Get(capability models.Capability) models.PermissionState
}

// SubscriberFunc 快照订阅回调
// 回调按快照序号串行执行，回调内不能同步调用 Update
type SubscriberFunc func(snapshot models.SensorSnapshot)

// Config 聚合器配置
type Config struct {
	RefreshInterval time.Duration
	StaleAfter      time.Duration
	Fallback        FallbackValues
	Risk            RiskThresholds
}

// Aggregator 传感器聚合器
// 每个能力只保留采集时间最新的读数，旧读数直接丢弃
type Aggregator struct {
	cfg         Config
	permissions PermissionSource
	adapters    map[models.Capability]sensor.Adapter
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time

	mu         sync.RWMutex
	readings   map[models.Capability]models.SensorReading
	lastReal   map[models.Capability]models.SensorReading
	loudStreak int
	sequence   uint64
	current    models.SensorSnapshot

	subMu       sync.Mutex
	subscribers map[uint64]SubscriberFunc
	nextSubID   uint64

	pubMu sync.Mutex // 串行化“生成快照 + 投递”，保证投递顺序等于序号顺序

	runMu  sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建聚合器
func New(cfg Config, permissions PermissionSource, adapters []sensor.Adapter, m *metrics.Metrics, logger *zap.Logger) *Aggregator {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 2 * time.Second
	}
	if cfg.Risk.LoudAudioRepeat <= 0 {
		cfg.Risk.LoudAudioRepeat = 2
	}

	a := &Aggregator{
		cfg:         cfg,
		permissions: permissions,
		adapters:    make(map[models.Capability]sensor.Adapter, len(adapters)),
		metrics:     m,
		logger:      logger,
		now:         time.Now,
		readings:    make(map[models.Capability]models.SensorReading),
		lastReal:    make(map[models.Capability]models.SensorReading),
		subscribers: make(map[uint64]SubscriberFunc),
	}
	for _, adapter := range adapters {
		a.adapters[adapter.Capability()] = adapter
	}

	// 初始占位：“尚无数据”，但值不为空
	for _, capability := range models.AllCapabilities() {
		a.readings[capability] = models.SensorReading{
			Capability: capability,
			Value:      cfg.Fallback.valueFor(capability),
			Accuracy:   0,
			Source:     models.SourceSimulated,
			Awaiting:   true,
			Reason:     "awaiting first reading",
		}
	}
	a.current = a.buildLocked()

	return a
}

// Start 启动全部适配器与刷新周期
func (a *Aggregator) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.cancel != nil {
		a.runMu.Unlock()
		return errors.New("aggregator already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.runCtx = runCtx
	a.cancel = cancel
	a.runMu.Unlock()

	// 并行启动，适配器失败已被吸收为模拟读数，这里只记录异常
	g, gctx := errgroup.WithContext(runCtx)
	for _, adapter := range a.adapters {
		adapter := adapter
		g.Go(func() error {
			if err := adapter.Start(gctx, a.emit); err != nil {
				a.logger.Warn("Failed to start sensor adapter",
					zap.String("capability", string(adapter.Capability())),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	a.wg.Add(1)
	go a.refreshLoop(runCtx)

	a.logger.Info("Sensor aggregator started",
		zap.Int("adapters", len(a.adapters)),
		zap.Duration("refresh_interval", a.cfg.RefreshInterval),
	)
	return nil
}

// Stop 停止刷新周期与全部适配器
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()

	for _, adapter := range a.adapters {
		adapter.Stop()
	}
	a.logger.Info("Sensor aggregator stopped")
}

// RestartAdapter 重启某个能力的适配器（权限重新授予后使用）
func (a *Aggregator) RestartAdapter(ctx context.Context, capability models.Capability) error {
	adapter, ok := a.adapters[capability]
	if !ok {
		return fmt.Errorf("no adapter for capability %s: %w", capability, models.ErrCapabilityUnavailable)
	}

	a.runMu.Lock()
	runCtx := a.runCtx
	a.runMu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		runCtx = ctx
	}

	adapter.Stop()
	if err := adapter.Start(runCtx, a.emit); err != nil {
		return fmt.Errorf("failed to restart %s adapter: %w", capability, err)
	}

	a.logger.Info("Sensor adapter restarted", zap.String("capability", string(capability)))
	return nil
}

// Adapter 获取某能力的适配器
func (a *Aggregator) Adapter(capability models.Capability) (sensor.Adapter, bool) {
	adapter, ok := a.adapters[capability]
	return adapter, ok
}

// Update 接收一条读数（推送）
// 返回 false 表示读数比已存储的旧而被丢弃
func (a *Aggregator) Update(reading models.SensorReading) bool {
	if !reading.Capability.Valid() {
		a.logger.Warn("Dropping reading for unknown capability", zap.String("capability", string(reading.Capability)))
		return false
	}
	reading.Awaiting = false
	reading = a.gate(reading)

	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	a.mu.Lock()
	existing := a.readings[reading.Capability]
	if !existing.Awaiting && reading.CapturedAt.Before(existing.CapturedAt) {
		a.mu.Unlock()
		a.metrics.ReadingDropped(string(reading.Capability))
		a.logger.Debug("Dropping out-of-order reading",
			zap.String("capability", string(reading.Capability)),
			zap.Time("captured_at", reading.CapturedAt),
			zap.Time("stored_at", existing.CapturedAt),
		)
		return false
	}

	a.readings[reading.Capability] = reading
	if reading.IsReal() {
		a.lastReal[reading.Capability] = reading
		if reading.Capability == models.CapabilityAudio {
			a.trackLoudAudio(reading)
		}
	}
	snapshot := a.rebuildLocked()
	a.mu.Unlock()

	a.metrics.ReadingAccepted(string(reading.Capability), string(reading.Source))
	a.deliver(snapshot)
	return true
}

// emit 适配器回调入口
func (a *Aggregator) emit(reading models.SensorReading) {
	a.Update(reading)
}

// Revoke 权限被拒绝或能力不可用时立即替换为模拟读数
// 不参与按采集时间的比较：设备时钟超前时也必须生效
func (a *Aggregator) Revoke(capability models.Capability, reason string) {
	if !capability.Valid() {
		return
	}

	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	a.mu.Lock()
	at := a.now()
	if existing := a.readings[capability]; existing.CapturedAt.After(at) {
		at = existing.CapturedAt
	}
	reading := models.NewFallbackReading(capability, reason, at)
	reading.Value = a.cfg.Fallback.valueFor(capability)
	a.readings[capability] = reading
	snapshot := a.rebuildLocked()
	a.mu.Unlock()

	a.metrics.ReadingAccepted(string(capability), string(reading.Source))
	a.deliver(snapshot)
}

// gate 权限门控：denied/unsupported 时读数一律为模拟值；模拟读数补齐配置的默认值
func (a *Aggregator) gate(reading models.SensorReading) models.SensorReading {
	if a.permissions != nil && reading.Source == models.SourceReal {
		switch state := a.permissions.Get(reading.Capability); state {
		case models.PermissionDenied, models.PermissionUnsupported:
			at := reading.CapturedAt
			reading = models.NewFallbackReading(reading.Capability, "permission "+string(state), at)
		}
	}

	if reading.Source != models.SourceReal {
		reading.Source = models.SourceSimulated
		reading.Accuracy = 0
		if reading.Value == nil {
			reading.Value = a.cfg.Fallback.valueFor(reading.Capability)
		}
	}
	if reading.CapturedAt.IsZero() {
		reading.CapturedAt = a.now()
	}
	return reading
}

// trackLoudAudio 统计连续高声级次数（调用方持有 mu）
func (a *Aggregator) trackLoudAudio(reading models.SensorReading) {
	v, ok := reading.Value.(models.AudioValue)
	if ok && a.cfg.Risk.LoudAudioDB > 0 && v.LevelDB >= a.cfg.Risk.LoudAudioDB {
		a.loudStreak++
		return
	}
	a.loudStreak = 0
}

// Snapshot 同步读取当前快照
func (a *Aggregator) Snapshot() models.SensorSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current.Clone()
}

// LastKnownReal 该能力最后一次被接受的真实读数
func (a *Aggregator) LastKnownReal(capability models.Capability) (models.SensorReading, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.lastReal[capability]
	return r, ok
}

// Subscribe 订阅快照，返回取消订阅函数
func (a *Aggregator) Subscribe(fn SubscriberFunc) func() {
	a.subMu.Lock()
	id := a.nextSubID
	a.nextSubID++
	a.subscribers[id] = fn
	a.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.subscribers, id)
			a.subMu.Unlock()
		})
	}
}

// Refresh 重新计算派生字段并发布（即使没有新读数）
func (a *Aggregator) Refresh() models.SensorSnapshot {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	a.mu.Lock()
	snapshot := a.rebuildLocked()
	a.mu.Unlock()

	a.deliver(snapshot)
	return snapshot
}

func (a *Aggregator) refreshLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Refresh()
		}
	}
}

// rebuildLocked 生成新快照并递增序号（调用方持有 mu）
func (a *Aggregator) rebuildLocked() models.SensorSnapshot {
	a.current = a.buildLocked()
	return a.current.Clone()
}

func (a *Aggregator) buildLocked() models.SensorSnapshot {
	now := a.now()
	a.sequence++

	readings := make(map[models.Capability]models.SensorReading, len(a.readings))
	for k, v := range a.readings {
		readings[k] = v
	}

	fresh := func(r models.SensorReading) bool {
		return a.cfg.StaleAfter <= 0 || now.Sub(r.CapturedAt) <= a.cfg.StaleAfter
	}

	return models.SensorSnapshot{
		Sequence:   a.sequence,
		ComputedAt: now,
		Readings:   readings,
		Health:     assessHealth(readings, now, a.cfg.StaleAfter),
		Risk:       assessRisk(readings, a.loudStreak, a.cfg.Risk, fresh),
	}
}

// deliver 投递快照（调用方持有 pubMu）
func (a *Aggregator) deliver(snapshot models.SensorSnapshot) {
	a.subMu.Lock()
	fns := make([]SubscriberFunc, 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		fns = append(fns, fn)
	}
	a.subMu.Unlock()

	a.metrics.SnapshotPublished(snapshot.Health.Score, string(snapshot.Risk.Level))

	for _, fn := range fns {
		func() {
			// 订阅者异常不影响聚合循环
			defer func() {
				if p := recover(); p != nil {
					a.logger.Error("Snapshot subscriber panicked",
						zap.Uint64("sequence", snapshot.Sequence),
						zap.Any("panic", p),
					)
				}
			}()
			fn(snapshot.Clone())
		}()
	}
}
