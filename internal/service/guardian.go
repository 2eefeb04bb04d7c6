package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"vitalwatch-core/internal/aggregator"
	"vitalwatch-core/internal/cache"
	"vitalwatch-core/internal/config"
	"vitalwatch-core/internal/emergency"
	"vitalwatch-core/internal/export"
	"vitalwatch-core/internal/metrics"
	"vitalwatch-core/internal/models"
	"vitalwatch-core/internal/notify"
	"vitalwatch-core/internal/permission"
	"vitalwatch-core/internal/sensor"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// IncidentStore 事件持久化（repository.IncidentRepository 实现）
type IncidentStore interface {
	SaveIncident(ctx context.Context, incident models.EmergencyIncident) error
	GetIncident(ctx context.Context, incidentID string) (models.EmergencyIncident, error)
	ListIncidents(ctx context.Context, limit int) ([]models.EmergencyIncident, error)
}

// Deps 平台能力与可选基础设施（nil 表示不启用）
type Deps struct {
	Platform  sensor.Platform
	Prompter  permission.Prompter
	Acquirer  emergency.MediaAcquirer
	Channels  []notify.Channel
	KV        cache.KVStore
	Store     IncidentStore
	Metrics   *metrics.Metrics
	Scheduler emergency.Scheduler
}

// Guardian 传感器融合与紧急响应核心服务
// 单个实例持有注册表、聚合器、状态机，不使用全局单例
type Guardian struct {
	cfg    *config.Config
	logger *zap.Logger

	metrics    *metrics.Metrics
	registry   *permission.Registry
	aggregator *aggregator.Aggregator
	recorder   *emergency.RecordingManager
	machine    *emergency.Machine
	dispatcher *notify.Dispatcher
	snapshots  *cache.SnapshotCache
	store      IncidentStore

	unsubscribers []func()

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewGuardian 创建服务并连接各组件
func NewGuardian(cfg *config.Config, deps Deps, logger *zap.Logger) *Guardian {
	g := &Guardian{
		cfg:     cfg,
		logger:  logger,
		metrics: deps.Metrics,
		store:   deps.Store,
	}

	g.registry = permission.NewRegistry(deps.Prompter, cfg.Emergency.PermissionTimeout, logger.Named("permission"))

	adapters := sensor.NewAdapters(deps.Platform, sensor.Options{
		Timeout:  cfg.Sensors.SensorTimeout,
		Interval: cfg.Sensors.ProbeInterval,
	}, logger.Named("sensor"))

	g.aggregator = aggregator.New(aggregator.Config{
		RefreshInterval: cfg.Sensors.RefreshInterval,
		StaleAfter:      cfg.Sensors.StaleAfter,
		Fallback: aggregator.FallbackValues{
			BatteryLevel:     cfg.Fallback.BatteryLevel,
			BatteryCharging:  cfg.Fallback.BatteryCharging,
			Latitude:         cfg.Fallback.Latitude,
			Longitude:        cfg.Fallback.Longitude,
			LocationAccuracy: cfg.Fallback.LocationAccuracy,
			Illuminance:      cfg.Fallback.Illuminance,
			AudioLevelDB:     cfg.Fallback.AudioLevelDB,
		},
		Risk: aggregator.RiskThresholds{
			ImpactMagnitude: cfg.Risk.ImpactMagnitude,
			LoudAudioDB:     cfg.Risk.LoudAudioDB,
			LowBatteryLevel: cfg.Risk.LowBatteryLevel,
		},
	}, g.registry, adapters, deps.Metrics, logger.Named("aggregator"))

	g.dispatcher = notify.NewDispatcher(logger.Named("notify"), deps.Metrics, deps.Channels...)
	g.recorder = emergency.NewRecordingManager(deps.Acquirer, cfg.Emergency.MediaTimeout, deps.Metrics, logger.Named("recording"))

	opts := []emergency.Option{
		emergency.WithMetrics(deps.Metrics),
		emergency.WithPrompt(g.promptStillOK),
	}
	if deps.Store != nil {
		opts = append(opts, emergency.WithArchive(deps.Store))
	}
	if deps.Scheduler != nil {
		opts = append(opts, emergency.WithScheduler(deps.Scheduler))
	}
	g.machine = emergency.NewMachine(emergency.Config{
		ExpiryAfter:  cfg.Emergency.ExpiryAfter,
		ConfirmGrace: cfg.Emergency.ConfirmGrace,
		AutoTrigger:  cfg.Risk.AutoTrigger,
	}, g.aggregator, g.recorder, g.dispatcher, logger.Named("emergency"), opts...)

	if deps.KV != nil {
		g.snapshots = cache.NewSnapshotCache(deps.KV, cfg.Cache.SnapshotKey, cfg.Cache.SnapshotTTL, logger.Named("cache"))
	}

	// 订阅在启动前完成，首个快照也能被状态机与缓存看到
	g.unsubscribers = append(g.unsubscribers, g.aggregator.Subscribe(g.machine.HandleSnapshot))
	if g.snapshots != nil {
		g.unsubscribers = append(g.unsubscribers, g.aggregator.Subscribe(g.snapshots.Offer))
	}
	g.unsubscribers = append(g.unsubscribers, g.registry.Watch(g.onPermissionChanged))

	return g
}

// Start 启动聚合器与后台任务
func (g *Guardian) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return errors.New("guardian already started")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.running = true
	runCtx := g.ctx
	g.mu.Unlock()

	if g.snapshots != nil {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.snapshots.Run(runCtx)
		}()
	}

	if err := g.aggregator.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start aggregator: %w", err)
	}

	g.logger.Info("Guardian started",
		zap.Int("notify_channels", len(g.dispatcher.Channels())),
		zap.Bool("snapshot_cache", g.snapshots != nil),
		zap.Bool("incident_store", g.store != nil),
	)
	return nil
}

// Stop 停止采集、释放媒体并等待后台任务
func (g *Guardian) Stop() error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	cancel := g.cancel
	g.mu.Unlock()

	for _, unsubscribe := range g.unsubscribers {
		unsubscribe()
	}

	g.aggregator.Stop()
	g.machine.Close()
	cancel()
	g.wg.Wait()

	var err error
	acquired, released := g.recorder.Counts()
	if acquired != released {
		err = multierr.Append(err, fmt.Errorf("media tracks leaked: acquired %d, released %d", acquired, released))
	}

	g.logger.Info("Guardian stopped",
		zap.Int64("tracks_acquired", acquired),
		zap.Int64("tracks_released", released),
	)
	return err
}

// onPermissionChanged 重新授权后重启适配器，拒绝后立即切换为模拟值
func (g *Guardian) onPermissionChanged(capability models.Capability, previous, current models.PermissionState) {
	g.metrics.PermissionChanged(string(capability), string(current))
	g.logger.Info("Permission changed",
		zap.String("capability", string(capability)),
		zap.String("from", string(previous)),
		zap.String("to", string(current)),
	)

	switch current {
	case models.PermissionGranted:
		g.mu.Lock()
		if !g.running {
			g.mu.Unlock()
			return
		}
		ctx := g.ctx
		g.wg.Add(1)
		g.mu.Unlock()

		go func() {
			defer g.wg.Done()
			if err := g.aggregator.RestartAdapter(ctx, capability); err != nil {
				g.logger.Warn("Failed to restart adapter after grant",
					zap.String("capability", string(capability)),
					zap.Error(err),
				)
			}
		}()
	case models.PermissionDenied, models.PermissionUnsupported:
		g.aggregator.Revoke(capability, "permission "+string(current))
	}
}

// promptStillOK 自动过期前的续期提示
func (g *Guardian) promptStillOK(incident models.EmergencyIncident) {
	g.logger.Warn("Emergency about to expire, awaiting confirmation",
		zap.String("incident_id", incident.ID),
		zap.Duration("grace", g.cfg.Emergency.ConfirmGrace),
	)
}

// GetSnapshot 当前快照
func (g *Guardian) GetSnapshot() models.SensorSnapshot {
	return g.aggregator.Snapshot()
}

// Subscribe 订阅快照
func (g *Guardian) Subscribe(fn aggregator.SubscriberFunc) func() {
	return g.aggregator.Subscribe(fn)
}

// Permissions 全部能力的权限状态
func (g *Guardian) Permissions() []models.CapabilityPermission {
	return g.registry.All()
}

// RequestPermission 显式申请权限
func (g *Guardian) RequestPermission(ctx context.Context, capability models.Capability) models.PermissionState {
	return g.registry.Request(ctx, capability)
}

// EmergencyState 当前紧急状态及进行中的事件
func (g *Guardian) EmergencyState() (models.EmergencyState, string) {
	return g.machine.State(), g.machine.ActiveIncidentID()
}

// TriggerEmergency 触发紧急事件
func (g *Guardian) TriggerEmergency(reason models.TriggerReason) (string, models.EmergencyState, error) {
	return g.machine.Trigger(reason)
}

// CancelEmergency 取消紧急事件
func (g *Guardian) CancelEmergency(id string) (models.EmergencyState, error) {
	return g.machine.Cancel(id)
}

// ResolveEmergency 结束紧急事件
func (g *Guardian) ResolveEmergency(id string) (models.EmergencyState, error) {
	return g.machine.Resolve(id)
}

// ConfirmEmergency 确认仍需帮助（停止自动过期）
func (g *Guardian) ConfirmEmergency(id string) (models.EmergencyState, error) {
	return g.machine.Confirm(id)
}

// Arm 进入监测状态
func (g *Guardian) Arm() (models.EmergencyState, error) {
	return g.machine.Arm()
}

// Disarm 退出监测状态
func (g *Guardian) Disarm() (models.EmergencyState, error) {
	return g.machine.Disarm()
}

// Reset resolved 回到 idle
func (g *Guardian) Reset() (models.EmergencyState, error) {
	return g.machine.Reset()
}

// GetIncident 先查内存，再查归档
func (g *Guardian) GetIncident(ctx context.Context, id string) (models.EmergencyIncident, error) {
	incident, err := g.machine.GetIncident(id)
	if err == nil || g.store == nil || !errors.Is(err, models.ErrIncidentNotFound) {
		return incident, err
	}
	return g.store.GetIncident(ctx, id)
}

// ListIncidents 合并内存与归档中的事件（最新在前，内存中的版本优先）
func (g *Guardian) ListIncidents(ctx context.Context) ([]models.EmergencyIncident, error) {
	incidents := g.machine.ListIncidents()
	if g.store == nil {
		return incidents, nil
	}

	archived, err := g.store.ListIncidents(ctx, 0)
	if err != nil {
		// 归档不可用时仍返回内存中的事件
		g.logger.Warn("Failed to list archived incidents", zap.Error(err))
		return incidents, nil
	}

	seen := make(map[string]bool, len(incidents))
	for _, incident := range incidents {
		seen[incident.ID] = true
	}
	for _, incident := range archived {
		if !seen[incident.ID] {
			incidents = append(incidents, incident)
		}
	}
	sort.Slice(incidents, func(i, j int) bool {
		return incidents[i].TriggeredAt.After(incidents[j].TriggeredAt)
	})
	return incidents, nil
}

// ExportIncidents 导出事件表格
func (g *Guardian) ExportIncidents(ctx context.Context) ([]byte, error) {
	incidents, err := g.ListIncidents(ctx)
	if err != nil {
		return nil, err
	}
	data, err := export.GenerateIncidentExport(incidents)
	if err != nil {
		return nil, fmt.Errorf("failed to export incidents: %w", err)
	}
	return data, nil
}

// Wait 等待状态机后台任务（测试使用）
func (g *Guardian) Wait() {
	g.machine.Wait()
}
