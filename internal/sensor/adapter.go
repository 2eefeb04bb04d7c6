package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vitalwatch-core/internal/models"

	"go.uber.org/zap"
)

// Liveness 平台能力的活跃模型
type Liveness string

const (
	LivenessPush  Liveness = "push"  // 事件推送：motion, orientation
	LivenessWatch Liveness = "watch" // 持续监听：location
	LivenessProbe Liveness = "probe" // 按需探测：light, audio, discovery, battery
)

// Status 适配器状态
type Status string

const (
	StatusIdle        Status = "idle"
	StatusActive      Status = "active"
	StatusUnavailable Status = "unavailable"
)

// EmitFunc 读数输出
type EmitFunc func(reading models.SensorReading)

// Adapter 单个能力的传感器适配器
type Adapter interface {
	Capability() models.Capability
	Liveness() Liveness
	// Start 开始输出读数；能力不可用时进入 unavailable 并输出模拟读数
	Start(ctx context.Context, emit EmitFunc) error
	// Stop 幂等，即使 Start 部分失败也会释放已注册的资源
	Stop()
	LastReading() (models.SensorReading, bool)
	Status() Status
}

// Prober 支持按需探测的适配器
type Prober interface {
	Adapter
	Probe(ctx context.Context) (models.SensorReading, error)
}

// ErrAlreadyStarted 重复启动
var ErrAlreadyStarted = errors.New("adapter already started")

// Options 适配器参数
type Options struct {
	Timeout  time.Duration // 探测/定位超时，默认 15s
	Interval time.Duration // 探测周期，默认 10s
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// base 所有适配器共享的生命周期管理
// generation 在每次 Start/Stop 时递增，迟到的平台回调据此丢弃
type base struct {
	capability models.Capability
	liveness   Liveness
	opts       Options
	logger     *zap.Logger

	mu         sync.Mutex
	status     Status
	started    bool
	generation uint64
	emit       EmitFunc
	disposers  []func()
	last       models.SensorReading
	hasLast    bool
}

func (b *base) init(capability models.Capability, liveness Liveness, opts Options, logger *zap.Logger) {
	b.capability = capability
	b.liveness = liveness
	b.opts = opts.withDefaults()
	b.logger = logger.With(zap.String("capability", string(capability)))
	b.status = StatusIdle
}

func (b *base) Capability() models.Capability { return b.capability }

func (b *base) Liveness() Liveness { return b.liveness }

func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) LastReading() (models.SensorReading, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// begin 标记启动，返回本次启动的 generation
func (b *base) begin(emit EmitFunc) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return 0, ErrAlreadyStarted
	}
	b.started = true
	b.generation++
	b.emit = emit
	b.status = StatusActive
	return b.generation, nil
}

// onStop 注册释放函数；若该次启动已被停止则立即执行
func (b *base) onStop(gen uint64, fn func()) {
	b.mu.Lock()
	if b.started && b.generation == gen {
		b.disposers = append(b.disposers, fn)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.runDisposer(fn)
}

// Stop 逆序执行释放函数（幂等）
func (b *base) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	b.generation++
	disposers := b.disposers
	b.disposers = nil
	b.emit = nil
	b.status = StatusIdle
	b.mu.Unlock()

	for i := len(disposers) - 1; i >= 0; i-- {
		b.runDisposer(disposers[i])
	}
}

func (b *base) runDisposer(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("Sensor disposer panicked", zap.Any("panic", p))
		}
	}()
	fn()
}

// publish 输出读数（generation 不匹配则丢弃）
func (b *base) publish(gen uint64, reading models.SensorReading) bool {
	b.mu.Lock()
	if !b.started || b.generation != gen {
		b.mu.Unlock()
		return false
	}
	b.last = reading
	b.hasLast = true
	if reading.IsReal() && b.status == StatusUnavailable {
		b.status = StatusActive
	}
	emit := b.emit
	b.mu.Unlock()

	if emit != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					b.logger.Error("Sensor emit panicked", zap.Any("panic", p))
				}
			}()
			emit(reading)
		}()
	}
	return true
}

// publishValue 输出真实读数
func (b *base) publishValue(gen uint64, value models.ReadingValue, accuracy int, at time.Time) {
	if at.IsZero() {
		at = b.opts.Now()
	}
	b.publish(gen, models.NewRealReading(value, accuracy, at))
}

// fail 把适配器错误转换为 accuracy 0 的模拟读数
// 能力缺失或权限拒绝进入 unavailable；单次失败不改变状态
func (b *base) fail(gen uint64, err error) models.SensorReading {
	reading := models.NewFallbackReading(b.capability, err.Error(), b.opts.Now())

	permanent := errors.Is(err, models.ErrCapabilityUnavailable) || errors.Is(err, models.ErrPermissionDenied)
	b.mu.Lock()
	if permanent && b.started && b.generation == gen {
		b.status = StatusUnavailable
	}
	b.mu.Unlock()

	if permanent {
		b.logger.Warn("Sensor unavailable, using simulated value", zap.Error(err))
	} else {
		b.logger.Debug("Sensor read failed", zap.Error(err))
	}

	b.publish(gen, reading)
	return reading
}

// guard 捕获平台回调中的 panic
func (b *base) guard(gen uint64, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			b.fail(gen, fmt.Errorf("%w: callback panicked: %v", models.ErrTransientRead, p))
		}
	}()
	fn()
}

// NewAdapters 按平台能力创建全部适配器
func NewAdapters(platform Platform, opts Options, logger *zap.Logger) []Adapter {
	return []Adapter{
		NewMotionAdapter(platform.Motion, opts, logger),
		NewOrientationAdapter(platform.Orientation, opts, logger),
		NewLocationAdapter(platform.Location, opts, logger),
		NewLightAdapter(platform.Light, opts, logger),
		NewAudioAdapter(platform.Audio, opts, logger),
		NewDiscoveryAdapter(platform.Discovery, opts, logger),
		NewBatteryAdapter(platform.Battery, opts, logger),
	}
}
