package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"vitalwatch-core/internal/models"

	"go.uber.org/zap"
)

// probeFunc 单次探测，返回读数值与精度
type probeFunc func(ctx context.Context) (models.ReadingValue, int, error)

// probeAdapter 探测类适配器：按 Interval 轮询，并支持按需探测
// 每次探测受 Timeout 约束，超时视为单次读取失败
type probeAdapter struct {
	base
	probe probeFunc
}

// Start 立即探测一次，之后按周期轮询
func (a *probeAdapter) Start(ctx context.Context, emit EmitFunc) error {
	gen, err := a.begin(emit)
	if err != nil {
		return err
	}
	if a.probe == nil {
		a.fail(gen, models.ErrCapabilityUnavailable)
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.onStop(gen, func() {
		cancel()
		<-done
	})

	go func() {
		defer close(done)

		ticker := time.NewTicker(a.opts.Interval)
		defer ticker.Stop()

		for {
			a.runProbe(loopCtx, gen)
			// 能力缺失或权限拒绝后停止轮询，等待重新授权后重启
			if a.Status() == StatusUnavailable {
				return
			}

			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Probe 按需探测一次（未启动时只返回结果，不输出）
func (a *probeAdapter) Probe(ctx context.Context) (models.SensorReading, error) {
	a.mu.Lock()
	gen := a.generation
	a.mu.Unlock()

	return a.runProbe(ctx, gen)
}

func (a *probeAdapter) runProbe(ctx context.Context, gen uint64) (models.SensorReading, error) {
	if a.probe == nil {
		return a.fail(gen, models.ErrCapabilityUnavailable), models.ErrCapabilityUnavailable
	}
	if ctx.Err() != nil {
		return models.SensorReading{}, ctx.Err()
	}

	value, accuracy, err := a.callWithTimeout(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// 停止过程中被取消，不输出失败读数
			return models.SensorReading{}, ctx.Err()
		}
		return a.fail(gen, err), err
	}

	reading := models.NewRealReading(value, accuracy, a.opts.Now())
	a.publish(gen, reading)
	return reading, nil
}

func (a *probeAdapter) callWithTimeout(ctx context.Context) (models.ReadingValue, int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	type result struct {
		value    models.ReadingValue
		accuracy int
		err      error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("%w: probe panicked: %v", models.ErrTransientRead, p)}
			}
		}()
		value, accuracy, err := a.probe(probeCtx)
		done <- result{value: value, accuracy: accuracy, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, 0, classify(res.err)
		}
		if res.value == nil {
			return nil, 0, fmt.Errorf("%w: probe returned no value", models.ErrTransientRead)
		}
		return res.value, res.accuracy, nil
	case <-probeCtx.Done():
		return nil, 0, fmt.Errorf("%w: probe timed out after %s", models.ErrTransientRead, a.opts.Timeout)
	}
}

// classify 未归类的平台错误视为单次读取失败
func classify(err error) error {
	if errors.Is(err, models.ErrCapabilityUnavailable) ||
		errors.Is(err, models.ErrPermissionDenied) ||
		errors.Is(err, models.ErrTransientRead) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrTransientRead, err)
}

// LightAdapter 环境光适配器
type LightAdapter struct {
	probeAdapter
}

// NewLightAdapter 创建环境光适配器
func NewLightAdapter(probe LightProbe, opts Options, logger *zap.Logger) *LightAdapter {
	a := &LightAdapter{}
	a.init(models.CapabilityAmbientLight, LivenessProbe, opts, logger)
	if probe != nil {
		a.probe = func(ctx context.Context) (models.ReadingValue, int, error) {
			lux, err := probe.ReadIlluminance(ctx)
			if err != nil {
				return nil, 0, err
			}
			if lux < 0 || math.IsNaN(lux) {
				return nil, 0, fmt.Errorf("%w: invalid illuminance %v", models.ErrTransientRead, lux)
			}
			return models.LightValue{Illuminance: lux}, 85, nil
		}
	}
	return a
}

// AudioAdapter 麦克风存在性适配器
type AudioAdapter struct {
	probeAdapter
}

// NewAudioAdapter 创建麦克风适配器
func NewAudioAdapter(probe AudioProbe, opts Options, logger *zap.Logger) *AudioAdapter {
	a := &AudioAdapter{}
	a.init(models.CapabilityAudio, LivenessProbe, opts, logger)
	if probe != nil {
		a.probe = func(ctx context.Context) (models.ReadingValue, int, error) {
			value, err := probe.ProbeMicrophone(ctx)
			if err != nil {
				return nil, 0, err
			}
			accuracy := 80
			if !value.MicrophonePresent {
				accuracy = 40
			}
			return value, accuracy, nil
		}
	}
	return a
}

// BatteryAdapter 电池适配器
type BatteryAdapter struct {
	probeAdapter
}

// NewBatteryAdapter 创建电池适配器
func NewBatteryAdapter(query BatteryQuery, opts Options, logger *zap.Logger) *BatteryAdapter {
	a := &BatteryAdapter{}
	a.init(models.CapabilityBattery, LivenessProbe, opts, logger)
	if query != nil {
		a.probe = func(ctx context.Context) (models.ReadingValue, int, error) {
			status, err := query.QueryBattery(ctx)
			if err != nil {
				return nil, 0, err
			}
			if status.Level < 0 || status.Level > 1 || math.IsNaN(status.Level) {
				return nil, 0, fmt.Errorf("%w: invalid battery level %v", models.ErrTransientRead, status.Level)
			}
			// 平台给出 0-1，换算为百分比
			level := int(math.Round(status.Level * 100))
			return models.BatteryValue{Level: level, Charging: status.Charging}, 100, nil
		}
	}
	return a
}

var (
	_ Prober = (*LightAdapter)(nil)
	_ Prober = (*AudioAdapter)(nil)
	_ Prober = (*BatteryAdapter)(nil)
	_ Prober = (*DiscoveryAdapter)(nil)
)
