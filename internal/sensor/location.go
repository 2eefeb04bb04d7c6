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

// LocationAdapter 定位适配器（持续监听）
// 超过 Timeout 没有新定位时输出一次失败读数并重新计时
type LocationAdapter struct {
	base
	watcher LocationWatcher
}

// NewLocationAdapter 创建定位适配器
func NewLocationAdapter(watcher LocationWatcher, opts Options, logger *zap.Logger) *LocationAdapter {
	a := &LocationAdapter{watcher: watcher}
	a.init(models.CapabilityLocation, LivenessWatch, opts, logger)
	return a
}

// Start 开始持续定位
func (a *LocationAdapter) Start(ctx context.Context, emit EmitFunc) error {
	gen, err := a.begin(emit)
	if err != nil {
		return err
	}
	if a.watcher == nil {
		a.fail(gen, models.ErrCapabilityUnavailable)
		return nil
	}

	// 看门狗：静默超时视为适配器失败
	var watchdogMu sync.Mutex
	var watchdog *time.Timer
	var stopped bool
	resetWatchdog := func() {
		watchdogMu.Lock()
		defer watchdogMu.Unlock()
		if stopped {
			return
		}
		if watchdog != nil {
			watchdog.Stop()
		}
		watchdog = time.AfterFunc(a.opts.Timeout, func() {
			a.fail(gen, fmt.Errorf("%w: no position fix within %s", models.ErrTransientRead, a.opts.Timeout))
			a.resetIfCurrent(gen, func() {
				watchdogMu.Lock()
				defer watchdogMu.Unlock()
				if !stopped {
					watchdog.Reset(a.opts.Timeout)
				}
			})
		})
	}
	stopWatchdog := func() {
		watchdogMu.Lock()
		defer watchdogMu.Unlock()
		stopped = true
		if watchdog != nil {
			watchdog.Stop()
		}
	}

	onFix := func(value models.LocationValue, at time.Time) {
		a.guard(gen, func() {
			resetWatchdog()
			a.publishValue(gen, value, locationAccuracyScore(value.AccuracyMeters), at)
		})
	}
	onError := func(err error) {
		a.guard(gen, func() {
			if err == nil {
				return
			}
			if !errors.Is(err, models.ErrPermissionDenied) && !errors.Is(err, models.ErrCapabilityUnavailable) {
				err = fmt.Errorf("%w: %v", models.ErrTransientRead, err)
			}
			a.fail(gen, err)
		})
	}

	unsubscribe, err := a.watcher.WatchPosition(ctx, onFix, onError)
	if err != nil {
		stopWatchdog()
		a.fail(gen, err)
		return nil
	}
	a.onStop(gen, unsubscribe)
	a.onStop(gen, stopWatchdog)
	resetWatchdog()
	return nil
}

// resetIfCurrent 仅当本次启动仍有效时执行
func (a *LocationAdapter) resetIfCurrent(gen uint64, fn func()) {
	a.mu.Lock()
	current := a.started && a.generation == gen
	a.mu.Unlock()
	if current {
		fn()
	}
}

// locationAccuracyScore 定位误差（米）换算为 0-100 精度分
func locationAccuracyScore(meters float64) int {
	switch {
	case meters <= 0:
		return 50
	case meters <= 10:
		return 95
	case meters <= 50:
		return 80
	case meters <= 100:
		return 60
	case meters <= 500:
		return 30
	default:
		return 10
	}
}

var _ Adapter = (*LocationAdapter)(nil)
