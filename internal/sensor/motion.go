package sensor

import (
	"context"
	"time"

	"vitalwatch-core/internal/models"

	"go.uber.org/zap"
)

const (
	motionAccuracy      = 90
	orientationAccuracy = 90
)

// MotionAdapter 加速度适配器（推送）
type MotionAdapter struct {
	base
	source MotionSource
}

// NewMotionAdapter 创建加速度适配器
func NewMotionAdapter(source MotionSource, opts Options, logger *zap.Logger) *MotionAdapter {
	a := &MotionAdapter{source: source}
	a.init(models.CapabilityMotion, LivenessPush, opts, logger)
	return a
}

// Start 订阅加速度事件
func (a *MotionAdapter) Start(ctx context.Context, emit EmitFunc) error {
	gen, err := a.begin(emit)
	if err != nil {
		return err
	}
	if a.source == nil {
		a.fail(gen, models.ErrCapabilityUnavailable)
		return nil
	}

	unsubscribe, err := a.source.SubscribeMotion(ctx, func(value models.MotionValue, at time.Time) {
		a.guard(gen, func() {
			a.publishValue(gen, value, motionAccuracy, at)
		})
	})
	if err != nil {
		a.fail(gen, err)
		return nil
	}
	a.onStop(gen, unsubscribe)
	return nil
}

// OrientationAdapter 朝向适配器（推送）
type OrientationAdapter struct {
	base
	source OrientationSource
}

// NewOrientationAdapter 创建朝向适配器
func NewOrientationAdapter(source OrientationSource, opts Options, logger *zap.Logger) *OrientationAdapter {
	a := &OrientationAdapter{source: source}
	a.init(models.CapabilityOrientation, LivenessPush, opts, logger)
	return a
}

// Start 订阅朝向事件
func (a *OrientationAdapter) Start(ctx context.Context, emit EmitFunc) error {
	gen, err := a.begin(emit)
	if err != nil {
		return err
	}
	if a.source == nil {
		a.fail(gen, models.ErrCapabilityUnavailable)
		return nil
	}

	unsubscribe, err := a.source.SubscribeOrientation(ctx, func(value models.OrientationValue, at time.Time) {
		a.guard(gen, func() {
			a.publishValue(gen, value, orientationAccuracy, at)
		})
	})
	if err != nil {
		a.fail(gen, err)
		return nil
	}
	a.onStop(gen, unsubscribe)
	return nil
}
