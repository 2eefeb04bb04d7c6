package sensor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"vitalwatch-core/internal/models"
)

// collector 记录输出的读数
type collector struct {
	mu       sync.Mutex
	readings []models.SensorReading
}

func (c *collector) emit(r models.SensorReading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readings = append(c.readings, r)
}

func (c *collector) all() []models.SensorReading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.SensorReading(nil), c.readings...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readings)
}

func (c *collector) last() models.SensorReading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readings[len(c.readings)-1]
}

type fakeMotionSource struct {
	mu           sync.Mutex
	handler      func(models.MotionValue, time.Time)
	err          error
	unsubscribed int32
}

func (f *fakeMotionSource) SubscribeMotion(_ context.Context, handler func(models.MotionValue, time.Time)) (Unsubscribe, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return func() { atomic.AddInt32(&f.unsubscribed, 1) }, nil
}

func (f *fakeMotionSource) fire(v models.MotionValue, at time.Time) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(v, at)
}

type fakeLocationWatcher struct {
	mu           sync.Mutex
	onFix        func(models.LocationValue, time.Time)
	onError      func(error)
	err          error
	unsubscribed int32
}

func (f *fakeLocationWatcher) WatchPosition(_ context.Context, onFix func(models.LocationValue, time.Time), onError func(error)) (Unsubscribe, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.onFix = onFix
	f.onError = onError
	f.mu.Unlock()
	return func() { atomic.AddInt32(&f.unsubscribed, 1) }, nil
}

func (f *fakeLocationWatcher) fix(v models.LocationValue) {
	f.mu.Lock()
	h := f.onFix
	f.mu.Unlock()
	h(v, time.Now())
}

func (f *fakeLocationWatcher) fail(err error) {
	f.mu.Lock()
	h := f.onError
	f.mu.Unlock()
	h(err)
}

type fakeBattery struct {
	status BatteryStatus
	err    error
	block  bool
	panic  bool
	calls  int32
}

func (f *fakeBattery) QueryBattery(ctx context.Context) (BatteryStatus, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.panic {
		panic("battery driver crashed")
	}
	if f.block {
		<-ctx.Done()
		return BatteryStatus{}, ctx.Err()
	}
	return f.status, f.err
}

type fakeScanner struct {
	devices []DiscoveredDevice
}

func (f *fakeScanner) Scan(context.Context) ([]DiscoveredDevice, error) {
	return f.devices, nil
}
