package aggregator

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"vitalwatch-core/internal/models"
	"vitalwatch-core/internal/sensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePermissions struct {
	mu     sync.Mutex
	states map[models.Capability]models.PermissionState
}

func newFakePermissions() *fakePermissions {
	return &fakePermissions{states: map[models.Capability]models.PermissionState{}}
}

func (f *fakePermissions) Get(c models.Capability) models.PermissionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[c]; ok {
		return s
	}
	return models.PermissionGranted
}

func (f *fakePermissions) set(c models.Capability, s models.PermissionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[c] = s
}

// fakeAdapter 记录启动/停止次数
type fakeAdapter struct {
	capability models.Capability
	mu         sync.Mutex
	emit       sensor.EmitFunc
	starts     int
	stops      int
}

func (f *fakeAdapter) Capability() models.Capability { return f.capability }
func (f *fakeAdapter) Liveness() sensor.Liveness     { return sensor.LivenessPush }
func (f *fakeAdapter) Status() sensor.Status         { return sensor.StatusActive }
func (f *fakeAdapter) LastReading() (models.SensorReading, bool) {
	return models.SensorReading{}, false
}

func (f *fakeAdapter) Start(_ context.Context, emit sensor.EmitFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit = emit
	f.starts++
	return nil
}

func (f *fakeAdapter) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func testConfig() Config {
	return Config{
		RefreshInterval: time.Hour,
		StaleAfter:      30 * time.Second,
		Fallback:        FallbackValues{BatteryLevel: 75, Latitude: 1.5, Longitude: 2.5, LocationAccuracy: 10000, Illuminance: 300},
		Risk:            RiskThresholds{ImpactMagnitude: 25, LoudAudioDB: 85, LowBatteryLevel: 10},
	}
}

func newTestAggregator(perms PermissionSource, adapters ...sensor.Adapter) *Aggregator {
	return New(testConfig(), perms, adapters, nil, zap.NewNop())
}

func TestNew_AwaitingPlaceholders(t *testing.T) {
	a := newTestAggregator(newFakePermissions())
	snap := a.Snapshot()

	require.Len(t, snap.Readings, len(models.AllCapabilities()))
	for _, c := range models.AllCapabilities() {
		r := snap.Readings[c]
		assert.True(t, r.Awaiting, c)
		assert.NotNil(t, r.Value, c)
		assert.Equal(t, models.DataStateNoData, snap.DataState(c))
	}
	assert.Equal(t, len(models.AllCapabilities()), snap.Health.Awaiting)
	assert.Equal(t, 0, snap.Health.Score)
}

func TestUpdate_RealReadingPublished(t *testing.T) {
	a := newTestAggregator(newFakePermissions())

	var got []models.SensorSnapshot
	a.Subscribe(func(s models.SensorSnapshot) { got = append(got, s) })

	now := time.Now()
	require.True(t, a.Update(models.NewRealReading(models.MotionValue{Z: 9.8}, 90, now)))

	require.Len(t, got, 1)
	assert.Equal(t, models.DataStateReal, got[0].DataState(models.CapabilityMotion))
	assert.Equal(t, models.DataStateReal, a.Snapshot().DataState(models.CapabilityMotion))
	assert.Equal(t, 1, got[0].Health.Real)
}

func TestUpdate_OlderReadingDropped(t *testing.T) {
	a := newTestAggregator(newFakePermissions())
	now := time.Now()

	require.True(t, a.Update(models.NewRealReading(models.LightValue{Illuminance: 100}, 85, now)))
	assert.False(t, a.Update(models.NewRealReading(models.LightValue{Illuminance: 5}, 85, now.Add(-time.Second))))
	// 相同时间戳接受
	assert.True(t, a.Update(models.NewRealReading(models.LightValue{Illuminance: 200}, 85, now)))

	v := a.Snapshot().Readings[models.CapabilityAmbientLight].Value.(models.LightValue)
	assert.Equal(t, 200.0, v.Illuminance)
}

func TestUpdate_DeniedPermissionForcesSimulated(t *testing.T) {
	perms := newFakePermissions()
	perms.set(models.CapabilityLocation, models.PermissionDenied)
	a := newTestAggregator(perms)

	a.Update(models.NewRealReading(models.LocationValue{Latitude: 31, Longitude: 121, AccuracyMeters: 5}, 95, time.Now()))

	r := a.Snapshot().Readings[models.CapabilityLocation]
	assert.Equal(t, models.SourceSimulated, r.Source)
	assert.Equal(t, 0, r.Accuracy)
	loc := r.Value.(models.LocationValue)
	assert.Equal(t, 1.5, loc.Latitude)
	_, ok := a.LastKnownReal(models.CapabilityLocation)
	assert.False(t, ok)

	// 重新授权后恢复真实数据
	perms.set(models.CapabilityLocation, models.PermissionGranted)
	a.Update(models.NewRealReading(models.LocationValue{Latitude: 31, Longitude: 121, AccuracyMeters: 5}, 95, time.Now()))
	assert.Equal(t, models.SourceReal, a.Snapshot().Readings[models.CapabilityLocation].Source)
}

func TestRevoke_ReplacesReadingFromFutureClock(t *testing.T) {
	perms := newFakePermissions()
	a := newTestAggregator(perms)

	var got []models.SensorSnapshot
	a.Subscribe(func(s models.SensorSnapshot) { got = append(got, s) })

	ahead := time.Now().Add(5 * time.Second)
	require.True(t, a.Update(models.NewRealReading(models.MotionValue{Z: 9.8}, 90, ahead)))

	perms.set(models.CapabilityMotion, models.PermissionDenied)
	a.Revoke(models.CapabilityMotion, "permission denied")

	r := a.Snapshot().Readings[models.CapabilityMotion]
	assert.Equal(t, models.SourceSimulated, r.Source)
	assert.Equal(t, 0, r.Accuracy)
	assert.NotNil(t, r.Value)
	assert.Equal(t, "permission denied", r.Reason)
	assert.False(t, r.CapturedAt.Before(ahead))
	require.Len(t, got, 2)
	assert.Equal(t, models.DataStateSimulated, got[1].DataState(models.CapabilityMotion))

	// 之后的真实读数仍被门控为模拟值
	a.Update(models.NewRealReading(models.MotionValue{Z: 9.8}, 90, ahead.Add(time.Second)))
	assert.Equal(t, models.SourceSimulated, a.Snapshot().Readings[models.CapabilityMotion].Source)
}

func TestUpdate_FallbackValueFromConfig(t *testing.T) {
	a := newTestAggregator(newFakePermissions())

	a.Update(models.NewFallbackReading(models.CapabilityBattery, "unsupported", time.Now()))

	snap := a.Snapshot()
	r := snap.Readings[models.CapabilityBattery]
	assert.Equal(t, models.DataStateSimulated, snap.DataState(models.CapabilityBattery))
	assert.Equal(t, 75, r.Value.(models.BatteryValue).Level)
	assert.Equal(t, "unsupported", r.Reason)
}

func TestUpdate_UnknownCapability(t *testing.T) {
	a := newTestAggregator(newFakePermissions())
	assert.False(t, a.Update(models.SensorReading{Capability: "gyro", Source: models.SourceReal}))
}

func TestLocationDeniedMotionGranted(t *testing.T) {
	perms := newFakePermissions()
	perms.set(models.CapabilityLocation, models.PermissionDenied)
	a := newTestAggregator(perms)

	now := time.Now()
	a.Update(models.NewRealReading(models.MotionValue{X: 0.1, Z: 9.8}, 90, now))
	a.Update(models.NewFallbackReading(models.CapabilityLocation, "permission denied", now))

	snap := a.Snapshot()
	assert.Equal(t, models.SourceReal, snap.Readings[models.CapabilityMotion].Source)
	assert.Equal(t, models.SourceSimulated, snap.Readings[models.CapabilityLocation].Source)
}

func TestRefresh_RepublishesWithoutData(t *testing.T) {
	a := newTestAggregator(newFakePermissions())

	var sequences []uint64
	a.Subscribe(func(s models.SensorSnapshot) { sequences = append(sequences, s.Sequence) })

	a.Refresh()
	a.Refresh()
	require.Len(t, sequences, 2)
	assert.Greater(t, sequences[1], sequences[0])
}

func TestRefresh_MarksStaleReadings(t *testing.T) {
	a := newTestAggregator(newFakePermissions())
	base := time.Now()
	a.now = func() time.Time { return base }

	a.Update(models.NewRealReading(models.BatteryValue{Level: 50}, 100, base))
	assert.Equal(t, 0, a.Snapshot().Health.Stale)

	a.now = func() time.Time { return base.Add(time.Minute) }
	snap := a.Refresh()
	assert.Equal(t, 1, snap.Health.Stale)
	assert.Equal(t, []models.Capability{models.CapabilityBattery}, snap.Health.StaleCapabilities)
}

func TestRisk_ImpactAndLowBattery(t *testing.T) {
	a := newTestAggregator(newFakePermissions())
	now := time.Now()

	a.Update(models.NewRealReading(models.BatteryValue{Level: 5}, 100, now))
	snap := a.Snapshot()
	assert.Equal(t, models.RiskElevated, snap.Risk.Level)

	a.Update(models.NewRealReading(models.MotionValue{X: 20, Y: 20, Z: 9.8}, 90, now))
	snap = a.Snapshot()
	assert.Equal(t, models.RiskHigh, snap.Risk.Level)
	assert.Len(t, snap.Risk.Reasons, 2)
}

func TestRisk_SimulatedReadingsIgnored(t *testing.T) {
	perms := newFakePermissions()
	perms.set(models.CapabilityMotion, models.PermissionDenied)
	a := newTestAggregator(perms)

	a.Update(models.NewRealReading(models.MotionValue{X: 50}, 90, time.Now()))
	assert.Equal(t, models.RiskNone, a.Snapshot().Risk.Level)
}

func TestRisk_LoudAudioMustBeSustained(t *testing.T) {
	a := newTestAggregator(newFakePermissions())
	now := time.Now()

	a.Update(models.NewRealReading(models.AudioValue{MicrophonePresent: true, LevelDB: 95}, 80, now))
	assert.Equal(t, models.RiskNone, a.Snapshot().Risk.Level)

	a.Update(models.NewRealReading(models.AudioValue{MicrophonePresent: true, LevelDB: 96}, 80, now.Add(time.Second)))
	assert.Equal(t, models.RiskHigh, a.Snapshot().Risk.Level)

	a.Update(models.NewRealReading(models.AudioValue{MicrophonePresent: true, LevelDB: 40}, 80, now.Add(2*time.Second)))
	assert.Equal(t, models.RiskNone, a.Snapshot().Risk.Level)
}

func TestSubscribers_ObserveMonotonicReadings(t *testing.T) {
	a := newTestAggregator(newFakePermissions())

	var mu sync.Mutex
	lastSeq := uint64(0)
	lastSeen := map[models.Capability]time.Time{}
	violations := 0
	a.Subscribe(func(s models.SensorSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.Sequence <= lastSeq {
			violations++
		}
		lastSeq = s.Sequence
		for c, r := range s.Readings {
			if r.CapturedAt.Before(lastSeen[c]) {
				violations++
			}
			lastSeen[c] = r.CapturedAt
		}
	})

	base := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				at := base.Add(time.Duration(rnd.Intn(1000)) * time.Millisecond)
				a.Update(models.NewRealReading(models.MotionValue{X: float64(i)}, 90, at))
				a.Update(models.NewRealReading(models.LightValue{Illuminance: float64(i)}, 85, at))
			}
		}(int64(w))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, violations)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	a := newTestAggregator(newFakePermissions())

	calls := 0
	unsubscribe := a.Subscribe(func(models.SensorSnapshot) { calls++ })
	a.Refresh()
	unsubscribe()
	unsubscribe()
	a.Refresh()
	assert.Equal(t, 1, calls)
}

func TestSubscriber_PanicIsContained(t *testing.T) {
	a := newTestAggregator(newFakePermissions())
	a.Subscribe(func(models.SensorSnapshot) { panic("bad subscriber") })

	calls := 0
	a.Subscribe(func(models.SensorSnapshot) { calls++ })

	assert.NotPanics(t, func() { a.Refresh() })
	assert.Equal(t, 1, calls)
}

func TestStartStopAndRestart(t *testing.T) {
	motion := &fakeAdapter{capability: models.CapabilityMotion}
	battery := &fakeAdapter{capability: models.CapabilityBattery}
	a := newTestAggregator(newFakePermissions(), motion, battery)

	require.NoError(t, a.Start(context.Background()))
	assert.Error(t, a.Start(context.Background()))
	assert.Equal(t, 1, motion.starts)
	assert.Equal(t, 1, battery.starts)

	// 适配器通过 emit 推送到聚合器
	motion.emit(models.NewRealReading(models.MotionValue{Z: 9.8}, 90, time.Now()))
	assert.Equal(t, models.SourceReal, a.Snapshot().Readings[models.CapabilityMotion].Source)

	require.NoError(t, a.RestartAdapter(context.Background(), models.CapabilityBattery))
	assert.Equal(t, 2, battery.starts)
	assert.Equal(t, 1, battery.stops)

	assert.ErrorIs(t, a.RestartAdapter(context.Background(), models.CapabilityAudio), models.ErrCapabilityUnavailable)

	a.Stop()
	a.Stop()
	assert.Equal(t, 1, motion.stops)
	assert.Equal(t, 2, battery.stops)
}

func TestRefreshLoop_Ticks(t *testing.T) {
	cfg := testConfig()
	cfg.RefreshInterval = 5 * time.Millisecond
	a := New(cfg, newFakePermissions(), nil, nil, zap.NewNop())

	var mu sync.Mutex
	calls := 0
	a.Subscribe(func(models.SensorSnapshot) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, time.Second, time.Millisecond)
}
