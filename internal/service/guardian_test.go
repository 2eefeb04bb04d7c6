package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"vitalwatch-core/internal/cache"
	"vitalwatch-core/internal/config"
	"vitalwatch-core/internal/models"
	"vitalwatch-core/internal/notify"
	"vitalwatch-core/internal/sensor"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Sensors.RefreshInterval = time.Hour
	cfg.Sensors.ProbeInterval = time.Hour
	cfg.Sensors.SensorTimeout = time.Second
	cfg.Emergency.MediaTimeout = time.Second
	cfg.Emergency.PermissionTimeout = time.Second
	return cfg
}

type harness struct {
	guardian *Guardian
	motion   *fakeMotion
	prompter *fakePrompter
	acquirer *fakeAcquirer
	channel  *recordingChannel
	store    *memStore
}

func newHarness(t *testing.T, mutate func(cfg *config.Config, deps *Deps)) *harness {
	h := &harness{
		motion:   &fakeMotion{},
		prompter: &fakePrompter{answers: map[models.Capability]models.PermissionState{}},
		acquirer: &fakeAcquirer{},
		channel:  &recordingChannel{},
		store:    newMemStore(),
	}

	cfg := testConfig(t)
	deps := Deps{
		Platform: sensor.Platform{
			Motion:   h.motion,
			Location: &fakeLocation{fix: models.LocationValue{Latitude: 40.7128, Longitude: -74.006, AccuracyMeters: 9}},
		},
		Prompter: h.prompter,
		Acquirer: h.acquirer,
		Channels: []notify.Channel{h.channel},
		Store:    h.store,
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}

	h.guardian = NewGuardian(cfg, deps, zap.NewNop())
	require.NoError(t, h.guardian.Start(context.Background()))
	t.Cleanup(func() { _ = h.guardian.Stop() })
	return h
}

func (h *harness) state() models.EmergencyState {
	state, _ := h.guardian.EmergencyState()
	return state
}

func TestGuardian_TriggerCancelReleasesMedia(t *testing.T) {
	h := newHarness(t, nil)

	id, state, err := h.guardian.TriggerEmergency(models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.StateTriggered, state)

	require.Eventually(t, func() bool { return h.state() == models.StateRecording }, time.Second, 5*time.Millisecond)

	incident, err := h.guardian.GetIncident(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingAudioOnly, incident.Recording.Mode)
	assert.NotNil(t, incident.Recording.AudioHandle)
	assert.Nil(t, incident.Recording.VideoHandle)

	state, err = h.guardian.CancelEmergency(id)
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, state)

	h.guardian.Wait()
	assert.ElementsMatch(t, []models.NoticeKind{models.NoticeTriggered, models.NoticeCancelled}, h.channel.kinds())

	h.acquirer.mu.Lock()
	for _, track := range h.acquirer.tracks {
		assert.Equal(t, 1, track.stopped)
	}
	h.acquirer.mu.Unlock()

	require.NoError(t, h.guardian.Stop())
}

func TestGuardian_TriggerIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	first, _, err := h.guardian.TriggerEmergency(models.TriggerManual)
	require.NoError(t, err)

	second, _, err := h.guardian.TriggerEmergency(models.TriggerManual)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, first, second)

	incidents, err := h.guardian.ListIncidents(context.Background())
	require.NoError(t, err)
	assert.Len(t, incidents, 1)
}

func TestGuardian_LocationDeniedMotionGranted(t *testing.T) {
	h := newHarness(t, nil)
	h.prompter.answer(models.CapabilityLocation, models.PermissionDenied)

	ctx := context.Background()
	assert.Equal(t, models.PermissionGranted, h.guardian.RequestPermission(ctx, models.CapabilityMotion))
	assert.Equal(t, models.PermissionDenied, h.guardian.RequestPermission(ctx, models.CapabilityLocation))

	// 授权会重启适配器，持续推送直到新订阅收到读数
	require.Eventually(t, func() bool {
		h.motion.push(models.MotionValue{X: 0.1, Y: 0.2, Z: 9.7})
		s := h.guardian.GetSnapshot()
		return s.DataState(models.CapabilityMotion) == models.DataStateReal &&
			s.DataState(models.CapabilityLocation) == models.DataStateSimulated
	}, time.Second, 5*time.Millisecond)

	id, _, err := h.guardian.TriggerEmergency(models.TriggerManual)
	require.NoError(t, err)

	incident, err := h.guardian.GetIncident(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.DataStateSimulated, incident.SnapshotAtTrigger.DataState(models.CapabilityLocation))
	assert.Equal(t, models.DataStateReal, incident.SnapshotAtTrigger.DataState(models.CapabilityMotion))
}

func TestGuardian_AutoRiskWhenArmed(t *testing.T) {
	h := newHarness(t, nil)

	state, err := h.guardian.Arm()
	require.NoError(t, err)
	assert.Equal(t, models.StateArmed, state)

	require.Eventually(t, h.motion.active, time.Second, 5*time.Millisecond)
	h.motion.push(models.MotionValue{X: 30, Y: 12, Z: 9.8})

	require.Eventually(t, func() bool { return h.state().Active() }, time.Second, 5*time.Millisecond)

	_, id := h.guardian.EmergencyState()
	incident, err := h.guardian.GetIncident(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerAutoRisk, incident.TriggerReason)
	assert.Equal(t, models.RiskHigh, incident.SnapshotAtTrigger.Risk.Level)
}

func TestGuardian_NoAutoRiskWhenIdle(t *testing.T) {
	h := newHarness(t, nil)

	require.Eventually(t, h.motion.active, time.Second, 5*time.Millisecond)
	h.motion.push(models.MotionValue{X: 30, Y: 12, Z: 9.8})

	require.Eventually(t, func() bool {
		return h.guardian.GetSnapshot().Risk.Level == models.RiskHigh
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StateIdle, h.state())
}

func TestGuardian_IncidentsFallBackToStore(t *testing.T) {
	archived := models.EmergencyIncident{
		ID:            "archived-1",
		TriggeredAt:   time.Now().Add(-24 * time.Hour),
		TriggerReason: models.TriggerManual,
		State:         models.StateResolved,
		Outcome:       models.OutcomeResolved,
		Recording:     models.RecordingHandles{Mode: models.RecordingNone},
		UpdatedAt:     time.Now().Add(-23 * time.Hour),
	}
	h := newHarness(t, nil)
	require.NoError(t, h.store.SaveIncident(context.Background(), archived))

	got, err := h.guardian.GetIncident(context.Background(), "archived-1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeResolved, got.Outcome)

	_, err = h.guardian.GetIncident(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrIncidentNotFound)

	id, _, err := h.guardian.TriggerEmergency(models.TriggerManual)
	require.NoError(t, err)
	h.guardian.Wait()

	incidents, err := h.guardian.ListIncidents(context.Background())
	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, id, incidents[0].ID)
	assert.Equal(t, "archived-1", incidents[1].ID)
}

func TestGuardian_ExportIncidents(t *testing.T) {
	h := newHarness(t, nil)

	id, _, err := h.guardian.TriggerEmergency(models.TriggerManual)
	require.NoError(t, err)

	data, err := h.guardian.ExportIncidents(context.Background())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	cell, err := f.GetCellValue("Incidents", "A2")
	require.NoError(t, err)
	assert.Equal(t, id, cell)
}

func TestGuardian_SnapshotCachedInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	var key string
	h := newHarness(t, func(cfg *config.Config, deps *Deps) {
		deps.KV = cache.NewRedisKVStore(client)
		key = cfg.Cache.SnapshotKey
	})

	require.Eventually(t, h.motion.active, time.Second, 5*time.Millisecond)
	h.motion.push(models.MotionValue{Z: 9.8})

	require.Eventually(t, func() bool { return mr.Exists(key) }, time.Second, 5*time.Millisecond)
}

func TestGuardian_PermissionDeniedSwitchesToSimulated(t *testing.T) {
	h := newHarness(t, nil)

	require.Eventually(t, h.motion.active, time.Second, 5*time.Millisecond)
	h.motion.push(models.MotionValue{Z: 9.8})
	require.Eventually(t, func() bool {
		return h.guardian.GetSnapshot().DataState(models.CapabilityMotion) == models.DataStateReal
	}, time.Second, 5*time.Millisecond)

	h.prompter.answer(models.CapabilityMotion, models.PermissionDenied)
	assert.Equal(t, models.PermissionDenied, h.guardian.RequestPermission(context.Background(), models.CapabilityMotion))

	assert.Equal(t, models.DataStateSimulated, h.guardian.GetSnapshot().DataState(models.CapabilityMotion))

	h.motion.push(models.MotionValue{Z: 9.8})
	assert.Equal(t, models.DataStateSimulated, h.guardian.GetSnapshot().DataState(models.CapabilityMotion))
}

func TestGuardian_DenialWinsOverDeviceClockAhead(t *testing.T) {
	h := newHarness(t, nil)

	// 设备时钟比服务器快 2s
	ahead := time.Now().Add(2 * time.Second)
	require.Eventually(t, h.motion.active, time.Second, 5*time.Millisecond)
	h.motion.pushAt(models.MotionValue{Z: 9.8}, ahead)
	require.Eventually(t, func() bool {
		return h.guardian.GetSnapshot().DataState(models.CapabilityMotion) == models.DataStateReal
	}, time.Second, 5*time.Millisecond)

	h.prompter.answer(models.CapabilityMotion, models.PermissionDenied)
	require.Equal(t, models.PermissionDenied, h.guardian.RequestPermission(context.Background(), models.CapabilityMotion))

	reading := h.guardian.GetSnapshot().Readings[models.CapabilityMotion]
	assert.Equal(t, models.SourceSimulated, reading.Source)
	assert.False(t, reading.CapturedAt.Before(ahead))

	id, _, err := h.guardian.TriggerEmergency(models.TriggerManual)
	require.NoError(t, err)
	incident, err := h.guardian.GetIncident(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.DataStateSimulated, incident.SnapshotAtTrigger.DataState(models.CapabilityMotion))
}

func TestGuardian_StartTwice(t *testing.T) {
	h := newHarness(t, nil)
	assert.Error(t, h.guardian.Start(context.Background()))
}
