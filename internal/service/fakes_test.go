package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vitalwatch-core/internal/emergency"
	"vitalwatch-core/internal/models"
	"vitalwatch-core/internal/sensor"
)

// fakePrompter 按能力返回预设结果
type fakePrompter struct {
	mu      sync.Mutex
	answers map[models.Capability]models.PermissionState
	calls   int
}

func (p *fakePrompter) Supported(models.Capability) bool { return true }

func (p *fakePrompter) answer(capability models.Capability, state models.PermissionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers[capability] = state
}

func (p *fakePrompter) Prompt(ctx context.Context, capability models.Capability) (models.PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if state, ok := p.answers[capability]; ok {
		return state, nil
	}
	return models.PermissionGranted, nil
}

// fakeMotion 手动推送加速度
type fakeMotion struct {
	mu       sync.Mutex
	handlers []func(models.MotionValue, time.Time)
}

func (f *fakeMotion) SubscribeMotion(ctx context.Context, handler func(models.MotionValue, time.Time)) (sensor.Unsubscribe, error) {
	f.mu.Lock()
	f.handlers = append(f.handlers, handler)
	idx := len(f.handlers) - 1
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handlers[idx] = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeMotion) push(v models.MotionValue) {
	f.pushAt(v, time.Now())
}

// pushAt 以设备时钟推送
func (f *fakeMotion) pushAt(v models.MotionValue, at time.Time) {
	f.mu.Lock()
	handlers := append([]func(models.MotionValue, time.Time){}, f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(v, at)
		}
	}
}

func (f *fakeMotion) active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handlers {
		if h != nil {
			return true
		}
	}
	return false
}

// fakeLocation 立即给出一次定位
type fakeLocation struct {
	fix models.LocationValue
}

func (f *fakeLocation) WatchPosition(ctx context.Context, onFix func(models.LocationValue, time.Time), onError func(error)) (sensor.Unsubscribe, error) {
	go onFix(f.fix, time.Now())
	return func() {}, nil
}

type fakeTrack struct {
	id      string
	kind    emergency.TrackKind
	mu      sync.Mutex
	stopped int
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() emergency.TrackKind { return t.kind }
func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	t.stopped++
	t.mu.Unlock()
	return nil
}

// fakeAcquirer 只允许音频
type fakeAcquirer struct {
	mu     sync.Mutex
	tracks []*fakeTrack
}

func (a *fakeAcquirer) Acquire(ctx context.Context, c emergency.MediaConstraints) ([]emergency.MediaTrack, error) {
	if c.Video {
		return nil, fmt.Errorf("camera busy: %w", models.ErrResourceAcquisition)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	t := &fakeTrack{id: fmt.Sprintf("audio-%d", len(a.tracks)), kind: emergency.TrackAudio}
	a.tracks = append(a.tracks, t)
	return []emergency.MediaTrack{t}, nil
}

// recordingChannel 记录收到的通知
type recordingChannel struct {
	mu      sync.Mutex
	notices []models.IncidentNotice
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) Send(ctx context.Context, notice models.IncidentNotice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, notice)
	return nil
}

func (c *recordingChannel) kinds() []models.NoticeKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.NoticeKind, 0, len(c.notices))
	for _, n := range c.notices {
		out = append(out, n.Kind)
	}
	return out
}

// memStore 内存事件归档
type memStore struct {
	mu        sync.Mutex
	incidents map[string]models.EmergencyIncident
}

func newMemStore() *memStore {
	return &memStore{incidents: make(map[string]models.EmergencyIncident)}
}

func (s *memStore) SaveIncident(ctx context.Context, incident models.EmergencyIncident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.incidents[incident.ID]; ok && existing.UpdatedAt.After(incident.UpdatedAt) {
		return nil
	}
	s.incidents[incident.ID] = incident
	return nil
}

func (s *memStore) GetIncident(ctx context.Context, id string) (models.EmergencyIncident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	incident, ok := s.incidents[id]
	if !ok {
		return models.EmergencyIncident{}, fmt.Errorf("incident %s: %w", id, models.ErrIncidentNotFound)
	}
	return incident, nil
}

func (s *memStore) ListIncidents(ctx context.Context, limit int) ([]models.EmergencyIncident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EmergencyIncident, 0, len(s.incidents))
	for _, incident := range s.incidents {
		out = append(out, incident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	return out, nil
}
