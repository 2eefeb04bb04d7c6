package emergency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vitalwatch-core/internal/models"

	"github.com/stretchr/testify/mock"
)

// manualScheduler 手动触发的调度器；已取消的计时器也可以被强制触发，用来模拟迟到的回调
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{d: d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// fire 触发第 i 个计时器（忽略是否已取消）
func (s *manualScheduler) fire(i int) {
	s.mu.Lock()
	t := s.timers[i]
	s.mu.Unlock()
	t.fn()
}

// fireLatest 触发最近注册的计时器
func (s *manualScheduler) fireLatest() {
	s.mu.Lock()
	i := len(s.timers) - 1
	s.mu.Unlock()
	s.fire(i)
}

func (s *manualScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

type fakeTrack struct {
	id    string
	kind  TrackKind
	stops int32
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }
func (t *fakeTrack) Stop() error {
	atomic.AddInt32(&t.stops, 1)
	return nil
}

// fakeAcquirer 按申请组合返回结果
type fakeAcquirer struct {
	mu        sync.Mutex
	failVideo bool
	failAudio bool
	partial   bool          // 音视频失败时仍返回已打开的音频轨道
	block     chan struct{} // 非 nil 时阻塞直到关闭
	tracks    []*fakeTrack
	seq       int
}

func (f *fakeAcquirer) newTrack(kind TrackKind) *fakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTrack{id: fmt.Sprintf("%s-%d", kind, f.seq), kind: kind}
	f.tracks = append(f.tracks, t)
	return t
}

func (f *fakeAcquirer) Acquire(ctx context.Context, c MediaConstraints) ([]MediaTrack, error) {
	if f.block != nil {
		<-f.block
	}
	if c.Video {
		if f.failVideo {
			if f.partial && !f.failAudio {
				return []MediaTrack{f.newTrack(TrackAudio)}, models.ErrResourceAcquisition
			}
			return nil, fmt.Errorf("camera busy: %w", models.ErrResourceAcquisition)
		}
	}
	if f.failAudio {
		return nil, fmt.Errorf("microphone denied: %w", models.ErrResourceAcquisition)
	}
	tracks := []MediaTrack{f.newTrack(TrackAudio)}
	if c.Video {
		tracks = append(tracks, f.newTrack(TrackVideo))
	}
	return tracks, nil
}

// allStoppedOnce 每条轨道是否恰好停止一次
func (f *fakeAcquirer) allStoppedOnce() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tracks {
		if atomic.LoadInt32(&t.stops) != 1 {
			return false
		}
	}
	return true
}

// recordingNotifier 记录收到的通知
type recordingNotifier struct {
	mu      sync.Mutex
	notices []models.IncidentNotice
}

func (n *recordingNotifier) Notify(_ context.Context, notice models.IncidentNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) kinds() []models.NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.NoticeKind, 0, len(n.notices))
	for _, notice := range n.notices {
		out = append(out, notice.Kind)
	}
	return out
}

func (n *recordingNotifier) byKind(kind models.NoticeKind) (models.IncidentNotice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, notice := range n.notices {
		if notice.Kind == kind {
			return notice, true
		}
	}
	return models.IncidentNotice{}, false
}

// mockNotifier testify mock
type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, notice models.IncidentNotice) error {
	args := m.Called(ctx, notice)
	return args.Error(0)
}

// staticSnapshots 固定快照来源
type staticSnapshots struct {
	mu       sync.Mutex
	snapshot models.SensorSnapshot
	lastReal map[models.Capability]models.SensorReading
}

func (s *staticSnapshots) Snapshot() models.SensorSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Clone()
}

func (s *staticSnapshots) LastKnownReal(c models.Capability) (models.SensorReading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lastReal[c]
	return r, ok
}

// fakeArchive 记录归档的事件
type fakeArchive struct {
	mu    sync.Mutex
	saved map[string]models.EmergencyIncident
}

func (a *fakeArchive) SaveIncident(_ context.Context, incident models.EmergencyIncident) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saved == nil {
		a.saved = map[string]models.EmergencyIncident{}
	}
	if prev, ok := a.saved[incident.ID]; ok && prev.UpdatedAt.After(incident.UpdatedAt) {
		return nil
	}
	a.saved[incident.ID] = incident
	return nil
}
