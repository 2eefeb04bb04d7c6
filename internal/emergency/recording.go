package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vitalwatch-core/internal/metrics"
	"vitalwatch-core/internal/models"

	"go.uber.org/zap"
)

// TrackKind 媒体轨道类型
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// MediaTrack 可停止的媒体轨道（平台黑盒）
type MediaTrack interface {
	ID() string
	Kind() TrackKind
	Stop() error
}

// MediaConstraints 申请的轨道组合
type MediaConstraints struct {
	Audio bool
	Video bool
}

// MediaAcquirer 媒体采集（平台黑盒）
// 失败时应返回 models.ErrResourceAcquisition（可被 %w 包装），
// 即使失败也必须返回已经打开的轨道，由调用方负责停止
type MediaAcquirer interface {
	Acquire(ctx context.Context, constraints MediaConstraints) ([]MediaTrack, error)
}

// 降级链：音视频 -> 仅音频 -> 无媒体
var degradationChain = []struct {
	mode        models.RecordingMode
	constraints MediaConstraints
}{
	{models.RecordingAudioVideo, MediaConstraints{Audio: true, Video: true}},
	{models.RecordingAudioOnly, MediaConstraints{Audio: true}},
}

// RecordingSession 一次录制持有的媒体轨道
// 由状态机独占，Release 保证每条轨道只停止一次
type RecordingSession struct {
	mode       models.RecordingMode
	tracks     []MediaTrack
	acquiredAt time.Time
	once       sync.Once
}

// Mode 录制模式
func (s *RecordingSession) Mode() models.RecordingMode {
	if s == nil {
		return models.RecordingNone
	}
	return s.mode
}

// Handles 事件记录中保存的不透明句柄
func (s *RecordingSession) Handles() models.RecordingHandles {
	handles := models.RecordingHandles{Mode: s.Mode()}
	if s == nil {
		return handles
	}
	for _, track := range s.tracks {
		id := track.ID()
		switch track.Kind() {
		case TrackAudio:
			handles.AudioHandle = &id
		case TrackVideo:
			handles.VideoHandle = &id
		}
	}
	if len(s.tracks) > 0 {
		at := s.acquiredAt
		handles.AcquiredAt = &at
	}
	return handles
}

// RecordingManager 录制资源管理：按降级链获取，保证释放
type RecordingManager struct {
	acquirer MediaAcquirer
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	acquired int64 // 成功获取的轨道数
	released int64 // 已停止的轨道数
	wg       sync.WaitGroup
}

// NewRecordingManager 创建录制资源管理器（acquirer 为 nil 时始终无媒体）
func NewRecordingManager(acquirer MediaAcquirer, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *RecordingManager {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &RecordingManager{
		acquirer: acquirer,
		timeout:  timeout,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Acquire 按降级链获取媒体，从不失败：全部失败时返回无媒体会话
func (r *RecordingManager) Acquire(ctx context.Context) *RecordingSession {
	start := r.now()
	defer func() { r.metrics.ObserveAcquire(time.Since(start)) }()

	if r.acquirer == nil {
		return &RecordingSession{mode: models.RecordingNone}
	}

	for _, step := range degradationChain {
		if ctx.Err() != nil {
			break
		}

		tracks, err := r.acquireStep(ctx, step.constraints)
		if err == nil && satisfies(tracks, step.constraints) {
			return &RecordingSession{mode: step.mode, tracks: tracks, acquiredAt: r.now()}
		}

		// 部分成功的轨道立即释放，再尝试下一级
		r.stopTracks(tracks)
		if err == nil {
			err = fmt.Errorf("%w: missing requested tracks", models.ErrResourceAcquisition)
		}
		r.logger.Warn("Media acquisition failed, degrading",
			zap.String("mode", string(step.mode)),
			zap.Error(err),
		)
	}

	return &RecordingSession{mode: models.RecordingNone}
}

// acquireStep 单级获取，受 timeout 约束；超时后迟到的轨道也会被释放
func (r *RecordingManager) acquireStep(ctx context.Context, constraints MediaConstraints) ([]MediaTrack, error) {
	stepCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		tracks []MediaTrack
		err    error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("%w: acquirer panicked: %v", models.ErrResourceAcquisition, p)}
			}
		}()
		tracks, err := r.acquirer.Acquire(stepCtx, constraints)
		done <- result{tracks: tracks, err: err}
	}()

	select {
	case res := <-done:
		r.countAcquired(res.tracks)
		if res.err != nil && !errors.Is(res.err, models.ErrResourceAcquisition) {
			res.err = fmt.Errorf("%w: %v", models.ErrResourceAcquisition, res.err)
		}
		return res.tracks, res.err
	case <-stepCtx.Done():
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			res := <-done
			r.countAcquired(res.tracks)
			r.stopTracks(res.tracks)
		}()
		return nil, fmt.Errorf("%w: timed out after %s", models.ErrResourceAcquisition, r.timeout)
	}
}

// Release 停止会话的全部轨道（幂等），返回本次停止的轨道数
func (r *RecordingManager) Release(session *RecordingSession) int {
	if session == nil {
		return 0
	}
	stopped := 0
	session.once.Do(func() {
		stopped = r.stopTracks(session.tracks)
	})
	return stopped
}

func (r *RecordingManager) countAcquired(tracks []MediaTrack) {
	for _, track := range tracks {
		if track == nil {
			continue
		}
		atomic.AddInt64(&r.acquired, 1)
		r.metrics.MediaAcquired(string(track.Kind()))
	}
}

func (r *RecordingManager) stopTracks(tracks []MediaTrack) int {
	stopped := 0
	for _, track := range tracks {
		if track == nil {
			continue
		}
		if err := safeStop(track); err != nil {
			r.logger.Warn("Failed to stop media track",
				zap.String("track_id", track.ID()),
				zap.Error(err),
			)
		}
		atomic.AddInt64(&r.released, 1)
		r.metrics.MediaReleased(string(track.Kind()))
		stopped++
	}
	return stopped
}

func safeStop(track MediaTrack) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("track stop panicked: %v", p)
		}
	}()
	return track.Stop()
}

// Counts 已获取与已释放的轨道数
func (r *RecordingManager) Counts() (acquired, released int64) {
	return atomic.LoadInt64(&r.acquired), atomic.LoadInt64(&r.released)
}

// Wait 等待超时后迟到的轨道被释放
func (r *RecordingManager) Wait() {
	r.wg.Wait()
}

func satisfies(tracks []MediaTrack, constraints MediaConstraints) bool {
	var audio, video bool
	for _, track := range tracks {
		if track == nil {
			continue
		}
		switch track.Kind() {
		case TrackAudio:
			audio = true
		case TrackVideo:
			video = true
		}
	}
	return (!constraints.Audio || audio) && (!constraints.Video || video)
}
