package emergency

import (
	"context"
	"testing"
	"time"

	"vitalwatch-core/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// slowAcquirer 超时之后才返回轨道
type slowAcquirer struct {
	delay time.Duration
	inner *fakeAcquirer
}

func (s *slowAcquirer) Acquire(ctx context.Context, c MediaConstraints) ([]MediaTrack, error) {
	time.Sleep(s.delay)
	return s.inner.Acquire(ctx, c)
}

type panickingAcquirer struct{}

func (panickingAcquirer) Acquire(context.Context, MediaConstraints) ([]MediaTrack, error) {
	panic("driver crashed")
}

func TestRecordingManager_NilAcquirer(t *testing.T) {
	r := NewRecordingManager(nil, time.Second, nil, zap.NewNop())
	session := r.Acquire(context.Background())

	assert.Equal(t, models.RecordingNone, session.Mode())
	assert.Equal(t, 0, r.Release(session))
	assert.Equal(t, 0, r.Release(nil))
}

func TestRecordingManager_ReleaseIsIdempotent(t *testing.T) {
	acq := &fakeAcquirer{}
	r := NewRecordingManager(acq, time.Second, nil, zap.NewNop())
	session := r.Acquire(context.Background())

	require.Equal(t, models.RecordingAudioVideo, session.Mode())
	assert.Equal(t, 2, r.Release(session))
	assert.Equal(t, 0, r.Release(session))
	assert.True(t, acq.allStoppedOnce())

	handles := session.Handles()
	require.NotNil(t, handles.AudioHandle)
	require.NotNil(t, handles.AcquiredAt)
}

func TestRecordingManager_TimeoutReleasesLateTracks(t *testing.T) {
	inner := &fakeAcquirer{}
	r := NewRecordingManager(&slowAcquirer{delay: 50 * time.Millisecond, inner: inner}, 10*time.Millisecond, nil, zap.NewNop())

	session := r.Acquire(context.Background())
	assert.Equal(t, models.RecordingNone, session.Mode())

	r.Wait()
	acquired, released := r.Counts()
	assert.Equal(t, int64(3), acquired) // 音视频 2 条 + 仅音频 1 条
	assert.Equal(t, acquired, released)
	assert.True(t, inner.allStoppedOnce())
}

func TestRecordingManager_PanicDegrades(t *testing.T) {
	r := NewRecordingManager(panickingAcquirer{}, time.Second, nil, zap.NewNop())
	session := r.Acquire(context.Background())
	assert.Equal(t, models.RecordingNone, session.Mode())
}

func TestRecordingManager_CancelledContext(t *testing.T) {
	acq := &fakeAcquirer{}
	r := NewRecordingManager(acq, time.Second, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	session := r.Acquire(ctx)
	assert.Equal(t, models.RecordingNone, session.Mode())
}
