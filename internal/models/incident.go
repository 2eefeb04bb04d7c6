package models

import "time"

// EmergencyState 紧急状态机状态
type EmergencyState string

const (
	StateIdle      EmergencyState = "idle"
	StateArmed     EmergencyState = "armed"
	StateTriggered EmergencyState = "triggered"
	StateRecording EmergencyState = "recording"
	StateResolved  EmergencyState = "resolved"
)

// Active 是否处于进行中的紧急事件
func (s EmergencyState) Active() bool {
	return s == StateTriggered || s == StateRecording
}

// TriggerReason 触发原因
type TriggerReason string

const (
	TriggerManual   TriggerReason = "manual"
	TriggerAutoRisk TriggerReason = "auto-risk"
)

// Valid 是否为已知触发原因
func (r TriggerReason) Valid() bool {
	return r == TriggerManual || r == TriggerAutoRisk
}

// IncidentOutcome 事件结束方式
type IncidentOutcome string

const (
	OutcomeOpen      IncidentOutcome = ""
	OutcomeResolved  IncidentOutcome = "resolved"
	OutcomeCancelled IncidentOutcome = "cancelled"
	OutcomeExpired   IncidentOutcome = "expired"
)

// RecordingMode 录制降级链的结果
type RecordingMode string

const (
	RecordingPending    RecordingMode = "pending"
	RecordingAudioVideo RecordingMode = "audio_video"
	RecordingAudioOnly  RecordingMode = "audio_only"
	RecordingNone       RecordingMode = "none"
)

// RecordingHandles 事件只持有媒体轨道的不透明句柄
type RecordingHandles struct {
	Mode        RecordingMode `json:"mode"`
	AudioHandle *string       `json:"audio_handle,omitempty"`
	VideoHandle *string       `json:"video_handle,omitempty"`
	AcquiredAt  *time.Time    `json:"acquired_at,omitempty"`
	ReleasedAt  *time.Time    `json:"released_at,omitempty"`
}

// EmergencyIncident 一次紧急事件（从触发到结束）
// 只能由状态迁移修改，结束时写入 ResolvedAt + Outcome，从不删除
type EmergencyIncident struct {
	ID                string           `json:"id"`
	TriggeredAt       time.Time        `json:"triggered_at"`
	TriggerReason     TriggerReason    `json:"trigger_reason"`
	SnapshotAtTrigger SensorSnapshot   `json:"snapshot_at_trigger"`
	State             EmergencyState   `json:"state"`
	ResolvedAt        *time.Time       `json:"resolved_at,omitempty"`
	Outcome           IncidentOutcome  `json:"outcome,omitempty"`
	Recording         RecordingHandles `json:"recording"`
	Confirmed         bool             `json:"confirmed"`
	ConfirmedAt       *time.Time       `json:"confirmed_at,omitempty"`
	Notified          []NoticeKind     `json:"notified,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Closed 事件是否已结束
func (i EmergencyIncident) Closed() bool {
	return i.ResolvedAt != nil
}

// Clone 拷贝事件（指针字段与切片独立）
func (i EmergencyIncident) Clone() EmergencyIncident {
	out := i
	out.SnapshotAtTrigger = i.SnapshotAtTrigger.Clone()
	out.ResolvedAt = cloneTime(i.ResolvedAt)
	out.ConfirmedAt = cloneTime(i.ConfirmedAt)
	out.Recording.AcquiredAt = cloneTime(i.Recording.AcquiredAt)
	out.Recording.ReleasedAt = cloneTime(i.Recording.ReleasedAt)
	out.Recording.AudioHandle = cloneString(i.Recording.AudioHandle)
	out.Recording.VideoHandle = cloneString(i.Recording.VideoHandle)
	if i.Notified != nil {
		out.Notified = append([]NoticeKind(nil), i.Notified...)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
