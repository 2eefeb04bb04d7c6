package models

import "time"

// NoticeKind 通知类型（每个事件每种类型最多发送一次）
type NoticeKind string

const (
	NoticeTriggered NoticeKind = "emergency_alert_sent"
	NoticeConfirmed NoticeKind = "emergency_confirmed"
	NoticeCancelled NoticeKind = "emergency_cancelled"
	NoticeResolved  NoticeKind = "emergency_resolved"
	NoticeExpired   NoticeKind = "emergency_expired"
)

// LocationConfidence 通知中位置信息的可信度
type LocationConfidence string

const (
	LocationConfidenceReal     LocationConfidence = "real"
	LocationConfidenceDegraded LocationConfidence = "degraded"
)

// IncidentNotice 发送给通知分发器的事件载荷
type IncidentNotice struct {
	NoticeID      string         `json:"notice_id"`
	IncidentID    string         `json:"incident_id"`
	Kind          NoticeKind     `json:"kind"`
	State         EmergencyState `json:"state"`
	TriggerReason TriggerReason  `json:"trigger_reason"`
	OccurredAt    time.Time      `json:"occurred_at"`

	// 位置（最后一次真实定位；没有则降级）
	Location           *LocationValue     `json:"location,omitempty"`
	LocationText       string             `json:"location_text,omitempty"`
	LocationConfidence LocationConfidence `json:"location_confidence"`
	LocationCapturedAt *time.Time         `json:"location_captured_at,omitempty"`

	RecordingMode RecordingMode `json:"recording_mode,omitempty"`
	HealthScore   int           `json:"health_score"`
	RiskLevel     RiskLevel     `json:"risk_level,omitempty"`
	RiskReasons   []string      `json:"risk_reasons,omitempty"`
}
