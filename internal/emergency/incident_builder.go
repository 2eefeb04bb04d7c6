package emergency

import (
	"time"

	"vitalwatch-core/internal/models"

	"github.com/google/uuid"
)

// buildIncident 构建新的紧急事件（快照原样保存）
func buildIncident(reason models.TriggerReason, snapshot models.SensorSnapshot, now time.Time) *models.EmergencyIncident {
	return &models.EmergencyIncident{
		ID:                uuid.New().String(),
		TriggeredAt:       now,
		TriggerReason:     reason,
		SnapshotAtTrigger: snapshot.Clone(),
		State:             models.StateTriggered,
		Recording:         models.RecordingHandles{Mode: models.RecordingPending},
		UpdatedAt:         now,
	}
}

// buildNotice 构建事件通知
// 位置取最后一次真实定位：触发时快照中为真实数据则可信，否则降级
func buildNotice(incident *models.EmergencyIncident, kind models.NoticeKind, lastLocation *models.SensorReading, now time.Time) models.IncidentNotice {
	notice := models.IncidentNotice{
		NoticeID:           uuid.New().String(),
		IncidentID:         incident.ID,
		Kind:               kind,
		State:              incident.State,
		TriggerReason:      incident.TriggerReason,
		OccurredAt:         now,
		LocationConfidence: models.LocationConfidenceDegraded,
		LocationText:       "location unavailable",
		RecordingMode:      incident.Recording.Mode,
		HealthScore:        incident.SnapshotAtTrigger.Health.Score,
		RiskLevel:          incident.SnapshotAtTrigger.Risk.Level,
	}
	if len(incident.SnapshotAtTrigger.Risk.Reasons) > 0 {
		notice.RiskReasons = append([]string(nil), incident.SnapshotAtTrigger.Risk.Reasons...)
	}

	if lastLocation != nil {
		if loc, ok := lastLocation.Value.(models.LocationValue); ok {
			captured := lastLocation.CapturedAt
			notice.Location = &loc
			notice.LocationText = loc.Text()
			notice.LocationCapturedAt = &captured
			if incident.SnapshotAtTrigger.DataState(models.CapabilityLocation) == models.DataStateReal {
				notice.LocationConfidence = models.LocationConfidenceReal
			}
		}
	}

	return notice
}
