package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vitalwatch-core/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// IncidentRepository 紧急事件归档仓库（PostgreSQL）
// 事件只追加或更新，从不删除
type IncidentRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewIncidentRepository 创建事件仓库
func NewIncidentRepository(db *sql.DB, logger *zap.Logger) *IncidentRepository {
	return &IncidentRepository{
		db:     db,
		logger: logger,
	}
}

const incidentSchema = `
	CREATE TABLE IF NOT EXISTS emergency_incidents (
		incident_id     TEXT PRIMARY KEY,
		triggered_at    TIMESTAMPTZ NOT NULL,
		trigger_reason  TEXT NOT NULL,
		state           TEXT NOT NULL,
		outcome         TEXT NOT NULL DEFAULT '',
		resolved_at     TIMESTAMPTZ,
		confirmed       BOOLEAN NOT NULL DEFAULT FALSE,
		confirmed_at    TIMESTAMPTZ,
		recording       JSONB NOT NULL,
		snapshot        JSONB NOT NULL,
		notified        TEXT[] NOT NULL DEFAULT '{}',
		updated_at      TIMESTAMPTZ NOT NULL
	)
`

// EnsureSchema 创建事件表（幂等）
func (r *IncidentRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, incidentSchema); err != nil {
		return fmt.Errorf("failed to ensure incident schema: %w", err)
	}
	return nil
}

// SaveIncident 写入或更新事件
// 较旧的 updated_at 不会覆盖较新的记录（异步保存可能乱序到达）
func (r *IncidentRepository) SaveIncident(ctx context.Context, incident models.EmergencyIncident) error {
	if incident.ID == "" {
		return fmt.Errorf("incident_id is required")
	}

	recording, err := json.Marshal(incident.Recording)
	if err != nil {
		return fmt.Errorf("failed to marshal recording: %w", err)
	}
	snapshot, err := json.Marshal(incident.SnapshotAtTrigger)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	notified := make([]string, 0, len(incident.Notified))
	for _, kind := range incident.Notified {
		notified = append(notified, string(kind))
	}

	query := `
		INSERT INTO emergency_incidents (
			incident_id, triggered_at, trigger_reason, state, outcome,
			resolved_at, confirmed, confirmed_at, recording, snapshot,
			notified, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (incident_id) DO UPDATE SET
			state = EXCLUDED.state,
			outcome = EXCLUDED.outcome,
			resolved_at = EXCLUDED.resolved_at,
			confirmed = EXCLUDED.confirmed,
			confirmed_at = EXCLUDED.confirmed_at,
			recording = EXCLUDED.recording,
			notified = EXCLUDED.notified,
			updated_at = EXCLUDED.updated_at
		WHERE emergency_incidents.updated_at <= EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		incident.ID,
		incident.TriggeredAt,
		string(incident.TriggerReason),
		string(incident.State),
		string(incident.Outcome),
		nullTime(incident.ResolvedAt),
		incident.Confirmed,
		nullTime(incident.ConfirmedAt),
		recording,
		snapshot,
		pq.Array(notified),
		incident.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to save incident",
			zap.String("incident_id", incident.ID),
			zap.String("state", string(incident.State)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to save incident: %w", err)
	}
	return nil
}

const incidentColumns = `
	incident_id, triggered_at, trigger_reason, state, outcome,
	resolved_at, confirmed, confirmed_at, recording, snapshot,
	notified, updated_at
`

// GetIncident 根据 incident_id 获取事件
func (r *IncidentRepository) GetIncident(ctx context.Context, incidentID string) (models.EmergencyIncident, error) {
	if incidentID == "" {
		return models.EmergencyIncident{}, fmt.Errorf("incident_id is required")
	}

	query := `SELECT ` + incidentColumns + ` FROM emergency_incidents WHERE incident_id = $1`

	incident, err := scanIncident(r.db.QueryRowContext(ctx, query, incidentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EmergencyIncident{}, fmt.Errorf("incident %s: %w", incidentID, models.ErrIncidentNotFound)
		}
		return models.EmergencyIncident{}, fmt.Errorf("failed to get incident: %w", err)
	}
	return incident, nil
}

// ListIncidents 按触发时间倒序列出事件
func (r *IncidentRepository) ListIncidents(ctx context.Context, limit int) ([]models.EmergencyIncident, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + incidentColumns + ` FROM emergency_incidents ORDER BY triggered_at DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []models.EmergencyIncident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, incident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate incidents: %w", err)
	}
	return incidents, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row rowScanner) (models.EmergencyIncident, error) {
	var incident models.EmergencyIncident
	var reason, state, outcome string
	var resolvedAt, confirmedAt sql.NullTime
	var recording, snapshot []byte
	var notified []string

	if err := row.Scan(
		&incident.ID,
		&incident.TriggeredAt,
		&reason,
		&state,
		&outcome,
		&resolvedAt,
		&incident.Confirmed,
		&confirmedAt,
		&recording,
		&snapshot,
		pq.Array(&notified),
		&incident.UpdatedAt,
	); err != nil {
		return models.EmergencyIncident{}, err
	}

	incident.TriggerReason = models.TriggerReason(reason)
	incident.State = models.EmergencyState(state)
	incident.Outcome = models.IncidentOutcome(outcome)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		incident.ResolvedAt = &t
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		incident.ConfirmedAt = &t
	}
	if len(recording) > 0 {
		if err := json.Unmarshal(recording, &incident.Recording); err != nil {
			return models.EmergencyIncident{}, fmt.Errorf("failed to unmarshal recording: %w", err)
		}
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &incident.SnapshotAtTrigger); err != nil {
			return models.EmergencyIncident{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
	}
	for _, kind := range notified {
		incident.Notified = append(incident.Notified, models.NoticeKind(kind))
	}
	return incident, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
