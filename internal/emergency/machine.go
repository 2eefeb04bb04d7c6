package emergency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"vitalwatch-core/internal/metrics"
	"vitalwatch-core/internal/models"

	"go.uber.org/zap"
)

// SnapshotSource 快照来源（aggregator.Aggregator 实现）
type SnapshotSource interface {
	Snapshot() models.SensorSnapshot
	LastKnownReal(capability models.Capability) (models.SensorReading, bool)
}

// Notifier 通知分发（失败不影响状态机）
type Notifier interface {
	Notify(ctx context.Context, notice models.IncidentNotice) error
}

// Archive 事件归档（可选）
type Archive interface {
	SaveIncident(ctx context.Context, incident models.EmergencyIncident) error
}

// PromptFunc 过期前的续期提示
type PromptFunc func(incident models.EmergencyIncident)

// Config 状态机配置
type Config struct {
	ExpiryAfter   time.Duration // 默认 30s
	ConfirmGrace  time.Duration // 默认 10s
	NotifyTimeout time.Duration // 单次通知超时，默认 10s
	AutoTrigger   bool          // armed 状态下高风险自动触发
}

// Machine 紧急状态机
// 所有延时回调在调度时记录 generation，执行时不一致则放弃
type Machine struct {
	cfg       Config
	snapshots SnapshotSource
	recorder  *RecordingManager
	notifier  Notifier
	archive   Archive
	scheduler Scheduler
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      models.EmergencyState
	generation uint64
	active     *activeIncident
	incidents  map[string]*models.EmergencyIncident
	prompt     PromptFunc
}

// activeIncident 进行中的事件及其独占资源
type activeIncident struct {
	incident *models.EmergencyIncident
	session  *RecordingSession
	timer    Timer
	timerSeq uint64 // Confirm 只作废计时器，不改变 generation
}

// Option 可选依赖
type Option func(*Machine)

// WithArchive 设置事件归档
func WithArchive(archive Archive) Option {
	return func(m *Machine) { m.archive = archive }
}

// WithScheduler 替换调度器
func WithScheduler(s Scheduler) Option {
	return func(m *Machine) { m.scheduler = s }
}

// WithPrompt 设置续期提示回调
func WithPrompt(fn PromptFunc) Option {
	return func(m *Machine) { m.prompt = fn }
}

// WithMetrics 设置监控指标
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// NewMachine 创建紧急状态机
func NewMachine(cfg Config, snapshots SnapshotSource, recorder *RecordingManager, notifier Notifier, logger *zap.Logger, opts ...Option) *Machine {
	if cfg.ExpiryAfter <= 0 {
		cfg.ExpiryAfter = 30 * time.Second
	}
	if cfg.ConfirmGrace <= 0 {
		cfg.ConfirmGrace = 10 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}

	if recorder == nil {
		recorder = NewRecordingManager(nil, 0, nil, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:       cfg,
		snapshots: snapshots,
		recorder:  recorder,
		notifier:  notifier,
		scheduler: RealScheduler(),
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		state:     models.StateIdle,
		incidents: make(map[string]*models.EmergencyIncident),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics.StateChanged(stateNames(), string(m.state))
	return m
}

// State 当前状态
func (m *Machine) State() models.EmergencyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveIncidentID 进行中事件的 ID（无则为空）
func (m *Machine) ActiveIncidentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.incident.ID
}

// Trigger 触发紧急事件，只在 idle/armed 合法
// 已有进行中事件时不会创建第二个，返回当前事件 ID 与 ErrInvalidTransition
func (m *Machine) Trigger(reason models.TriggerReason) (string, models.EmergencyState, error) {
	if !reason.Valid() {
		return "", m.State(), fmt.Errorf("unknown trigger reason %q: %w", reason, models.ErrInvalidTransition)
	}

	m.mu.Lock()
	if m.state != models.StateIdle && m.state != models.StateArmed {
		id := ""
		if m.active != nil {
			id = m.active.incident.ID
		}
		state := m.state
		m.mu.Unlock()
		return id, state, models.NewTransitionError("trigger", state)
	}
	if reason == models.TriggerAutoRisk && m.state != models.StateArmed {
		state := m.state
		m.mu.Unlock()
		return "", state, models.NewTransitionError("auto-risk trigger", state)
	}

	now := m.now()
	snapshot := m.snapshots.Snapshot()
	incident := buildIncident(reason, snapshot, now)

	m.generation++
	gen := m.generation
	m.state = models.StateTriggered
	m.incidents[incident.ID] = incident
	m.active = &activeIncident{incident: incident}
	m.armExpiryLocked(gen, m.cfg.ExpiryAfter, m.onExpiry)

	notice := m.noticeLocked(incident, models.NoticeTriggered)
	record := incident.Clone()
	m.mu.Unlock()

	m.logger.Warn("Emergency triggered",
		zap.String("incident_id", incident.ID),
		zap.String("reason", string(reason)),
		zap.Int("health_score", snapshot.Health.Score),
		zap.String("risk_level", string(snapshot.Risk.Level)),
	)
	m.metrics.IncidentTriggered(string(reason))
	m.metrics.StateChanged(stateNames(), string(models.StateTriggered))

	// 两个相互独立的尽力而为操作：通知与录制
	m.send(notice)
	m.save(record)
	m.wg.Add(1)
	go m.startRecording(gen, incident.ID)

	return incident.ID, models.StateTriggered, nil
}

// startRecording 按降级链获取媒体，无论结果都进入 recording
func (m *Machine) startRecording(gen uint64, incidentID string) {
	defer m.wg.Done()

	session := m.recorder.Acquire(m.ctx)

	m.mu.Lock()
	if m.generation != gen || m.active == nil || m.active.incident.ID != incidentID {
		m.mu.Unlock()
		// 事件已结束，刚获取的媒体立即释放
		released := m.recorder.Release(session)
		m.logger.Info("Recording acquired after incident ended, released",
			zap.String("incident_id", incidentID),
			zap.Int("tracks", released),
		)
		return
	}

	now := m.now()
	m.state = models.StateRecording
	m.active.session = session
	incident := m.active.incident
	incident.State = models.StateRecording
	incident.Recording = session.Handles()
	incident.UpdatedAt = now
	record := incident.Clone()
	m.mu.Unlock()

	m.logger.Info("Emergency recording started",
		zap.String("incident_id", incidentID),
		zap.String("mode", string(session.Mode())),
	)
	m.metrics.StateChanged(stateNames(), string(models.StateRecording))
	m.save(record)
}

// Confirm 用户确认继续，取消自动过期
func (m *Machine) Confirm(id string) (models.EmergencyState, error) {
	m.mu.Lock()
	if err := m.checkActiveLocked("confirm", id); err != nil {
		state := m.state
		m.mu.Unlock()
		return state, err
	}

	incident := m.active.incident
	if incident.Confirmed {
		state := m.state
		m.mu.Unlock()
		return state, nil
	}

	now := m.now()
	incident.Confirmed = true
	incident.ConfirmedAt = &now
	incident.UpdatedAt = now
	m.stopTimerLocked()

	notice := m.noticeLocked(incident, models.NoticeConfirmed)
	record := incident.Clone()
	state := m.state
	m.mu.Unlock()

	m.logger.Info("Emergency confirmed", zap.String("incident_id", id))
	m.send(notice)
	m.save(record)
	return state, nil
}

// Cancel 取消事件：triggered/recording -> idle
func (m *Machine) Cancel(id string) (models.EmergencyState, error) {
	return m.finish("cancel", id, models.StateIdle, models.OutcomeCancelled, models.NoticeCancelled)
}

// Resolve 解决事件：triggered/recording -> resolved
func (m *Machine) Resolve(id string) (models.EmergencyState, error) {
	return m.finish("resolve", id, models.StateResolved, models.OutcomeResolved, models.NoticeResolved)
}

// finish 结束进行中的事件
// 先在锁内切换对外可见状态，再在锁外释放媒体，保证清理只执行一次
func (m *Machine) finish(op, id string, next models.EmergencyState, outcome models.IncidentOutcome, kind models.NoticeKind) (models.EmergencyState, error) {
	m.mu.Lock()
	if err := m.checkActiveLocked(op, id); err != nil {
		state := m.state
		m.mu.Unlock()
		return state, err
	}

	session, notice, record := m.closeLocked(next, outcome, kind)
	m.mu.Unlock()

	released := m.recorder.Release(session)
	m.logger.Info("Emergency closed",
		zap.String("incident_id", id),
		zap.String("outcome", string(outcome)),
		zap.Int("released_tracks", released),
	)
	m.metrics.IncidentClosed(string(outcome))
	m.metrics.StateChanged(stateNames(), string(next))
	m.send(notice)
	m.save(record)
	return next, nil
}

// closeLocked 结束当前事件并返回需要在锁外处理的资源（调用方持有 mu）
func (m *Machine) closeLocked(next models.EmergencyState, outcome models.IncidentOutcome, kind models.NoticeKind) (*RecordingSession, *models.IncidentNotice, models.EmergencyIncident) {
	now := m.now()
	m.stopTimerLocked()
	m.generation++
	m.state = next

	active := m.active
	m.active = nil

	incident := active.incident
	incident.State = next
	incident.Outcome = outcome
	incident.ResolvedAt = &now
	incident.UpdatedAt = now
	if active.session != nil {
		incident.Recording.ReleasedAt = &now
	} else {
		incident.Recording.Mode = models.RecordingNone
	}

	return active.session, m.noticeLocked(incident, kind), incident.Clone()
}

// onExpiry 第一阶段：提示续期，进入确认宽限期
func (m *Machine) onExpiry(gen, seq uint64) {
	m.mu.Lock()
	if !m.timerValidLocked(gen, seq) {
		m.mu.Unlock()
		return
	}
	m.armExpiryLocked(gen, m.cfg.ConfirmGrace, m.onGraceExpired)
	record := m.active.incident.Clone()
	prompt := m.prompt
	m.mu.Unlock()

	m.logger.Info("Emergency awaiting confirmation",
		zap.String("incident_id", record.ID),
		zap.Duration("grace", m.cfg.ConfirmGrace),
	)
	if prompt != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.logger.Error("Continuation prompt panicked", zap.Any("panic", p))
				}
			}()
			prompt(record)
		}()
	}
}

// onGraceExpired 第二阶段：未确认则过期，回到 idle
func (m *Machine) onGraceExpired(gen, seq uint64) {
	m.mu.Lock()
	if !m.timerValidLocked(gen, seq) {
		m.mu.Unlock()
		return
	}
	id := m.active.incident.ID
	session, notice, record := m.closeLocked(models.StateIdle, models.OutcomeExpired, models.NoticeExpired)
	m.mu.Unlock()

	released := m.recorder.Release(session)
	m.logger.Warn("Emergency expired without confirmation",
		zap.String("incident_id", id),
		zap.Int("released_tracks", released),
	)
	m.metrics.IncidentClosed(string(models.OutcomeExpired))
	m.metrics.StateChanged(stateNames(), string(models.StateIdle))
	m.send(notice)
	m.save(record)
}

// armExpiryLocked 设置唯一的过期计时器（调用方持有 mu）
func (m *Machine) armExpiryLocked(gen uint64, d time.Duration, fn func(gen, seq uint64)) {
	m.stopTimerLocked()
	seq := m.active.timerSeq
	m.active.timer = m.scheduler.AfterFunc(d, func() { fn(gen, seq) })
}

// stopTimerLocked 取消计时器并作废已经在途的回调
func (m *Machine) stopTimerLocked() {
	if m.active == nil {
		return
	}
	if m.active.timer != nil {
		m.active.timer.Stop()
		m.active.timer = nil
	}
	m.active.timerSeq++
}

func (m *Machine) timerValidLocked(gen, seq uint64) bool {
	return m.generation == gen && m.active != nil && m.active.timerSeq == seq && !m.active.incident.Confirmed
}

// checkActiveLocked 校验 id 是否为进行中的事件
func (m *Machine) checkActiveLocked(op, id string) error {
	if m.active != nil && m.active.incident.ID == id {
		return nil
	}
	if _, ok := m.incidents[id]; !ok && id != "" {
		return fmt.Errorf("%s %s: %w", op, id, models.ErrIncidentNotFound)
	}
	return models.NewTransitionError(op, m.state)
}

// Arm 进入待命：idle/resolved -> armed
func (m *Machine) Arm() (models.EmergencyState, error) {
	return m.simpleTransition("arm", models.StateArmed, models.StateIdle, models.StateResolved)
}

// Disarm 解除待命：armed -> idle
func (m *Machine) Disarm() (models.EmergencyState, error) {
	return m.simpleTransition("disarm", models.StateIdle, models.StateArmed)
}

// Reset 复位：resolved -> idle
func (m *Machine) Reset() (models.EmergencyState, error) {
	return m.simpleTransition("reset", models.StateIdle, models.StateResolved)
}

func (m *Machine) simpleTransition(op string, next models.EmergencyState, from ...models.EmergencyState) (models.EmergencyState, error) {
	m.mu.Lock()
	allowed := false
	for _, s := range from {
		if m.state == s {
			allowed = true
			break
		}
	}
	if !allowed {
		state := m.state
		m.mu.Unlock()
		return state, models.NewTransitionError(op, state)
	}
	previous := m.state
	m.generation++
	m.state = next
	m.mu.Unlock()

	m.logger.Info("Emergency state changed",
		zap.String("op", op),
		zap.String("from", string(previous)),
		zap.String("to", string(next)),
	)
	m.metrics.StateChanged(stateNames(), string(next))
	return next, nil
}

// HandleSnapshot 快照订阅入口：armed 状态下高风险自动触发
func (m *Machine) HandleSnapshot(snapshot models.SensorSnapshot) {
	if !m.cfg.AutoTrigger || snapshot.Risk.Level != models.RiskHigh {
		return
	}
	if m.State() != models.StateArmed {
		return
	}

	id, _, err := m.Trigger(models.TriggerAutoRisk)
	if err != nil {
		// 并发下状态已变化，属于正常竞争
		if !errors.Is(err, models.ErrInvalidTransition) {
			m.logger.Error("Auto-risk trigger failed", zap.Error(err))
		}
		return
	}
	m.logger.Warn("Emergency auto-triggered by risk signal",
		zap.String("incident_id", id),
		zap.Strings("reasons", snapshot.Risk.Reasons),
	)
}

// GetIncident 获取事件
func (m *Machine) GetIncident(id string) (models.EmergencyIncident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, ok := m.incidents[id]
	if !ok {
		return models.EmergencyIncident{}, fmt.Errorf("incident %s: %w", id, models.ErrIncidentNotFound)
	}
	return incident.Clone(), nil
}

// ListIncidents 全部事件（最新在前）
func (m *Machine) ListIncidents() []models.EmergencyIncident {
	m.mu.Lock()
	out := make([]models.EmergencyIncident, 0, len(m.incidents))
	for _, incident := range m.incidents {
		out = append(out, incident.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	return out
}

// noticeLocked 生成通知，每个事件每种通知最多一次（调用方持有 mu）
func (m *Machine) noticeLocked(incident *models.EmergencyIncident, kind models.NoticeKind) *models.IncidentNotice {
	for _, sent := range incident.Notified {
		if sent == kind {
			return nil
		}
	}
	incident.Notified = append(incident.Notified, kind)

	var lastLocation *models.SensorReading
	if r, ok := m.snapshots.LastKnownReal(models.CapabilityLocation); ok {
		lastLocation = &r
	}
	notice := buildNotice(incident, kind, lastLocation, m.now())
	return &notice
}

// send 异步投递通知，失败只记录日志
func (m *Machine) send(notice *models.IncidentNotice) {
	if notice == nil || m.notifier == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				m.logger.Error("Notifier panicked", zap.Any("panic", p))
			}
		}()

		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.NotifyTimeout)
		defer cancel()

		if err := m.notifier.Notify(ctx, *notice); err != nil {
			m.logger.Error("Failed to dispatch incident notice",
				zap.String("incident_id", notice.IncidentID),
				zap.String("kind", string(notice.Kind)),
				zap.Error(err),
			)
		}
	}()
}

// save 归档事件（失败只记录日志）
func (m *Machine) save(incident models.EmergencyIncident) {
	if m.archive == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.NotifyTimeout)
		defer cancel()

		if err := m.archive.SaveIncident(ctx, incident); err != nil {
			m.logger.Error("Failed to archive incident",
				zap.String("incident_id", incident.ID),
				zap.Error(err),
			)
		}
	}()
}

// Wait 等待后台任务（通知、归档、录制）完成
func (m *Machine) Wait() {
	m.wg.Wait()
	m.recorder.Wait()
}

// Close 释放进行中的媒体并停止后台任务
func (m *Machine) Close() {
	m.mu.Lock()
	var session *RecordingSession
	if m.active != nil {
		m.stopTimerLocked()
		m.generation++
		session = m.active.session
	}
	m.mu.Unlock()

	m.recorder.Release(session)
	m.cancel()
	m.Wait()
}

func stateNames() []string {
	return []string{
		string(models.StateIdle),
		string(models.StateArmed),
		string(models.StateTriggered),
		string(models.StateRecording),
		string(models.StateResolved),
	}
}
