package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 监控指标（Prometheus）
// 方法对 nil 接收者安全，未配置指标的组件可以直接传 nil
type Metrics struct {
	readingsAccepted *prometheus.CounterVec
	readingsDropped  *prometheus.CounterVec
	snapshots        prometheus.Counter
	healthScore      prometheus.Gauge
	riskLevel        prometheus.Gauge

	permissionChanges *prometheus.CounterVec

	incidentsTriggered *prometheus.CounterVec
	incidentsClosed    *prometheus.CounterVec
	emergencyState     *prometheus.GaugeVec

	mediaAcquired   *prometheus.CounterVec
	mediaReleased   *prometheus.CounterVec
	mediaAcquireDur prometheus.Histogram

	noticesSent   *prometheus.CounterVec
	noticesFailed *prometheus.CounterVec
}

// New 创建并注册指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		readingsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalwatch_readings_accepted_total",
			Help: "Sensor readings stored by the aggregator.",
		}, []string{"capability", "source"}),
		readingsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalwatch_readings_dropped_total",
			Help: "Sensor readings dropped because a newer reading was already stored.",
		}, []string{"capability"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalwatch_snapshots_published_total",
			Help: "Snapshots delivered to subscribers.",
		}),
		healthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vitalwatch_sensor_health_score",
			Help: "Overall sensor health score (0-100) of the latest snapshot.",
		}),
		riskLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vitalwatch_risk_level",
			Help: "Risk level of the latest snapshot (0 none, 1 elevated, 2 high).",
		}),
		permissionChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalwatch_permission_changes_total",
			Help: "Permission state changes by capability and new state.",
		}, []string{"capability", "state"}),
		incidentsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalwatch_incidents_triggered_total",
			Help: "Emergency incidents created.",
		}, []string{"reason"}),
		incidentsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalwatch_incidents_closed_total",
			Help: "Emergency incidents closed by outcome.",
		}, []string{"outcome"}),
		emergencyState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vitalwatch_emergency_state",
			Help: "1 for the current emergency state, 0 otherwise.",
		}, []string{"state"}),
		mediaAcquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalwatch_media_tracks_acquired_total",
			Help: "Media tracks successfully acquired.",
		}, []string{"kind"}),
		mediaReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalwatch_media_tracks_released_total",
			Help: "Media tracks stopped.",
		}, []string{"kind"}),
		mediaAcquireDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vitalwatch_media_acquire_seconds",
			Help:    "Time spent walking the recording degradation chain.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		noticesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalwatch_notices_sent_total",
			Help: "Incident notices delivered per channel.",
		}, []string{"kind", "channel"}),
		noticesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalwatch_notices_failed_total",
			Help: "Incident notice deliveries that failed per channel.",
		}, []string{"channel"}),
	}

	reg.MustRegister(
		m.readingsAccepted, m.readingsDropped, m.snapshots, m.healthScore, m.riskLevel,
		m.permissionChanges,
		m.incidentsTriggered, m.incidentsClosed, m.emergencyState,
		m.mediaAcquired, m.mediaReleased, m.mediaAcquireDur,
		m.noticesSent, m.noticesFailed,
	)
	return m
}

// ReadingAccepted 聚合器接收读数
func (m *Metrics) ReadingAccepted(capability, source string) {
	if m == nil {
		return
	}
	m.readingsAccepted.WithLabelValues(capability, source).Inc()
}

// ReadingDropped 旧读数被丢弃
func (m *Metrics) ReadingDropped(capability string) {
	if m == nil {
		return
	}
	m.readingsDropped.WithLabelValues(capability).Inc()
}

// SnapshotPublished 发布快照
func (m *Metrics) SnapshotPublished(healthScore int, riskLevel string) {
	if m == nil {
		return
	}
	m.snapshots.Inc()
	m.healthScore.Set(float64(healthScore))
	switch riskLevel {
	case "high":
		m.riskLevel.Set(2)
	case "elevated":
		m.riskLevel.Set(1)
	default:
		m.riskLevel.Set(0)
	}
}

// PermissionChanged 权限变化
func (m *Metrics) PermissionChanged(capability, state string) {
	if m == nil {
		return
	}
	m.permissionChanges.WithLabelValues(capability, state).Inc()
}

// IncidentTriggered 新事件
func (m *Metrics) IncidentTriggered(reason string) {
	if m == nil {
		return
	}
	m.incidentsTriggered.WithLabelValues(reason).Inc()
}

// IncidentClosed 事件结束
func (m *Metrics) IncidentClosed(outcome string) {
	if m == nil {
		return
	}
	m.incidentsClosed.WithLabelValues(outcome).Inc()
}

// StateChanged 状态机进入新状态
func (m *Metrics) StateChanged(states []string, current string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		m.emergencyState.WithLabelValues(s).Set(v)
	}
}

// MediaAcquired 获取媒体轨道
func (m *Metrics) MediaAcquired(kind string) {
	if m == nil {
		return
	}
	m.mediaAcquired.WithLabelValues(kind).Inc()
}

// MediaReleased 释放媒体轨道
func (m *Metrics) MediaReleased(kind string) {
	if m == nil {
		return
	}
	m.mediaReleased.WithLabelValues(kind).Inc()
}

// ObserveAcquire 降级链耗时
func (m *Metrics) ObserveAcquire(d time.Duration) {
	if m == nil {
		return
	}
	m.mediaAcquireDur.Observe(d.Seconds())
}

// NoticeSent 通知发送成功
func (m *Metrics) NoticeSent(kind, channel string) {
	if m == nil {
		return
	}
	m.noticesSent.WithLabelValues(kind, channel).Inc()
}

// NoticeFailed 通知发送失败
func (m *Metrics) NoticeFailed(channel string) {
	if m == nil {
		return
	}
	m.noticesFailed.WithLabelValues(channel).Inc()
}
