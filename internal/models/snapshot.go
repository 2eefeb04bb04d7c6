package models

import "time"

// DataState 对外展示时区分的三种数据状态
type DataState string

const (
	DataStateNoData    DataState = "no_data"
	DataStateReal      DataState = "real"
	DataStateSimulated DataState = "simulated"
)

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskElevated RiskLevel = "elevated"
	RiskHigh     RiskLevel = "high"
)

// HealthSummary 传感器整体健康度
type HealthSummary struct {
	Score             int          `json:"score"` // 0-100
	Real              int          `json:"real"`
	Simulated         int          `json:"simulated"`
	Awaiting          int          `json:"awaiting"`
	Stale             int          `json:"stale"`
	StaleCapabilities []Capability `json:"stale_capabilities,omitempty"`
}

// RiskAssessment 由真实读数推导出的风险信号
type RiskAssessment struct {
	Level   RiskLevel `json:"level"`
	Reasons []string  `json:"reasons,omitempty"`
}

// SensorSnapshot 聚合器某一时刻的合并视图
// 每个能力恰好一条读数（按采集时间最新）
type SensorSnapshot struct {
	Sequence   uint64                        `json:"sequence"`
	ComputedAt time.Time                     `json:"computed_at"`
	Readings   map[Capability]SensorReading `json:"readings"`
	Health     HealthSummary                 `json:"health"`
	Risk       RiskAssessment                `json:"risk"`
}

// Reading 获取某个能力的读数
func (s SensorSnapshot) Reading(capability Capability) (SensorReading, bool) {
	r, ok := s.Readings[capability]
	return r, ok
}

// DataState 某个能力当前的数据状态
func (s SensorSnapshot) DataState(capability Capability) DataState {
	r, ok := s.Readings[capability]
	if !ok || r.Awaiting {
		return DataStateNoData
	}
	if r.Source == SourceReal {
		return DataStateReal
	}
	return DataStateSimulated
}

// Clone 深拷贝 map 与切片（读数本身不可变）
func (s SensorSnapshot) Clone() SensorSnapshot {
	out := s
	out.Readings = make(map[Capability]SensorReading, len(s.Readings))
	for k, v := range s.Readings {
		out.Readings[k] = v
	}
	if s.Health.StaleCapabilities != nil {
		out.Health.StaleCapabilities = append([]Capability(nil), s.Health.StaleCapabilities...)
	}
	if s.Risk.Reasons != nil {
		out.Risk.Reasons = append([]string(nil), s.Risk.Reasons...)
	}
	return out
}
