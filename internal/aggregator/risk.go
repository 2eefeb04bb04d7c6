package aggregator

import (
	"fmt"
	"time"

	"vitalwatch-core/internal/models"
)

// RiskThresholds 风险推导阈值
type RiskThresholds struct {
	ImpactMagnitude float64 // m/s²
	LoudAudioDB     float64
	LoudAudioRepeat int // 连续超过阈值的次数
	LowBatteryLevel int
}

// assessRisk 只基于新鲜的真实读数推导风险
// 冲击或持续高声级为 high，低电量（未充电）为 elevated
func assessRisk(readings map[models.Capability]models.SensorReading, loudStreak int, th RiskThresholds, fresh func(models.SensorReading) bool) models.RiskAssessment {
	risk := models.RiskAssessment{Level: models.RiskNone}
	raise := func(level models.RiskLevel, reason string) {
		risk.Reasons = append(risk.Reasons, reason)
		if rank(level) > rank(risk.Level) {
			risk.Level = level
		}
	}

	if r, ok := readings[models.CapabilityMotion]; ok && r.IsReal() && fresh(r) {
		if v, ok := r.Value.(models.MotionValue); ok && th.ImpactMagnitude > 0 {
			if mag := v.Magnitude(); mag >= th.ImpactMagnitude {
				raise(models.RiskHigh, fmt.Sprintf("impact detected: %.1f m/s²", mag))
			}
		}
	}

	if r, ok := readings[models.CapabilityAudio]; ok && r.IsReal() && fresh(r) {
		if v, ok := r.Value.(models.AudioValue); ok && th.LoudAudioDB > 0 && loudStreak >= th.LoudAudioRepeat && v.LevelDB >= th.LoudAudioDB {
			raise(models.RiskHigh, fmt.Sprintf("sustained loud audio: %.0f dB", v.LevelDB))
		}
	}

	if r, ok := readings[models.CapabilityBattery]; ok && r.IsReal() && fresh(r) {
		if v, ok := r.Value.(models.BatteryValue); ok && !v.Charging && v.Level <= th.LowBatteryLevel {
			raise(models.RiskElevated, fmt.Sprintf("battery low: %d%%", v.Level))
		}
	}

	return risk
}

func rank(level models.RiskLevel) int {
	switch level {
	case models.RiskHigh:
		return 2
	case models.RiskElevated:
		return 1
	default:
		return 0
	}
}

// assessHealth 计算健康度
// 新鲜真实读数计入其精度，过期读数计一半，模拟和占位计 0
func assessHealth(readings map[models.Capability]models.SensorReading, now time.Time, staleAfter time.Duration) models.HealthSummary {
	var h models.HealthSummary
	total := 0

	for _, capability := range models.AllCapabilities() {
		r, ok := readings[capability]
		switch {
		case !ok || r.Awaiting:
			h.Awaiting++
		case r.Source != models.SourceReal:
			h.Simulated++
		case staleAfter > 0 && now.Sub(r.CapturedAt) > staleAfter:
			h.Real++
			h.Stale++
			h.StaleCapabilities = append(h.StaleCapabilities, capability)
			total += r.Accuracy / 2
		default:
			h.Real++
			total += r.Accuracy
		}
	}

	h.Score = total / len(models.AllCapabilities())
	return h
}
