package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Source 读数来源
type Source string

const (
	SourceReal      Source = "real"
	SourceSimulated Source = "simulated"
)

// ReadingValue 各能力的读数值
type ReadingValue interface {
	Capability() Capability
}

// MotionValue 加速度（m/s²）
type MotionValue struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (MotionValue) Capability() Capability { return CapabilityMotion }

// Magnitude 加速度模长
func (m MotionValue) Magnitude() float64 {
	return math.Sqrt(m.X*m.X + m.Y*m.Y + m.Z*m.Z)
}

// OrientationValue 设备朝向（度）
type OrientationValue struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
}

func (OrientationValue) Capability() Capability { return CapabilityOrientation }

// LocationValue 定位结果
type LocationValue struct {
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	AccuracyMeters float64  `json:"accuracy_meters"`
	Speed          *float64 `json:"speed,omitempty"`
	Heading        *float64 `json:"heading,omitempty"`
}

func (LocationValue) Capability() Capability { return CapabilityLocation }

// Text 坐标文本（无逆地理编码时的展示形式）
func (l LocationValue) Text() string {
	return fmt.Sprintf("%.4f, %.4f", l.Latitude, l.Longitude)
}

// LightValue 环境光（lux）
type LightValue struct {
	Illuminance float64 `json:"illuminance"`
}

func (LightValue) Capability() Capability { return CapabilityAmbientLight }

// AudioValue 麦克风存在性与声级
type AudioValue struct {
	MicrophonePresent bool    `json:"microphone_present"`
	LevelDB           float64 `json:"level_db"`
}

func (AudioValue) Capability() Capability { return CapabilityAudio }

// DeviceType 近场设备类型
type DeviceType string

const (
	DeviceHeadphones DeviceType = "headphones"
	DeviceSmartwatch DeviceType = "smartwatch"
	DeviceFitness    DeviceType = "fitness"
	DevicePhone      DeviceType = "phone"
	DeviceSpeaker    DeviceType = "speaker"
	DeviceUnknown    DeviceType = "unknown"
)

// NearbyDevice 近场发现到的设备
type NearbyDevice struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      DeviceType `json:"type"`
	RSSI      *int       `json:"rssi,omitempty"`
	Battery   *int       `json:"battery,omitempty"`
	Connected bool       `json:"connected"`
}

// DiscoveryValue 近场设备扫描结果
type DiscoveryValue struct {
	Devices []NearbyDevice `json:"devices"`
}

func (DiscoveryValue) Capability() Capability { return CapabilityDiscovery }

// BatteryValue 电池状态
type BatteryValue struct {
	Level    int  `json:"level"`
	Charging bool `json:"charging"`
}

func (BatteryValue) Capability() Capability { return CapabilityBattery }

// SensorReading 单个能力的一次读数（不可变，被同能力更新的读数取代）
type SensorReading struct {
	Capability Capability   `json:"capability"`
	Value      ReadingValue `json:"value"`
	Accuracy   int          `json:"accuracy"` // 0-100
	Source     Source       `json:"source"`
	CapturedAt time.Time    `json:"captured_at"`
	Awaiting   bool         `json:"awaiting,omitempty"` // 尚无任何数据时的占位读数
	Reason     string       `json:"reason,omitempty"`   // 模拟值的原因
}

// NewRealReading 创建真实读数（accuracy 截断到 0-100）
func NewRealReading(value ReadingValue, accuracy int, capturedAt time.Time) SensorReading {
	return SensorReading{
		Capability: value.Capability(),
		Value:      value,
		Accuracy:   ClampAccuracy(accuracy),
		Source:     SourceReal,
		CapturedAt: capturedAt,
	}
}

// NewFallbackReading 创建模拟读数（值由聚合器按配置补齐，accuracy 固定为 0）
func NewFallbackReading(capability Capability, reason string, capturedAt time.Time) SensorReading {
	return SensorReading{
		Capability: capability,
		Accuracy:   0,
		Source:     SourceSimulated,
		CapturedAt: capturedAt,
		Reason:     reason,
	}
}

// IsReal 是否为真实数据
func (r SensorReading) IsReal() bool {
	return r.Source == SourceReal && !r.Awaiting
}

// ClampAccuracy 将精度限制在 0-100
func ClampAccuracy(accuracy int) int {
	if accuracy < 0 {
		return 0
	}
	if accuracy > 100 {
		return 100
	}
	return accuracy
}

// UnmarshalJSON 按 capability 还原具体的 Value 类型
func (r *SensorReading) UnmarshalJSON(data []byte) error {
	type alias SensorReading
	var raw struct {
		alias
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = SensorReading(raw.alias)
	r.Value = nil

	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		return nil
	}

	value, err := decodeValue(r.Capability, raw.Value)
	if err != nil {
		return fmt.Errorf("failed to decode %s value: %w", r.Capability, err)
	}
	r.Value = value
	return nil
}

func decodeValue(capability Capability, data json.RawMessage) (ReadingValue, error) {
	switch capability {
	case CapabilityMotion:
		var v MotionValue
		err := json.Unmarshal(data, &v)
		return v, err
	case CapabilityOrientation:
		var v OrientationValue
		err := json.Unmarshal(data, &v)
		return v, err
	case CapabilityLocation:
		var v LocationValue
		err := json.Unmarshal(data, &v)
		return v, err
	case CapabilityAmbientLight:
		var v LightValue
		err := json.Unmarshal(data, &v)
		return v, err
	case CapabilityAudio:
		var v AudioValue
		err := json.Unmarshal(data, &v)
		return v, err
	case CapabilityDiscovery:
		var v DiscoveryValue
		err := json.Unmarshal(data, &v)
		return v, err
	case CapabilityBattery:
		var v BatteryValue
		err := json.Unmarshal(data, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unknown capability %q", capability)
	}
}
