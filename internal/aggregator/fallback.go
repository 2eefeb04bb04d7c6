package aggregator

import "vitalwatch-core/internal/models"

// FallbackValues 能力不可用时填充的模拟值（产品常量，由配置提供）
type FallbackValues struct {
	BatteryLevel     int
	BatteryCharging  bool
	Latitude         float64
	Longitude        float64
	LocationAccuracy float64
	Illuminance      float64
	AudioLevelDB     float64
}

// valueFor 返回某能力的模拟值
func (f FallbackValues) valueFor(capability models.Capability) models.ReadingValue {
	switch capability {
	case models.CapabilityMotion:
		// 静止放置：只有重力分量
		return models.MotionValue{Z: 9.81}
	case models.CapabilityOrientation:
		return models.OrientationValue{}
	case models.CapabilityLocation:
		return models.LocationValue{
			Latitude:       f.Latitude,
			Longitude:      f.Longitude,
			AccuracyMeters: f.LocationAccuracy,
		}
	case models.CapabilityAmbientLight:
		return models.LightValue{Illuminance: f.Illuminance}
	case models.CapabilityAudio:
		return models.AudioValue{MicrophonePresent: false, LevelDB: f.AudioLevelDB}
	case models.CapabilityDiscovery:
		return models.DiscoveryValue{Devices: []models.NearbyDevice{}}
	case models.CapabilityBattery:
		return models.BatteryValue{Level: f.BatteryLevel, Charging: f.BatteryCharging}
	default:
		return nil
	}
}
