package bridge

import (
	"context"
	"encoding/json"
	"time"

	"vitalwatch-core/internal/models"
	"vitalwatch-core/internal/sensor"

	"go.uber.org/zap"
)

// Platform 按设备能力组装平台能力集合（不具备的能力为 nil）
func (b *Bridge) Platform() sensor.Platform {
	var p sensor.Platform
	if b.Supported(models.CapabilityMotion) {
		p.Motion = b
	}
	if b.Supported(models.CapabilityOrientation) {
		p.Orientation = b
	}
	if b.Supported(models.CapabilityLocation) {
		p.Location = b
	}
	if b.Supported(models.CapabilityAmbientLight) {
		p.Light = b
	}
	if b.Supported(models.CapabilityAudio) {
		p.Audio = b
	}
	if b.Supported(models.CapabilityDiscovery) {
		p.Discovery = b
	}
	if b.Supported(models.CapabilityBattery) {
		p.Battery = b
	}
	return p
}

// SubscribeMotion 订阅加速度推送
func (b *Bridge) SubscribeMotion(ctx context.Context, handler func(value models.MotionValue, at time.Time)) (sensor.Unsubscribe, error) {
	unsubscribe, err := b.watch(models.CapabilityMotion, func(msg sensorMessage) {
		var v models.MotionValue
		if !b.decodePush(models.CapabilityMotion, msg, &v) {
			return
		}
		handler(v, b.timestamp(msg.Timestamp))
	})
	if err != nil {
		return nil, err
	}
	return sensor.Unsubscribe(unsubscribe), nil
}

// SubscribeOrientation 订阅朝向推送
func (b *Bridge) SubscribeOrientation(ctx context.Context, handler func(value models.OrientationValue, at time.Time)) (sensor.Unsubscribe, error) {
	unsubscribe, err := b.watch(models.CapabilityOrientation, func(msg sensorMessage) {
		var v models.OrientationValue
		if !b.decodePush(models.CapabilityOrientation, msg, &v) {
			return
		}
		handler(v, b.timestamp(msg.Timestamp))
	})
	if err != nil {
		return nil, err
	}
	return sensor.Unsubscribe(unsubscribe), nil
}

// WatchPosition 持续定位；设备上报的错误交给 onError
func (b *Bridge) WatchPosition(ctx context.Context, onFix func(value models.LocationValue, at time.Time), onError func(err error)) (sensor.Unsubscribe, error) {
	unsubscribe, err := b.watch(models.CapabilityLocation, func(msg sensorMessage) {
		if msg.Error != "" {
			onError(deviceError(msg.Error, models.ErrTransientRead))
			return
		}
		var v models.LocationValue
		if err := json.Unmarshal(msg.Value, &v); err != nil {
			onError(err)
			return
		}
		onFix(v, b.timestamp(msg.Timestamp))
	})
	if err != nil {
		return nil, err
	}
	return sensor.Unsubscribe(unsubscribe), nil
}

// decodePush 解析推送读数；推送类能力的设备错误只记录日志
func (b *Bridge) decodePush(capability models.Capability, msg sensorMessage, out interface{}) bool {
	if msg.Error != "" {
		b.logger.Warn("Device reported sensor error",
			zap.String("capability", string(capability)),
			zap.String("error", msg.Error),
		)
		return false
	}
	if err := json.Unmarshal(msg.Value, out); err != nil {
		b.logger.Warn("Invalid sensor payload",
			zap.String("capability", string(capability)),
			zap.Error(err),
		)
		return false
	}
	return true
}

// ReadIlluminance 请求一次环境光读数
func (b *Bridge) ReadIlluminance(ctx context.Context) (float64, error) {
	var v models.LightValue
	if err := b.probe(ctx, models.CapabilityAmbientLight, &v); err != nil {
		return 0, err
	}
	return v.Illuminance, nil
}

// ProbeMicrophone 请求麦克风探测
func (b *Bridge) ProbeMicrophone(ctx context.Context) (models.AudioValue, error) {
	var v models.AudioValue
	if err := b.probe(ctx, models.CapabilityAudio, &v); err != nil {
		return models.AudioValue{}, err
	}
	return v, nil
}

// discoveredDevice 扫描结果的线上格式
type discoveredDevice struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ServiceUUIDs []string `json:"service_uuids"`
	RSSI         *int     `json:"rssi,omitempty"`
	Battery      *int     `json:"battery,omitempty"`
	Connected    bool     `json:"connected"`
}

// Scan 请求一次近场扫描
func (b *Bridge) Scan(ctx context.Context) ([]sensor.DiscoveredDevice, error) {
	var wire []discoveredDevice
	if err := b.probe(ctx, models.CapabilityDiscovery, &wire); err != nil {
		return nil, err
	}
	devices := make([]sensor.DiscoveredDevice, 0, len(wire))
	for _, d := range wire {
		devices = append(devices, sensor.DiscoveredDevice{
			ID:           d.ID,
			Name:         d.Name,
			ServiceUUIDs: d.ServiceUUIDs,
			RSSI:         d.RSSI,
			Battery:      d.Battery,
			Connected:    d.Connected,
		})
	}
	return devices, nil
}

// batteryStatus 电池状态线上格式（level 为 0-1）
type batteryStatus struct {
	Level    float64 `json:"level"`
	Charging bool    `json:"charging"`
}

// QueryBattery 请求电池状态
func (b *Bridge) QueryBattery(ctx context.Context) (sensor.BatteryStatus, error) {
	var v batteryStatus
	if err := b.probe(ctx, models.CapabilityBattery, &v); err != nil {
		return sensor.BatteryStatus{}, err
	}
	return sensor.BatteryStatus{Level: v.Level, Charging: v.Charging}, nil
}
