package sensor

import (
	"context"
	"strings"

	"vitalwatch-core/internal/models"

	"go.uber.org/zap"
)

// DiscoveryAdapter 近场设备发现适配器
type DiscoveryAdapter struct {
	probeAdapter
}

// NewDiscoveryAdapter 创建近场发现适配器
func NewDiscoveryAdapter(scanner DeviceScanner, opts Options, logger *zap.Logger) *DiscoveryAdapter {
	a := &DiscoveryAdapter{}
	a.init(models.CapabilityDiscovery, LivenessProbe, opts, logger)
	if scanner != nil {
		a.probe = func(ctx context.Context) (models.ReadingValue, int, error) {
			found, err := scanner.Scan(ctx)
			if err != nil {
				return nil, 0, err
			}
			devices := make([]models.NearbyDevice, 0, len(found))
			for _, d := range found {
				devices = append(devices, models.NearbyDevice{
					ID:        d.ID,
					Name:      d.Name,
					Type:      ClassifyDevice(d.Name, d.ServiceUUIDs),
					RSSI:      d.RSSI,
					Battery:   d.Battery,
					Connected: d.Connected,
				})
			}
			return models.DiscoveryValue{Devices: devices}, 70, nil
		}
	}
	return a
}

// 标准 GATT 服务 UUID 前缀
var serviceTypes = []struct {
	prefix string
	typ    models.DeviceType
}{
	{"0000110b", models.DeviceHeadphones}, // Audio Sink
	{"0000180d", models.DeviceFitness},    // Heart Rate
	{"0000180f", models.DeviceFitness},    // Battery Service
	{"00001812", models.DeviceSmartwatch}, // HID
}

// 设备名关键词（按顺序匹配）
var nameTypes = []struct {
	keywords []string
	typ      models.DeviceType
}{
	{[]string{"headphone", "buds", "airpods"}, models.DeviceHeadphones},
	{[]string{"watch", "band", "fit"}, models.DeviceSmartwatch},
	{[]string{"speaker", "sound"}, models.DeviceSpeaker},
	{[]string{"phone", "mobile"}, models.DevicePhone},
}

// ClassifyDevice 先按服务 UUID 再按名称判断设备类型
func ClassifyDevice(name string, serviceUUIDs []string) models.DeviceType {
	for _, uuid := range serviceUUIDs {
		lower := strings.ToLower(uuid)
		for _, st := range serviceTypes {
			if strings.HasPrefix(lower, st.prefix) {
				return st.typ
			}
		}
	}

	lower := strings.ToLower(name)
	for _, nt := range nameTypes {
		for _, kw := range nt.keywords {
			if strings.Contains(lower, kw) {
				return nt.typ
			}
		}
	}
	return models.DeviceUnknown
}
