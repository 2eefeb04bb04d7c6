package models

import "time"

// Capability 可监测的设备能力
type Capability string

const (
	CapabilityMotion       Capability = "motion"
	CapabilityOrientation  Capability = "orientation"
	CapabilityLocation     Capability = "location"
	CapabilityAmbientLight Capability = "ambient_light"
	CapabilityAudio        Capability = "audio"
	CapabilityDiscovery    Capability = "discovery"
	CapabilityBattery      Capability = "battery"
)

// AllCapabilities 返回全部能力（固定顺序）
func AllCapabilities() []Capability {
	return []Capability{
		CapabilityMotion,
		CapabilityOrientation,
		CapabilityLocation,
		CapabilityAmbientLight,
		CapabilityAudio,
		CapabilityDiscovery,
		CapabilityBattery,
	}
}

// Valid 是否为已知能力
func (c Capability) Valid() bool {
	for _, known := range AllCapabilities() {
		if c == known {
			return true
		}
	}
	return false
}

// PermissionState 权限状态
type PermissionState string

const (
	PermissionUnknown     PermissionState = "unknown"
	PermissionGranted     PermissionState = "granted"
	PermissionDenied      PermissionState = "denied"
	PermissionUnsupported PermissionState = "unsupported"
)

// Usable 该权限状态下是否可以读取真实数据
func (p PermissionState) Usable() bool {
	return p == PermissionGranted || p == PermissionUnknown
}

// CapabilityPermission 单个能力的权限记录
type CapabilityPermission struct {
	Capability      Capability      `json:"capability"`
	State           PermissionState `json:"state"`
	LastRequestedAt *time.Time      `json:"last_requested_at,omitempty"`
}
