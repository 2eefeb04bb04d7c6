package sensor

import (
	"context"
	"time"

	"vitalwatch-core/internal/models"
	"vitalwatch-core/internal/permission"
)

// 平台能力（黑盒），由 bridge 包或测试替身实现
// 约定：能力缺失返回 models.ErrCapabilityUnavailable，权限拒绝返回 models.ErrPermissionDenied，
// 单次失败返回 models.ErrTransientRead（均可被 %w 包装）

// Unsubscribe 取消平台订阅
type Unsubscribe func()

// MotionSource 加速度事件源（推送）
type MotionSource interface {
	SubscribeMotion(ctx context.Context, handler func(value models.MotionValue, at time.Time)) (Unsubscribe, error)
}

// OrientationSource 朝向事件源（推送）
type OrientationSource interface {
	SubscribeOrientation(ctx context.Context, handler func(value models.OrientationValue, at time.Time)) (Unsubscribe, error)
}

// LocationWatcher 持续定位
type LocationWatcher interface {
	WatchPosition(ctx context.Context, onFix func(value models.LocationValue, at time.Time), onError func(err error)) (Unsubscribe, error)
}

// LightProbe 环境光探测
type LightProbe interface {
	ReadIlluminance(ctx context.Context) (float64, error)
}

// AudioProbe 麦克风存在性探测
type AudioProbe interface {
	ProbeMicrophone(ctx context.Context) (models.AudioValue, error)
}

// DiscoveredDevice 近场扫描的原始结果
type DiscoveredDevice struct {
	ID           string
	Name         string
	ServiceUUIDs []string
	RSSI         *int
	Battery      *int
	Connected    bool
}

// DeviceScanner 近场设备扫描
type DeviceScanner interface {
	Scan(ctx context.Context) ([]DiscoveredDevice, error)
}

// BatteryStatus 平台电池状态（Level 为 0-1）
type BatteryStatus struct {
	Level    float64
	Charging bool
}

// BatteryQuery 电池查询
type BatteryQuery interface {
	QueryBattery(ctx context.Context) (BatteryStatus, error)
}

// PermissionPrompter 权限弹窗
type PermissionPrompter = permission.Prompter

// Platform 平台能力集合（nil 表示平台不具备）
type Platform struct {
	Motion      MotionSource
	Orientation OrientationSource
	Location    LocationWatcher
	Light       LightProbe
	Audio       AudioProbe
	Discovery   DeviceScanner
	Battery     BatteryQuery
}
