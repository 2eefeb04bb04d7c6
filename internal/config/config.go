package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"vitalwatch-core/internal/common/config"
)

// Config 守护服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 基础设施开关（未启用的组件不连接）
	Infra struct {
		DatabaseEnabled bool
		RedisEnabled    bool
		MQTTEnabled     bool
	}

	// 传感器配置
	Sensors struct {
		RefreshInterval time.Duration // 聚合器刷新周期，默认 2s
		SensorTimeout   time.Duration // 探测/定位超时，默认 15s
		ProbeInterval   time.Duration // 探测类适配器轮询间隔，默认 10s
		StaleAfter      time.Duration // 真实读数超过该时长视为过期，默认 30s
		Enabled         []string      // 启用的能力，空表示全部
	}

	// 风险推导阈值
	Risk struct {
		ImpactMagnitude float64 // 冲击加速度阈值（m/s²），默认 25
		LoudAudioDB     float64 // 呼救声级阈值（dB），默认 85
		LowBatteryLevel int     // 低电量阈值（%），默认 10
		AutoTrigger     bool    // armed 状态下高风险自动触发
	}

	// 紧急状态机配置
	Emergency struct {
		ExpiryAfter       time.Duration // 自动过期，默认 30s
		ConfirmGrace      time.Duration // 续期确认宽限，默认 10s
		MediaTimeout      time.Duration // 媒体获取超时，默认 20s
		PermissionTimeout time.Duration // 权限弹窗超时，默认 30s
	}

	// 模拟值（产品常量，不是逻辑）
	Fallback struct {
		BatteryLevel     int
		BatteryCharging  bool
		Latitude         float64
		Longitude        float64
		LocationAccuracy float64
		Illuminance      float64
		AudioLevelDB     float64
	}

	// 通知配置
	Notify struct {
		StreamName     string // Redis Stream 名称
		StreamMaxLen   int64
		MQTTTopic      string
		WebhookURL     string // 为空则不启用
		WebhookRetries int
		WebhookTimeout time.Duration
	}

	// 快照缓存
	Cache struct {
		SnapshotKey string
		SnapshotTTL time.Duration
	}

	// 设备伴侣 App 的 MQTT 主题前缀
	Bridge struct {
		TopicPrefix string
		DeviceID    string
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "vitalwatch"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 2
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "vitalwatch-core"
	cfg.MQTT.QoS = 1
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Infra.DatabaseEnabled = getEnvBool("DB_ENABLED", false)
	cfg.Infra.RedisEnabled = getEnvBool("REDIS_ENABLED", false)
	cfg.Infra.MQTTEnabled = getEnvBool("MQTT_ENABLED", false)

	cfg.Sensors.RefreshInterval = getEnvDuration("SENSOR_REFRESH_INTERVAL", 2*time.Second)
	cfg.Sensors.SensorTimeout = getEnvDuration("SENSOR_TIMEOUT", 15*time.Second)
	cfg.Sensors.ProbeInterval = getEnvDuration("SENSOR_PROBE_INTERVAL", 10*time.Second)
	cfg.Sensors.StaleAfter = getEnvDuration("SENSOR_STALE_AFTER", 30*time.Second)
	cfg.Sensors.Enabled = getEnvList("SENSOR_ENABLED")

	cfg.Risk.ImpactMagnitude = getEnvFloat("RISK_IMPACT_MAGNITUDE", 25)
	cfg.Risk.LoudAudioDB = getEnvFloat("RISK_LOUD_AUDIO_DB", 85)
	cfg.Risk.LowBatteryLevel = getEnvInt("RISK_LOW_BATTERY", 10)
	cfg.Risk.AutoTrigger = getEnvBool("RISK_AUTO_TRIGGER", true)

	cfg.Emergency.ExpiryAfter = getEnvDuration("EMERGENCY_EXPIRY", 30*time.Second)
	cfg.Emergency.ConfirmGrace = getEnvDuration("EMERGENCY_CONFIRM_GRACE", 10*time.Second)
	cfg.Emergency.MediaTimeout = getEnvDuration("EMERGENCY_MEDIA_TIMEOUT", 20*time.Second)
	cfg.Emergency.PermissionTimeout = getEnvDuration("PERMISSION_TIMEOUT", 30*time.Second)

	cfg.Fallback.BatteryLevel = getEnvInt("FALLBACK_BATTERY_LEVEL", 75)
	cfg.Fallback.BatteryCharging = false
	cfg.Fallback.Latitude = getEnvFloat("FALLBACK_LATITUDE", 0)
	cfg.Fallback.Longitude = getEnvFloat("FALLBACK_LONGITUDE", 0)
	cfg.Fallback.LocationAccuracy = 10000 // 模拟定位精度（米）
	cfg.Fallback.Illuminance = getEnvFloat("FALLBACK_ILLUMINANCE", 300)
	cfg.Fallback.AudioLevelDB = 0

	cfg.Notify.StreamName = getEnv("NOTIFY_STREAM", "vitalwatch:emergency:notices")
	cfg.Notify.StreamMaxLen = int64(getEnvInt("NOTIFY_STREAM_MAXLEN", 10000))
	cfg.Notify.MQTTTopic = getEnv("NOTIFY_MQTT_TOPIC", "vitalwatch/emergency/notices")
	cfg.Notify.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", "")
	cfg.Notify.WebhookRetries = getEnvInt("NOTIFY_WEBHOOK_RETRIES", 3)
	cfg.Notify.WebhookTimeout = getEnvDuration("NOTIFY_WEBHOOK_TIMEOUT", 5*time.Second)

	cfg.Cache.SnapshotKey = getEnv("CACHE_SNAPSHOT_KEY", "vitalwatch:snapshot:current")
	cfg.Cache.SnapshotTTL = getEnvDuration("CACHE_SNAPSHOT_TTL", 30*time.Second)

	cfg.Bridge.TopicPrefix = getEnv("BRIDGE_TOPIC_PREFIX", "vitalwatch/device")
	cfg.Bridge.DeviceID = getEnv("BRIDGE_DEVICE_ID", "default")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
