package service

import (
	"context"
	"database/sql"
	"fmt"

	"vitalwatch-core/internal/bridge"
	"vitalwatch-core/internal/cache"
	"vitalwatch-core/internal/common/database"
	mqttcommon "vitalwatch-core/internal/common/mqtt"
	rediscommon "vitalwatch-core/internal/common/redis"
	"vitalwatch-core/internal/config"
	"vitalwatch-core/internal/metrics"
	"vitalwatch-core/internal/models"
	"vitalwatch-core/internal/notify"
	"vitalwatch-core/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Infrastructure 已连接的外部依赖（按配置启用）
type Infrastructure struct {
	DB     *sql.DB
	Redis  *redis.Client
	MQTT   *mqttcommon.Client
	Bridge *bridge.Bridge
	logger *zap.Logger
}

// Connect 连接已启用的数据库、Redis、MQTT
// 任一连接失败时关闭已建立的连接并返回错误
func Connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Infrastructure, error) {
	infra := &Infrastructure{logger: logger}

	if cfg.Infra.DatabaseEnabled {
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		infra.DB = db
	}

	if cfg.Infra.RedisEnabled {
		client, err := rediscommon.Connect(ctx, &cfg.Redis)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to connect to redis: %w", err), infra.Close())
		}
		infra.Redis = client
	}

	if cfg.Infra.MQTTEnabled {
		client, err := mqttcommon.NewClient(&cfg.MQTT, logger.Named("mqtt"))
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to connect to mqtt: %w", err), infra.Close())
		}
		infra.MQTT = client

		var capabilities []models.Capability
		for _, name := range cfg.Sensors.Enabled {
			capabilities = append(capabilities, models.Capability(name))
		}
		infra.Bridge = bridge.NewBridge(client, bridge.Options{
			TopicPrefix:  cfg.Bridge.TopicPrefix,
			DeviceID:     cfg.Bridge.DeviceID,
			QoS:          cfg.MQTT.QoS,
			Timeout:      cfg.Sensors.SensorTimeout,
			Capabilities: capabilities,
		}, logger.Named("bridge"))
		if err := infra.Bridge.Start(); err != nil {
			return nil, multierr.Append(err, infra.Close())
		}
	}

	logger.Info("Infrastructure connected",
		zap.Bool("database", infra.DB != nil),
		zap.Bool("redis", infra.Redis != nil),
		zap.Bool("mqtt", infra.MQTT != nil),
	)
	return infra, nil
}

// Deps 根据已连接的依赖组装服务依赖
func (i *Infrastructure) Deps(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Deps, error) {
	deps := Deps{Metrics: m}

	if i.Bridge != nil {
		deps.Platform = i.Bridge.Platform()
		deps.Prompter = i.Bridge
		deps.Acquirer = i.Bridge
	}

	if i.DB != nil {
		repo := repository.NewIncidentRepository(i.DB, i.logger.Named("repository"))
		if err := repo.EnsureSchema(ctx); err != nil {
			return Deps{}, err
		}
		deps.Store = repo
	}

	if i.Redis != nil {
		deps.KV = cache.NewRedisKVStore(i.Redis)
		deps.Channels = append(deps.Channels, notify.NewStreamChannel(i.Redis, cfg.Notify.StreamName, cfg.Notify.StreamMaxLen))
	}
	if i.MQTT != nil {
		deps.Channels = append(deps.Channels, notify.NewMQTTChannel(i.MQTT, cfg.Notify.MQTTTopic, cfg.MQTT.QoS))
	}
	if cfg.Notify.WebhookURL != "" {
		deps.Channels = append(deps.Channels, notify.NewWebhookChannel(cfg.Notify.WebhookURL, cfg.Notify.WebhookRetries, cfg.Notify.WebhookTimeout, i.logger.Named("webhook")))
	}

	return deps, nil
}

// Close 关闭全部连接
func (i *Infrastructure) Close() error {
	var err error
	if i.Bridge != nil {
		err = multierr.Append(err, i.Bridge.Stop())
	}
	if i.MQTT != nil {
		i.MQTT.Disconnect()
	}
	if i.Redis != nil {
		err = multierr.Append(err, i.Redis.Close())
	}
	if i.DB != nil {
		err = multierr.Append(err, database.Close(i.DB))
	}
	return err
}
