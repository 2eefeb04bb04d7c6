package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"vitalwatch-core/internal/models"
)

// Publisher MQTT 发布（common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTChannel 发布到 MQTT，主题为 <prefix>/<kind>
type MQTTChannel struct {
	publisher Publisher
	prefix    string
	qos       byte
}

// NewMQTTChannel 创建 MQTT 通道
func NewMQTTChannel(publisher Publisher, prefix string, qos byte) *MQTTChannel {
	return &MQTTChannel{publisher: publisher, prefix: prefix, qos: qos}
}

func (c *MQTTChannel) Name() string { return "mqtt" }

// Send 发布 JSON 载荷
func (c *MQTTChannel) Send(ctx context.Context, notice models.IncidentNotice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}
	topic := fmt.Sprintf("%s/%s", c.prefix, notice.Kind)
	if err := c.publisher.Publish(topic, c.qos, false, payload); err != nil {
		return fmt.Errorf("failed to publish notice to %s: %w", topic, err)
	}
	return nil
}
