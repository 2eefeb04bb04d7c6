package notify

import (
	"context"
	"fmt"
	"time"

	"vitalwatch-core/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookChannel 调用后端 HTTP 回调（失败自动重试）
type WebhookChannel struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

// NewWebhookChannel 创建 HTTP 回调通道
func NewWebhookChannel(url string, retries int, timeout time.Duration, logger *zap.Logger) *WebhookChannel {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// 网络错误与 5xx 重试，4xx 不重试
			return err != nil || r.StatusCode() >= 500
		})

	return &WebhookChannel{client: client, url: url, logger: logger}
}

func (c *WebhookChannel) Name() string { return "webhook" }

// Send POST 通知 JSON
func (c *WebhookChannel) Send(ctx context.Context, notice models.IncidentNotice) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("X-Notice-Id", notice.NoticeID).
		SetBody(notice).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	if resp.IsError() {
		c.logger.Error("Webhook returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("incident_id", notice.IncidentID),
		)
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
