package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqttcommon "vitalwatch-core/internal/common/mqtt"
	"vitalwatch-core/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 主题格式（{prefix}/{device_id}/...）：
//   sensor/{capability}  设备推送的连续读数（motion/orientation/location）
//   cmd/{op}             服务端下发的请求（探测、权限、媒体）
//   resp/{op}            设备对请求的应答（按 request_id 关联）

// Transport MQTT 传输（*mqttcommon.Client 实现）
type Transport interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Unsubscribe(topics ...string) error
}

// ErrNotStarted 桥接尚未启动
var ErrNotStarted = errors.New("bridge not started")

// 设备应答中的错误码
const (
	deviceErrUnavailable = "unavailable"
	deviceErrUnsupported = "unsupported"
	deviceErrDenied      = "denied"
)

// Options 桥接配置
type Options struct {
	TopicPrefix  string
	DeviceID     string
	QoS          byte
	Timeout      time.Duration       // 请求未设置截止时间时的默认超时
	Capabilities []models.Capability // 设备具备的能力，空表示全部
	Now          func() time.Time
}

// Bridge 通过 MQTT 与手机伴侣应用交互，提供平台能力
type Bridge struct {
	transport Transport
	base      string
	qos       byte
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
	supported map[models.Capability]bool

	mu       sync.Mutex
	started  bool
	pending  map[string]chan response
	handlers map[models.Capability]map[uint64]func(sensorMessage)
	nextID   uint64
}

// request 下发到 cmd/{op} 的消息
type request struct {
	RequestID string      `json:"request_id"`
	Args      interface{} `json:"args,omitempty"`
}

// response 设备在 resp/{op} 上的应答
type response struct {
	RequestID string          `json:"request_id"`
	Error     string          `json:"error,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// sensorMessage 设备在 sensor/{capability} 上推送的读数
type sensorMessage struct {
	Timestamp int64           `json:"ts"` // unix 毫秒
	Error     string          `json:"error,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// NewBridge 创建 MQTT 桥接
func NewBridge(transport Transport, opts Options, logger *zap.Logger) *Bridge {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "vitalwatch/device"
	}
	if opts.DeviceID == "" {
		opts.DeviceID = "default"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	capabilities := opts.Capabilities
	if len(capabilities) == 0 {
		capabilities = models.AllCapabilities()
	}
	supported := make(map[models.Capability]bool, len(capabilities))
	for _, c := range capabilities {
		supported[c] = true
	}

	return &Bridge{
		transport: transport,
		base:      strings.TrimSuffix(opts.TopicPrefix, "/") + "/" + opts.DeviceID,
		qos:       opts.QoS,
		timeout:   opts.Timeout,
		now:       opts.Now,
		logger:    logger,
		supported: supported,
		pending:   make(map[string]chan response),
		handlers:  make(map[models.Capability]map[uint64]func(sensorMessage)),
	}
}

func (b *Bridge) topic(kind, name string) string {
	return b.base + "/" + kind + "/" + name
}

// Start 订阅读数与应答主题
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.transport.Subscribe(b.topic("sensor", "+"), b.qos, b.handleSensor); err != nil {
		return fmt.Errorf("failed to subscribe to sensor topic: %w", err)
	}
	if err := b.transport.Subscribe(b.topic("resp", "+"), b.qos, b.handleResponse); err != nil {
		_ = b.transport.Unsubscribe(b.topic("sensor", "+"))
		return fmt.Errorf("failed to subscribe to response topic: %w", err)
	}

	b.mu.Lock()
	b.started = true
	b.mu.Unlock()

	b.logger.Info("MQTT bridge started", zap.String("topic_base", b.base))
	return nil
}

// Stop 取消订阅；进行中的请求由各自的 ctx 结束
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	b.mu.Unlock()

	if err := b.transport.Unsubscribe(b.topic("sensor", "+"), b.topic("resp", "+")); err != nil {
		b.logger.Error("Failed to unsubscribe bridge topics", zap.Error(err))
		return err
	}
	b.logger.Info("MQTT bridge stopped")
	return nil
}

// Supported 设备是否具备该能力
func (b *Bridge) Supported(capability models.Capability) bool {
	return b.supported[capability]
}

func (b *Bridge) isStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// handleSensor 分发设备推送的读数
func (b *Bridge) handleSensor(topic string, payload []byte) error {
	capability := models.Capability(topic[strings.LastIndex(topic, "/")+1:])
	if !capability.Valid() {
		return fmt.Errorf("invalid sensor topic: %s", topic)
	}

	var msg sensorMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal sensor message: %w", err)
	}

	b.mu.Lock()
	handlers := make([]func(sensorMessage), 0, len(b.handlers[capability]))
	for _, h := range b.handlers[capability] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

// handleResponse 把应答交给等待中的请求
func (b *Bridge) handleResponse(topic string, payload []byte) error {
	var resp response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	b.mu.Lock()
	ch, ok := b.pending[resp.RequestID]
	delete(b.pending, resp.RequestID)
	b.mu.Unlock()

	if !ok {
		// 请求已超时或重复应答
		b.logger.Debug("Dropping unmatched bridge response",
			zap.String("topic", topic),
			zap.String("request_id", resp.RequestID),
		)
		return nil
	}
	ch <- resp
	return nil
}

// watch 注册某个能力的读数处理函数
func (b *Bridge) watch(capability models.Capability, handler func(sensorMessage)) (func(), error) {
	if !b.Supported(capability) {
		return nil, fmt.Errorf("%s: %w", capability, models.ErrCapabilityUnavailable)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil, ErrNotStarted
	}

	b.nextID++
	id := b.nextID
	if b.handlers[capability] == nil {
		b.handlers[capability] = make(map[uint64]func(sensorMessage))
	}
	b.handlers[capability][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[capability], id)
			b.mu.Unlock()
		})
	}, nil
}

// call 下发请求并等待应答
// 只返回传输或超时错误，设备错误码留给调用方解释
func (b *Bridge) call(ctx context.Context, op string, args interface{}) (response, error) {
	if !b.isStarted() {
		return response{}, ErrNotStarted
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan response, 1)

	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	payload, err := json.Marshal(request{RequestID: id, Args: args})
	if err != nil {
		return response{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := b.transport.Publish(b.topic("cmd", op), b.qos, false, payload); err != nil {
		return response{}, fmt.Errorf("failed to publish %s request: %w", op, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return response{}, fmt.Errorf("%s request %s: %w", op, id, ctx.Err())
	}
}

// probe 请求一次读数并解析 value
func (b *Bridge) probe(ctx context.Context, capability models.Capability, out interface{}) error {
	if !b.Supported(capability) {
		return fmt.Errorf("%s: %w", capability, models.ErrCapabilityUnavailable)
	}

	resp, err := b.call(ctx, string(capability), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransientRead, err)
	}
	if resp.Error != "" {
		return deviceError(resp.Error, models.ErrTransientRead)
	}
	if err := json.Unmarshal(resp.Value, out); err != nil {
		return fmt.Errorf("%w: invalid %s value: %v", models.ErrTransientRead, capability, err)
	}
	return nil
}

// deviceError 把设备错误码映射为错误分类
func deviceError(code string, fallback error) error {
	switch code {
	case deviceErrUnavailable, deviceErrUnsupported:
		return fmt.Errorf("device reported %s: %w", code, models.ErrCapabilityUnavailable)
	case deviceErrDenied:
		return fmt.Errorf("device reported %s: %w", code, models.ErrPermissionDenied)
	default:
		return fmt.Errorf("device reported %s: %w", code, fallback)
	}
}

func (b *Bridge) timestamp(ms int64) time.Time {
	if ms <= 0 {
		return b.now()
	}
	return time.UnixMilli(ms)
}
