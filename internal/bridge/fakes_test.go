package bridge

import (
	"encoding/json"
	"strings"
	"sync"

	mqttcommon "vitalwatch-core/internal/common/mqtt"
)

type published struct {
	topic   string
	payload []byte
}

// fakeTransport 内存 MQTT（支持单层通配符 +）
type fakeTransport struct {
	mu        sync.Mutex
	subs      map[string]mqttcommon.MessageHandler
	published []published
	// responder 收到 cmd 请求后生成应答；返回 nil 表示不应答
	responder func(op string, req request) *response
	base      string
}

func newFakeTransport(base string) *fakeTransport {
	return &fakeTransport{
		subs: make(map[string]mqttcommon.MessageHandler),
		base: base,
	}
}

func (f *fakeTransport) Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = handler
	return nil
}

func (f *fakeTransport) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.subs, t)
	}
	return nil
}

func (f *fakeTransport) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	f.published = append(f.published, published{topic: topic, payload: payload})
	responder := f.responder
	f.mu.Unlock()

	prefix := f.base + "/cmd/"
	if responder == nil || !strings.HasPrefix(topic, prefix) {
		return nil
	}
	op := strings.TrimPrefix(topic, prefix)

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	resp := responder(op, req)
	if resp == nil {
		return nil
	}
	resp.RequestID = req.RequestID
	data, _ := json.Marshal(resp)
	go f.deliver(f.base+"/resp/"+op, data)
	return nil
}

// deliver 模拟 broker 投递
func (f *fakeTransport) deliver(topic string, payload []byte) {
	f.mu.Lock()
	var handlers []mqttcommon.MessageHandler
	for filter, h := range f.subs {
		if topicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		_ = h(topic, payload)
	}
}

func (f *fakeTransport) publishedTo(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeTransport) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	if len(fp) != len(tp) {
		return false
	}
	for i := range fp {
		if fp[i] != "+" && fp[i] != tp[i] {
			return false
		}
	}
	return true
}

func value(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
