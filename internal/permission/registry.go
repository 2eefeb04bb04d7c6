package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vitalwatch-core/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Prompter 平台权限弹窗（黑盒）
type Prompter interface {
	// Supported 平台是否具备该能力
	Supported(capability models.Capability) bool
	// Prompt 弹出权限申请，返回平台给出的结果
	Prompt(ctx context.Context, capability models.Capability) (models.PermissionState, error)
}

// WatchFunc 权限状态变化回调
type WatchFunc func(capability models.Capability, previous, current models.PermissionState)

// Registry 权限注册表
// 状态只会被显式的 Request 调用改变，注册表自身从不重试
type Registry struct {
	prompter Prompter
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	entries map[models.Capability]models.CapabilityPermission

	watchMu  sync.Mutex
	watchers map[uint64]WatchFunc
	nextID   uint64
	notifyMu sync.Mutex // 保证观察者按变化顺序收到通知

	group singleflight.Group
}

// NewRegistry 创建权限注册表
func NewRegistry(prompter Prompter, timeout time.Duration, logger *zap.Logger) *Registry {
	r := &Registry{
		prompter: prompter,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[models.Capability]models.CapabilityPermission),
		watchers: make(map[uint64]WatchFunc),
	}

	for _, capability := range models.AllCapabilities() {
		state := models.PermissionUnknown
		if prompter == nil || !prompter.Supported(capability) {
			state = models.PermissionUnsupported
		}
		r.entries[capability] = models.CapabilityPermission{Capability: capability, State: state}
	}

	return r
}

// Get 同步读取权限状态（无副作用）
func (r *Registry) Get(capability models.Capability) models.PermissionState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[capability]
	if !ok {
		return models.PermissionUnsupported
	}
	return entry.State
}

// Permission 读取完整的权限记录
func (r *Registry) Permission(capability models.Capability) models.CapabilityPermission {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[capability]
	if !ok {
		return models.CapabilityPermission{Capability: capability, State: models.PermissionUnsupported}
	}
	return entry
}

// All 全部权限记录（固定顺序）
func (r *Registry) All() []models.CapabilityPermission {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.CapabilityPermission, 0, len(r.entries))
	for _, capability := range models.AllCapabilities() {
		out = append(out, r.entries[capability])
	}
	return out
}

// Request 用户发起的权限申请
// 从不返回错误：平台拒绝、超时、弹窗失败都视为 denied
func (r *Registry) Request(ctx context.Context, capability models.Capability) models.PermissionState {
	if !capability.Valid() {
		return models.PermissionUnsupported
	}
	if r.Get(capability) == models.PermissionUnsupported {
		return models.PermissionUnsupported
	}

	// 同一能力的并发申请共享一次弹窗
	v, _, _ := r.group.Do(string(capability), func() (interface{}, error) {
		return r.prompt(ctx, capability), nil
	})
	state := v.(models.PermissionState)

	r.set(capability, state)
	return state
}

// Watch 订阅权限变化，返回取消订阅函数
func (r *Registry) Watch(fn WatchFunc) func() {
	r.watchMu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = fn
	r.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.watchMu.Lock()
			delete(r.watchers, id)
			r.watchMu.Unlock()
		})
	}
}

func (r *Registry) prompt(ctx context.Context, capability models.Capability) models.PermissionState {
	// 弹窗不随调用方取消，只受超时约束
	promptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	type result struct {
		state models.PermissionState
		err   error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("permission prompt panicked: %v", p)}
			}
		}()
		state, err := r.prompter.Prompt(promptCtx, capability)
		done <- result{state: state, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			r.logger.Warn("Permission prompt failed, treating as denied",
				zap.String("capability", string(capability)),
				zap.Error(res.err),
			)
			return models.PermissionDenied
		}
		return normalize(res.state)
	case <-promptCtx.Done():
		err := promptCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("Permission prompt timed out, treating as denied",
				zap.String("capability", string(capability)),
				zap.Duration("timeout", r.timeout),
			)
		}
		return models.PermissionDenied
	}
}

// normalize 平台结果只可能是 granted / denied / unsupported
func normalize(state models.PermissionState) models.PermissionState {
	switch state {
	case models.PermissionGranted, models.PermissionUnsupported:
		return state
	default:
		return models.PermissionDenied
	}
}

func (r *Registry) set(capability models.Capability, state models.PermissionState) {
	now := r.now()

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	entry := r.entries[capability]
	previous := entry.State
	entry.State = state
	entry.LastRequestedAt = &now
	r.entries[capability] = entry
	r.mu.Unlock()

	r.logger.Info("Permission requested",
		zap.String("capability", string(capability)),
		zap.String("previous", string(previous)),
		zap.String("state", string(state)),
	)

	if previous != state {
		r.notify(capability, previous, state)
	}
}

// notify 调用方需持有 notifyMu
func (r *Registry) notify(capability models.Capability, previous, current models.PermissionState) {
	r.watchMu.Lock()
	fns := make([]WatchFunc, 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	r.watchMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("Permission watcher panicked",
						zap.String("capability", string(capability)),
						zap.Any("panic", p),
					)
				}
			}()
			fn(capability, previous, current)
		}()
	}
}
