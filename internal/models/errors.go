package models

import (
	"errors"
	"fmt"
)

var (
	// ErrCapabilityUnavailable 平台不具备该能力（永久，字段标记为模拟）
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	// ErrPermissionDenied 权限被拒绝（只能通过显式重新申请恢复）
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTransientRead 单次读取失败（下个周期重试，不改变能力状态）
	ErrTransientRead = errors.New("transient read failure")
	// ErrResourceAcquisition 媒体资源无法打开（驱动降级链）
	ErrResourceAcquisition = errors.New("resource acquisition failed")
	// ErrInvalidTransition 状态机调用不合法
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrIncidentNotFound 事件不存在
	ErrIncidentNotFound = errors.New("incident not found")
)

// TransitionError 非法迁移，携带当前状态
type TransitionError struct {
	Op      string
	Current EmergencyState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.Current)
}

// Unwrap 使 errors.Is(err, ErrInvalidTransition) 成立
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NewTransitionError 创建非法迁移错误
func NewTransitionError(op string, current EmergencyState) error {
	return &TransitionError{Op: op, Current: current}
}
