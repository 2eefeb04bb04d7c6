package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"vitalwatch-core/internal/models"
)

type permissionArgs struct {
	Capability models.Capability `json:"capability"`
}

type permissionResult struct {
	State models.PermissionState `json:"state"`
}

// Prompt 让设备弹出权限申请
// 设备关闭弹窗时应答 "denied"；未知结果由注册表归一为 denied
func (b *Bridge) Prompt(ctx context.Context, capability models.Capability) (models.PermissionState, error) {
	if !b.Supported(capability) {
		return models.PermissionUnsupported, nil
	}

	resp, err := b.call(ctx, "permission", permissionArgs{Capability: capability})
	if err != nil {
		return models.PermissionDenied, err
	}
	switch resp.Error {
	case "":
	case deviceErrDenied:
		return models.PermissionDenied, nil
	case deviceErrUnavailable, deviceErrUnsupported:
		return models.PermissionUnsupported, nil
	default:
		return models.PermissionDenied, fmt.Errorf("permission prompt failed: %s", resp.Error)
	}

	var result permissionResult
	if err := json.Unmarshal(resp.Value, &result); err != nil {
		return models.PermissionDenied, fmt.Errorf("failed to unmarshal permission result: %w", err)
	}
	return result.State, nil
}
