package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"vitalwatch-core/internal/emergency"
	"vitalwatch-core/internal/models"
)

type mediaArgs struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

type mediaTrack struct {
	ID   string              `json:"id"`
	Kind emergency.TrackKind `json:"kind"`
}

type mediaResult struct {
	Tracks []mediaTrack `json:"tracks"`
}

type stopArgs struct {
	TrackID string `json:"track_id"`
}

// remoteTrack 设备端打开的媒体轨道，Stop 下发停止命令
type remoteTrack struct {
	bridge *Bridge
	id     string
	kind   emergency.TrackKind
}

func (t *remoteTrack) ID() string                { return t.id }
func (t *remoteTrack) Kind() emergency.TrackKind { return t.kind }

func (t *remoteTrack) Stop() error {
	payload, err := json.Marshal(request{RequestID: t.id, Args: stopArgs{TrackID: t.id}})
	if err != nil {
		return fmt.Errorf("failed to marshal stop request: %w", err)
	}
	return t.bridge.transport.Publish(t.bridge.topic("cmd", "media_stop"), t.bridge.qos, false, payload)
}

// Acquire 请求设备打开媒体轨道
// 设备失败时仍可能返回部分轨道，这些轨道一并交给调用方释放
func (b *Bridge) Acquire(ctx context.Context, constraints emergency.MediaConstraints) ([]emergency.MediaTrack, error) {
	resp, err := b.call(ctx, "media_acquire", mediaArgs{Audio: constraints.Audio, Video: constraints.Video})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrResourceAcquisition, err)
	}

	var result mediaResult
	if len(resp.Value) > 0 {
		if err := json.Unmarshal(resp.Value, &result); err != nil && resp.Error == "" {
			return nil, fmt.Errorf("%w: invalid media result: %v", models.ErrResourceAcquisition, err)
		}
	}

	tracks := make([]emergency.MediaTrack, 0, len(result.Tracks))
	for _, t := range result.Tracks {
		tracks = append(tracks, &remoteTrack{bridge: b, id: t.ID, kind: t.Kind})
	}

	if resp.Error != "" {
		return tracks, fmt.Errorf("device reported %s: %w", resp.Error, models.ErrResourceAcquisition)
	}
	return tracks, nil
}
