package notify

import (
	"context"
	"fmt"
	"sync"

	"vitalwatch-core/internal/metrics"
	"vitalwatch-core/internal/models"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Channel 单个通知通道
type Channel interface {
	Name() string
	Send(ctx context.Context, notice models.IncidentNotice) error
}

// closedLimit 记住的已结束事件数量上限
const closedLimit = 1024

// Dispatcher 通知分发器：并行投递到全部通道
// 同一事件的同一类通知只投递一次；事件结束后只保留事件 ID（有上限）
type Dispatcher struct {
	channels []Channel
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu          sync.Mutex
	open        map[string]map[models.NoticeKind]struct{}
	closed      map[string]struct{}
	closedOrder []string
	closedLimit int
}

// NewDispatcher 创建通知分发器
func NewDispatcher(logger *zap.Logger, m *metrics.Metrics, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		channels:    channels,
		metrics:     m,
		logger:      logger,
		open:        make(map[string]map[models.NoticeKind]struct{}),
		closed:      make(map[string]struct{}),
		closedLimit: closedLimit,
	}
}

// Notify 投递通知，返回各通道错误的合并结果
func (d *Dispatcher) Notify(ctx context.Context, notice models.IncidentNotice) error {
	if !d.claim(notice) {
		d.logger.Debug("Skipping duplicate notice",
			zap.String("incident_id", notice.IncidentID),
			zap.String("kind", string(notice.Kind)),
		)
		return nil
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  error
	)
	for _, ch := range d.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()

			if err := d.send(ctx, ch, notice); err != nil {
				d.metrics.NoticeFailed(ch.Name())
				d.logger.Warn("Notice delivery failed",
					zap.String("channel", ch.Name()),
					zap.String("incident_id", notice.IncidentID),
					zap.String("kind", string(notice.Kind)),
					zap.Error(err),
				)
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
				errMu.Unlock()
				return
			}
			d.metrics.NoticeSent(string(notice.Kind), ch.Name())
		}(ch)
	}
	wg.Wait()

	if errs == nil {
		d.logger.Info("Notice dispatched",
			zap.String("incident_id", notice.IncidentID),
			zap.String("kind", string(notice.Kind)),
			zap.Int("channels", len(d.channels)),
		)
	}
	return errs
}

// claim 登记一条通知，重复或事件已结束时返回 false
func (d *Dispatcher) claim(notice models.IncidentNotice) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, done := d.closed[notice.IncidentID]; done {
		return false
	}
	if terminalNotice(notice.Kind) {
		delete(d.open, notice.IncidentID)
		d.closed[notice.IncidentID] = struct{}{}
		d.closedOrder = append(d.closedOrder, notice.IncidentID)
		if len(d.closedOrder) > d.closedLimit {
			delete(d.closed, d.closedOrder[0])
			d.closedOrder = d.closedOrder[1:]
		}
		return true
	}

	kinds, ok := d.open[notice.IncidentID]
	if !ok {
		kinds = make(map[models.NoticeKind]struct{})
		d.open[notice.IncidentID] = kinds
	}
	if _, dup := kinds[notice.Kind]; dup {
		return false
	}
	kinds[notice.Kind] = struct{}{}
	return true
}

func terminalNotice(kind models.NoticeKind) bool {
	switch kind {
	case models.NoticeResolved, models.NoticeCancelled, models.NoticeExpired:
		return true
	}
	return false
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, notice models.IncidentNotice) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("channel panicked: %v", p)
		}
	}()
	return ch.Send(ctx, notice)
}

// Channels 已配置的通道名称
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}
