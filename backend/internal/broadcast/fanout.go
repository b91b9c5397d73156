package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"social-interaction-service/backend/internal/entity"
	"social-interaction-service/backend/internal/metrics"
	"social-interaction-service/backend/internal/repo"
)

type Sink struct {
	Name string
	repo.Broadcaster
}

// Fanout 发给所有通道。只有全部失败才返回错误，避免重试时重复推送到已经成功的通道
type Fanout struct {
	sinks   []Sink
	metrics metrics.Recorder
}

var _ repo.Broadcaster = (*Fanout)(nil)

func NewFanout(rec metrics.Recorder, sinks ...Sink) *Fanout {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Fanout{sinks: sinks, metrics: rec}
}

func (f *Fanout) Publish(ctx context.Context, evt entity.Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, evt); err != nil {
			f.metrics.RecordBroadcastFailure(s.Name)
			slog.Warn("broadcast failed",
				slog.String("sink", s.Name),
				slog.String("room", evt.Ref().Room()),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	if len(errs) > 0 && len(errs) == len(f.sinks) {
		return errors.Join(errs...)
	}
	return nil
}
