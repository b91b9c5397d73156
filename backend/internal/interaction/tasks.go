package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"social-interaction-service/backend/internal/entity"
	"social-interaction-service/backend/internal/repo"
	"social-interaction-service/backend/internal/worker"
)

const (
	opToggle  = "toggle"
	opView    = "view"
	opShare   = "share"
	opComment = "comment"
)

// durableTask 持久化写入。所有写入都是幂等的，进死信后可以原样重放
type durableTask struct {
	Op      string             `json:"op"`
	Toggle  *repo.ToggleWrite  `json:"toggle,omitempty"`
	View    *repo.ViewWrite    `json:"view,omitempty"`
	Share   *repo.ShareWrite   `json:"share,omitempty"`
	Comment *repo.CommentWrite `json:"comment,omitempty"`

	durable repo.DurableRepo
}

var _ worker.Task = (*durableTask)(nil)

func (t *durableTask) ref() entity.ContentRef {
	switch {
	case t.Toggle != nil:
		return t.Toggle.Ref
	case t.View != nil:
		return t.View.Ref
	case t.Share != nil:
		return t.Share.Ref
	case t.Comment != nil:
		return t.Comment.Ref
	}
	return entity.ContentRef{}
}

func (t *durableTask) Key() string  { return t.ref().String() }
func (t *durableTask) Name() string { return "durable." + t.Op }

func (t *durableTask) Run(ctx context.Context) error {
	var err error
	switch {
	case t.Op == opToggle && t.Toggle != nil:
		_, err = t.durable.ApplyToggle(ctx, *t.Toggle)
	case t.Op == opView && t.View != nil:
		_, _, err = t.durable.RecordView(ctx, *t.View)
	case t.Op == opShare && t.Share != nil:
		_, err = t.durable.RecordShare(ctx, *t.Share)
	case t.Op == opComment && t.Comment != nil:
		_, err = t.durable.AdjustComments(ctx, *t.Comment)
	default:
		return worker.Permanent(fmt.Errorf("malformed durable task %q", t.Op))
	}
	// 内容不存在，重试没有意义
	if errors.Is(err, repo.ErrContentNotFound) {
		return worker.Permanent(err)
	}
	return err
}

func decodeDurableTask(payload []byte, durable repo.DurableRepo) (*durableTask, error) {
	var t durableTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("decode dead letter: %w", err)
	}
	if err := t.ref().Validate(); err != nil {
		return nil, fmt.Errorf("decode dead letter: %w", err)
	}
	t.durable = durable
	return &t, nil
}

type broadcastTask struct {
	evt         entity.Event
	broadcaster repo.Broadcaster
}

var _ worker.Task = (*broadcastTask)(nil)

func (t *broadcastTask) Key() string  { return t.evt.Ref().String() }
func (t *broadcastTask) Name() string { return "broadcast." + string(t.evt.Field) }

func (t *broadcastTask) Run(ctx context.Context) error {
	return t.broadcaster.Publish(ctx, t.evt)
}

// flagTask 标记内容待对账；和同一内容的持久化任务走同一个分片
type flagTask struct {
	ref   entity.ContentRef
	recon repo.ReconcileLog
}

var _ worker.Task = (*flagTask)(nil)

func (t *flagTask) Key() string  { return t.ref.String() }
func (t *flagTask) Name() string { return "reconcile.flag" }

func (t *flagTask) Run(ctx context.Context) error {
	return t.recon.FlagForReconcile(ctx, t.ref)
}

// deadLetter 持久化任务重试耗尽：写入死信并标记内容，等对账器处理
func (s *Synchronizer) deadLetter(task worker.Task, cause error) {
	t, ok := task.(*durableTask)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opt.BackgroundTimeout)
	defer cancel()

	payload, err := json.Marshal(t)
	if err != nil {
		s.log.Error("encode dead letter failed", slog.String("task", t.Name()), slog.String("error", err.Error()))
		return
	}
	if err := s.recon.PushDeadLetter(ctx, payload); err != nil {
		// Redis 也不可用时只能留在日志里
		s.log.Error("dead letter lost",
			slog.String("payload", string(payload)),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()))
		return
	}
	s.flagCtx(ctx, t.ref())
}

// Replay 重放一条死信，返回它涉及的内容
func (s *Synchronizer) Replay(ctx context.Context, payload []byte) (entity.ContentRef, error) {
	t, err := decodeDurableTask(payload, s.durable)
	if err != nil {
		return entity.ContentRef{}, err
	}
	if err := t.Run(ctx); err != nil {
		return t.ref(), err
	}
	return t.ref(), nil
}
