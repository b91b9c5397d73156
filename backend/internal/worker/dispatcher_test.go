package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fnTask struct {
	key string
	run func(ctx context.Context) error
}

func (t fnTask) Key() string                   { return t.key }
func (t fnTask) Name() string                  { return "fn" }
func (t fnTask) Run(ctx context.Context) error { return t.run(ctx) }

func fastOptions() Options {
	return Options{
		QueueSize:      16,
		Workers:        4,
		MaxRetry:       3,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		TaskTimeout:    time.Second,
		// 同一 shard 连续入队超过 QueueSize 时等待而不是直接失败
		EnqueueTimeout: 5 * time.Second,
	}
}

func TestDispatcher_SameKeyRunsInOrder(t *testing.T) {
	opt := fastOptions()
	// 队列比任务少，入队要等 worker 腾出位置，顺序仍然不能乱
	opt.QueueSize = 8
	d := NewDispatcher("test", opt, nil, nil)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, d.Enqueue(fnTask{key: "media:m1", run: func(context.Context) error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		}}))
	}
	require.NoError(t, d.Close(context.Background()))

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	var dead atomic.Int32
	d := NewDispatcher("test", fastOptions(), func(Task, error) { dead.Add(1) }, nil)

	var calls atomic.Int32
	require.NoError(t, d.Enqueue(fnTask{key: "k", run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}}))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(0), dead.Load())
}

func TestDispatcher_DeadLettersAfterExhaustion(t *testing.T) {
	var mu sync.Mutex
	var deadErrs []error
	d := NewDispatcher("test", fastOptions(), func(_ Task, err error) {
		mu.Lock()
		deadErrs = append(deadErrs, err)
		mu.Unlock()
	}, nil)

	var calls atomic.Int32
	boom := errors.New("store down")
	require.NoError(t, d.Enqueue(fnTask{key: "k", run: func(context.Context) error {
		calls.Add(1)
		return boom
	}}))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, int32(4), calls.Load())
	require.Len(t, deadErrs, 1)
	assert.ErrorIs(t, deadErrs[0], boom)
}

func TestDispatcher_PermanentErrorIsDropped(t *testing.T) {
	var dead atomic.Int32
	d := NewDispatcher("test", fastOptions(), func(Task, error) { dead.Add(1) }, nil)

	var calls atomic.Int32
	require.NoError(t, d.Enqueue(fnTask{key: "k", run: func(context.Context) error {
		calls.Add(1)
		return Permanent(errors.New("content gone"))
	}}))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(0), dead.Load())
}

func TestDispatcher_QueueFullGoesToDeadLetter(t *testing.T) {
	opt := fastOptions()
	opt.Workers = 1
	opt.QueueSize = 1
	opt.EnqueueTimeout = 0
	var dead atomic.Int32
	d := NewDispatcher("test", opt, func(Task, error) { dead.Add(1) }, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.Enqueue(fnTask{key: "k", run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, d.Enqueue(fnTask{key: "k", run: func(context.Context) error { return nil }}))

	err := d.Enqueue(fnTask{key: "k", run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int32(1), dead.Load())

	close(release)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewDispatcher("test", fastOptions(), nil, nil)
	require.NoError(t, d.Close(context.Background()))
	assert.ErrorIs(t, d.Enqueue(fnTask{key: "k", run: func(context.Context) error { return nil }}), ErrClosed)
}

func TestDispatcher_DrainsOnClose(t *testing.T) {
	d := NewDispatcher("test", fastOptions(), nil, nil)

	var done atomic.Int32
	for i := 0; i < 40; i++ {
		require.NoError(t, d.Enqueue(fnTask{key: fmt.Sprintf("k%d", i%7), run: func(context.Context) error {
			done.Add(1)
			return nil
		}}))
	}
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(40), done.Load())
}
