package worker

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"social-interaction-service/backend/internal/metrics"
)

var (
	ErrQueueFull = errors.New("dispatcher queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

// Task 后台任务。Key 相同的任务落在同一个 worker 上，按入队顺序执行
type Task interface {
	Key() string
	Name() string
	Run(ctx context.Context) error
}

// DeadLetterFunc 重试耗尽或入队失败时回调，交给对账器兜底
type DeadLetterFunc func(task Task, err error)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不可重试的错误，直接丢弃，不进死信
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Options struct {
	QueueSize      int
	Workers        int
	MaxRetry       int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	TaskTimeout    time.Duration
	EnqueueTimeout time.Duration
	// MaxInFlight 限制同时执行的 Run 数量，0 表示等于 Workers
	MaxInFlight int64
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = o.BaseBackoff
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 5 * time.Second
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = int64(o.Workers)
	}
	return o
}

// Dispatcher：按 key 分片的有界队列 + worker 异步执行 + 有限重试。
// - Enqueue 不阻塞请求链路，队列满时最多等 EnqueueTimeout
// - 同一个 key 只由一个 worker 消费，保证同一内容上的写入顺序
// - 重试耗尽交给 DeadLetterFunc
type Dispatcher struct {
	name       string
	opt        Options
	queues     []chan Task
	sem        *semaphore.Weighted
	deadLetter DeadLetterFunc
	metrics    metrics.Recorder
	log        *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewDispatcher(name string, opt Options, deadLetter DeadLetterFunc, rec metrics.Recorder) *Dispatcher {
	opt = opt.withDefaults()
	if rec == nil {
		rec = metrics.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		name:       name,
		opt:        opt,
		queues:     make([]chan Task, opt.Workers),
		sem:        semaphore.NewWeighted(opt.MaxInFlight),
		deadLetter: deadLetter,
		metrics:    rec,
		log:        slog.Default().With("dispatcher", name),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := range d.queues {
		d.queues[i] = make(chan Task, opt.QueueSize)
	}
	d.start()
	return d
}

func (d *Dispatcher) start() {
	for i := range d.queues {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *Dispatcher) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// Enqueue 入队失败时任务会被送进死信，调用方只需记录错误
func (d *Dispatcher) Enqueue(task Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dead(task, ErrClosed)
		return ErrClosed
	}

	q := d.queues[d.shard(task.Key())]
	select {
	case q <- task:
		return nil
	default:
	}

	if d.opt.EnqueueTimeout > 0 {
		timer := time.NewTimer(d.opt.EnqueueTimeout)
		defer timer.Stop()
		select {
		case q <- task:
			return nil
		case <-timer.C:
		}
	}
	d.dead(task, ErrQueueFull)
	return ErrQueueFull
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for task := range d.queues[workerID] {
		d.runWithRetry(workerID, task)
	}
}

func (d *Dispatcher) runWithRetry(workerID int, task Task) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opt.BaseBackoff
	b.MaxInterval = d.opt.MaxBackoff
	b.Multiplier = 2

	op := func() (struct{}, error) {
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		defer d.sem.Release(1)

		runCtx, cancel := context.WithTimeout(d.ctx, d.opt.TaskTimeout)
		defer cancel()
		err := task.Run(runCtx)
		if IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(d.ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.opt.MaxRetry+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.metrics.RecordTaskRetry(d.name)
			d.log.Debug("task retry", "task", task.Name(), "key", task.Key(), "worker", workerID, "next", next, "err", err)
		}),
	)
	if err == nil {
		return
	}
	if IsPermanent(err) {
		d.metrics.RecordTaskDropped(d.name)
		d.log.Warn("task dropped", "task", task.Name(), "key", task.Key(), "worker", workerID, "err", err)
		return
	}
	d.dead(task, err)
}

func (d *Dispatcher) dead(task Task, err error) {
	if d.deadLetter == nil {
		d.metrics.RecordTaskDropped(d.name)
		d.log.Warn("task dropped", "task", task.Name(), "key", task.Key(), "err", err)
		return
	}
	d.metrics.RecordDeadLetter(d.name)
	d.log.Warn("task dead-lettered", "task", task.Name(), "key", task.Key(), "err", err)
	d.deadLetter(task, err)
}

// Close 停止接收新任务并等待队列排空；ctx 到期后中断仍在重试的任务
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
