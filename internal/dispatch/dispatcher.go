package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"chain-monitor/internal/event"
	"chain-monitor/internal/ledger"
	"chain-monitor/pkg/logger"
	"chain-monitor/pkg/monitor"

	"go.uber.org/zap"
)

// Task 一条待投递的通知任务
type Task struct {
	Event     event.BalanceChangedEvent
	Attempts  int
	LastError string
}

// Options 分发器参数
type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// EnqueueWait 队列满时生产者最多等多久; 超时淘汰最旧任务给新任务让位,
	// 扫链线程绝不被通知积压无限阻塞
	EnqueueWait time.Duration
}

// Dispatcher 通知分发器
// 有界队列 + 固定 worker 池; 每个任务独立重试 (指数退避),
// 重试耗尽进死信; 任何投递失败都不会传导回扫链
type Dispatcher struct {
	queue     chan *Task
	done      chan struct{}
	deliverer Deliverer
	outcomes  ledger.Outcomes
	opts      Options

	wg          sync.WaitGroup
	mu          sync.Mutex
	closed      bool
	deadLetters atomic.Int64
	shed        atomic.Int64
}

func New(deliverer Deliverer, outcomes ledger.Outcomes, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 2 * time.Second
	}
	return &Dispatcher{
		queue:     make(chan *Task, opts.QueueSize),
		done:      make(chan struct{}),
		deliverer: deliverer,
		outcomes:  outcomes,
		opts:      opts,
	}
}

// Start 启动 worker 池
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	logger.Info("通知分发器已启动", zap.Int("workers", d.opts.Workers), zap.Int("queue", d.opts.QueueSize))
}

// Notify 实现 ledger.Notifier: 包装成任务入队
func (d *Dispatcher) Notify(evt event.BalanceChangedEvent) {
	d.Enqueue(&Task{Event: evt})
}

// Enqueue 入队; 队列满时短暂阻塞, 超过阈值后淘汰最旧任务
// 关停后入队直接丢弃, 任务仍在库中 (notified=false) 等待重启续投
func (d *Dispatcher) Enqueue(task *Task) {
	select {
	case d.queue <- task:
		return
	case <-d.done:
		return
	default:
	}

	// 队列已满: 先短暂等待
	timer := time.NewTimer(d.opts.EnqueueWait)
	defer timer.Stop()
	select {
	case d.queue <- task:
		return
	case <-d.done:
		return
	case <-timer.C:
	}

	// 仍然满: 淘汰最旧任务, 腾位置给新任务
	for {
		select {
		case old := <-d.queue:
			d.shed.Add(1)
			if monitor.Business != nil {
				monitor.Business.QueueShedTotal.Inc()
			}
			logger.Warn("通知队列背压, 淘汰最旧任务", zap.String("event_key", old.Event.EventKey))
		case <-d.done:
			return
		default:
		}
		select {
		case d.queue <- task:
			return
		case <-d.done:
			return
		default:
			// 其他生产者抢先填满, 再淘汰一轮
		}
	}
}

// Stop 停止接收新任务并排空在途任务
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	// 只关信号通道, 不关队列: 生产者可能正阻塞在入队上,
	// 向已关闭通道发送会 panic
	close(d.done)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("通知分发器已排空退出")
	case <-ctx.Done():
		logger.Warn("通知分发器退出超时, 未投递任务仍在库中待续投")
	}
}

// DeadLetterCount 本进程累计的死信数量
func (d *Dispatcher) DeadLetterCount() int64 {
	return d.deadLetters.Load()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case task := <-d.queue:
			d.process(ctx, task)
		case <-d.done:
			// 收到关停信号: 排空已入队的任务再退出
			for {
				select {
				case task := <-d.queue:
					d.process(ctx, task)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, task *Task) {
	for task.Attempts < d.opts.MaxAttempts {
		task.Attempts++

		start := time.Now()
		err := d.deliverer.Deliver(ctx, task)
		if monitor.Business != nil {
			monitor.Business.NotificationDuration.Observe(time.Since(start).Seconds())
		}

		if err == nil {
			if monitor.Business != nil {
				monitor.Business.NotificationsTotal.WithLabelValues("delivered").Inc()
			}
			if d.outcomes != nil {
				if mErr := d.outcomes.MarkDelivered(ctx, task.Event.EventKey); mErr != nil {
					// 标记失败只会导致重启后重复投递, at-least-once 语义允许
					logger.Error("标记投递成功失败", zap.Error(mErr))
				}
			}
			return
		}

		task.LastError = err.Error()
		if monitor.Business != nil {
			monitor.Business.NotificationsTotal.WithLabelValues("failed").Inc()
		}
		logger.Warn("通知投递失败",
			zap.String("event_key", task.Event.EventKey),
			zap.Int("attempt", task.Attempts),
			zap.Error(err))

		if task.Attempts >= d.opts.MaxAttempts {
			break
		}
		if !d.sleep(ctx, d.backoff(task.Attempts)) {
			// 关停中: 不再重试, 任务留在库里 (notified=false) 重启续投
			return
		}
	}

	d.toDeadLetter(ctx, task)
}

// backoff 第 attempt 次失败后的等待时长 (指数, 封顶)
func (d *Dispatcher) backoff(attempt int) time.Duration {
	wait := d.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= d.opts.BackoffMax {
			return d.opts.BackoffMax
		}
	}
	return wait
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) toDeadLetter(ctx context.Context, task *Task) {
	d.deadLetters.Add(1)
	if monitor.Business != nil {
		monitor.Business.DeadLettersTotal.Inc()
	}

	payload, _ := json.Marshal(task.Event)
	if d.outcomes != nil {
		if err := d.outcomes.DeadLetter(ctx, task.Event.EventKey, payload, task.Attempts, task.LastError); err != nil {
			logger.Error("写入死信失败", zap.Error(err))
		}
	}
	logger.Error("通知任务进入死信",
		zap.String("event_key", task.Event.EventKey),
		zap.Int("attempts", task.Attempts),
		zap.String("last_error", task.LastError))
}
