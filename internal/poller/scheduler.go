package poller

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/exchange"
	"github.com/IMINABO1/IMINABO1-Market-Simulator/internal/metrics"
)

// Task 一类数据的刷新任务
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler 每个任务一个协程：启动时立即执行一次，之后按各自周期执行。
// 同一任务串行执行，执行期间到期的 tick 被丢弃；不同任务互不阻塞
type Scheduler struct {
	tasks    []Task
	triggers map[string]chan struct{}
	log      *zap.Logger
}

func NewScheduler(log *zap.Logger, tasks ...Task) *Scheduler {
	s := &Scheduler{
		tasks:    tasks,
		triggers: make(map[string]chan struct{}, len(tasks)),
		log:      log.Named("poller"),
	}
	for _, t := range tasks {
		s.triggers[t.Name] = make(chan struct{}, 1)
	}
	return s
}

// Trigger 请求立即额外执行一次，不阻塞；多次请求会合并。不传参数时触发全部任务
func (s *Scheduler) Trigger(names ...string) {
	if len(names) == 0 {
		for name := range s.triggers {
			names = append(names, name)
		}
	}
	for _, name := range names {
		ch, ok := s.triggers[name]
		if !ok {
			s.log.Warn("trigger for unknown task", zap.String("task", name))
			continue
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// TriggerAfter 延迟 d 后触发
func (s *Scheduler) TriggerAfter(d time.Duration, names ...string) *time.Timer {
	return time.AfterFunc(d, func() { s.Trigger(names...) })
}

// Run 阻塞直到 ctx 取消且所有任务协程退出
func (s *Scheduler) Run(ctx context.Context) {
	wg := conc.NewWaitGroup()
	for _, t := range s.tasks {
		t := t
		wg.Go(func() { s.loop(ctx, t) })
	}
	s.log.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
	wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	// 初次加载
	s.runOnce(ctx, t)

	trigger := s.triggers[t.Name]
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		case <-trigger:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := t.Run(ctx)
	elapsed := time.Since(start)

	metrics.TaskRunsTotal.WithLabelValues(t.Name).Inc()
	if elapsed > t.Interval {
		metrics.TaskSkippedTotal.WithLabelValues(t.Name).Add(float64(elapsed / t.Interval))
	}

	if err == nil || (errors.Is(err, context.Canceled) && ctx.Err() != nil) {
		return
	}
	kind := exchange.Classify(err)
	metrics.FetchErrorsTotal.WithLabelValues(t.Name, string(kind)).Inc()
	s.log.Warn("refresh failed, keeping previous data",
		zap.String("task", t.Name),
		zap.String("kind", string(kind)),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))
}
