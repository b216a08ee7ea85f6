// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"geoetl/internal/core"
	"geoetl/internal/store"
	"geoetl/internal/taskqueue"
	"geoetl/pkg/log"
	"geoetl/pkg/metrics"
)

// SweepOptions Sweeper 配置
type SweepOptions struct {
	Interval    time.Duration // 扫描周期，默认 30s
	MinAge      time.Duration // pending_queue 滞留多久才算漏发，默认 2m（须大于正常派发窗口）
	MaxAttempts int           // 单任务重发上限，超限置 failed，默认 5
	Rate        float64       // 每秒重发消息数上限，默认 50
	Limit       int           // 单轮扫描行数上限，默认 500
}

func (o *SweepOptions) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.MinAge <= 0 {
		o.MinAge = 2 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Rate <= 0 {
		o.Rate = 50
	}
	if o.Limit <= 0 {
		o.Limit = 500
	}
}

// Sweeper 后台补偿：周期扫描滞留在 pending_queue 的任务行重新入队。
// 两阶段派发的第二阶段失败（进程崩溃、队列抖动）后，这里兜底收敛。
// 重发限速防止故障恢复时冲垮队列后端。
type Sweeper struct {
	store   store.Store
	queue   taskqueue.Queue
	log     *log.Logger
	opts    SweepOptions
	limiter *rate.Limiter
	cron    *cron.Cron
}

// NewSweeper 创建 Sweeper
func NewSweeper(st store.Store, q taskqueue.Queue, logger *log.Logger, opts SweepOptions) *Sweeper {
	opts.withDefaults()
	return &Sweeper{
		store:   st,
		queue:   q,
		log:     logger.WithComponent("sweep"),
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), int(opts.Rate)),
	}
}

// Start 启动周期扫描
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.opts.Interval), func() {
		runCtx, cancel := context.WithTimeout(ctx, s.opts.Interval)
		defer cancel()
		if err := s.RunOnce(runCtx); err != nil {
			s.log.Error("sweep 执行失败", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("sweep 已启动", "interval", s.opts.Interval.String(), "min_age", s.opts.MinAge.String())
	return nil
}

// Stop 停止扫描，等待在途轮次结束
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce 执行一轮扫描：滞留行按队列批上限重新分组发送。
// 原 batch 边界不保留——漏发可能跨批，按当前滞留集合重切更简单且语义等价。
func (s *Sweeper) RunOnce(ctx context.Context) error {
	stale, err := s.store.ListStalePendingQueue(ctx, s.opts.MinAge, s.opts.Limit)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	s.log.Info("发现滞留任务", "count", len(stale))

	// 重试预算持久化在任务行的 attempts 上，进程重启后累计不清零
	var retry []*core.Task
	for _, t := range stale {
		n, err := s.store.IncrementTaskAttempts(ctx, t.ID)
		if err != nil {
			return err
		}
		if n > s.opts.MaxAttempts {
			if err := s.exhaust(ctx, t, n); err != nil {
				return err
			}
			continue
		}
		retry = append(retry, t)
	}

	unit := s.queue.MaxBatch()
	for start := 0; start < len(retry); start += unit {
		end := start + unit
		if end > len(retry) {
			end = len(retry)
		}
		if err := s.resend(ctx, retry[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// exhaust 重发超限：任务置 failed，关联 batch 行置 failed
func (s *Sweeper) exhaust(ctx context.Context, t *core.Task, attempts int) error {
	metrics.SweepRetryTotal.WithLabelValues("exhausted").Inc()
	s.log.Warn("任务重发超限，置为失败",
		"task_id", t.ID, "job_id", t.JobID, "stage", t.Stage, "attempts", attempts)
	errMsg := fmt.Sprintf("入队重试 %d 次未成功", attempts-1)
	if err := s.store.UpdateTaskResult(ctx, t.ID, core.TaskFailed, nil, errMsg); err != nil {
		return err
	}
	if t.BatchID != "" {
		if err := s.store.UpdateBatch(ctx, t.BatchID, core.BatchFailed, attempts, errMsg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) resend(ctx context.Context, chunk []*core.Task) error {
	if err := s.limiter.WaitN(ctx, len(chunk)); err != nil {
		return err
	}
	msgs := make([]*core.Message, len(chunk))
	for i, t := range chunk {
		msgs[i] = messageOf(t)
	}
	res, err := s.queue.SendBatch(ctx, msgs)
	if err != nil {
		metrics.SweepRetryTotal.WithLabelValues("error").Inc()
		return err
	}
	failed := make(map[int]bool, len(res.Failed))
	for _, idx := range res.Failed {
		failed[idx] = true
	}
	var sentIDs []string
	for i, t := range chunk {
		if failed[i] {
			metrics.SweepRetryTotal.WithLabelValues("error").Inc()
			continue // 留给下一轮
		}
		sentIDs = append(sentIDs, t.ID)
		metrics.SweepRetryTotal.WithLabelValues("requeued").Inc()
	}
	if len(sentIDs) == 0 {
		return nil
	}
	if err := s.store.BatchUpdateTaskStatus(ctx, sentIDs, core.TaskQueued); err != nil {
		return err
	}
	s.log.Info("滞留任务已重新入队", "count", len(sentIDs))
	return nil
}
