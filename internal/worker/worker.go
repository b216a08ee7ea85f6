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

package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"geoetl/internal/core"
	"geoetl/internal/machine"
	"geoetl/internal/taskqueue"
	"geoetl/pkg/log"
	"geoetl/pkg/metrics"
)

// Options Worker 配置
type Options struct {
	ID           string        // 空则 hostname-uuid
	Concurrency  int           // 并发执行上限，<=0 取 4
	PollInterval time.Duration // 队列为空时的轮询间隔，<=0 取 1s
	RenewEvery   time.Duration // 执行中锁续期间隔，<=0 取 30s
}

func (o *Options) withDefaults() {
	if o.ID == "" {
		host, _ := os.Hostname()
		o.ID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RenewEvery <= 0 {
		o.RenewEvery = 30 * time.Second
	}
}

// Worker 队列消费者：拉取投递、执行 TaskHandler、上报结果。
// 信号量限制并发；长任务执行期间后台续租防止重复投递。
// 业务失败记录为任务 failed 并确认消息——重试是否发生由重新提交或上游决定，
// 队列重投只兜执行中崩溃的场景。
type Worker struct {
	queue    taskqueue.Queue
	machine  *machine.Machine
	handlers *HandlerRegistry
	opts     Options
	log      *log.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	limiter chan struct{}
}

// New 创建 Worker
func New(q taskqueue.Queue, m *machine.Machine, handlers *HandlerRegistry, logger *log.Logger, opts Options) *Worker {
	opts.withDefaults()
	return &Worker{
		queue:    q,
		machine:  m,
		handlers: handlers,
		opts:     opts,
		log:      logger.WithComponent("worker").With("worker_id", opts.ID),
		stopCh:   make(chan struct{}),
		limiter:  make(chan struct{}, opts.Concurrency),
	}
}

// Start 启动拉取循环
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("worker 启动", "concurrency", w.opts.Concurrency)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			d, err := w.queue.Receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.Error("拉取消息失败", "error", err)
				w.sleep(ctx)
				continue
			}
			if d == nil {
				w.sleep(ctx)
				continue
			}
			select {
			case w.limiter <- struct{}{}:
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer func() { <-w.limiter }()
				w.execute(ctx, d)
			}()
		}
	}()
}

// Stop 停止拉取并等待在途任务结束
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("worker 已停止")
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-time.After(w.opts.PollInterval):
	case <-w.stopCh:
	case <-ctx.Done():
	}
}

// execute 执行一次投递：置 processing、跑 handler、上报终态、确认消息
func (w *Worker) execute(ctx context.Context, d *taskqueue.Delivery) {
	msg := d.Msg
	metrics.WorkerBusy.WithLabelValues(w.opts.ID).Inc()
	defer metrics.WorkerBusy.WithLabelValues(w.opts.ID).Dec()

	handler, err := w.handlers.Get(msg.TaskType)
	if err != nil {
		// 未注册的任务类型重试也没用，直接死信并把任务置 failed
		w.log.Error("未知任务类型，转死信", "task_id", msg.TaskID, "task_type", msg.TaskType)
		if rerr := w.machine.ReportTaskResult(ctx, msg.TaskID, core.TaskFailed, nil, err.Error()); rerr != nil {
			w.log.Error("上报失败结果失败", "task_id", msg.TaskID, "error", rerr)
		}
		if derr := w.queue.DeadLetter(ctx, d, err.Error()); derr != nil {
			w.log.Error("死信失败", "task_id", msg.TaskID, "error", derr)
		}
		return
	}

	if err := w.machine.MarkTaskProcessing(ctx, msg.TaskID); err != nil {
		w.log.Error("置 processing 失败", "task_id", msg.TaskID, "error", err)
	}

	// 后台续租直到执行结束
	renewDone := make(chan struct{})
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.opts.RenewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-renewDone:
				return
			case <-ticker.C:
				if err := w.queue.RenewLock(ctx, d); err != nil {
					w.log.Warn("锁续期失败", "task_id", msg.TaskID, "error", err)
				}
			}
		}
	}()

	result, handlerErr := handler(ctx, msg)
	close(renewDone)

	if handlerErr != nil {
		w.log.Warn("任务执行失败", "task_id", msg.TaskID, "attempt", d.DeliveryCount, "error", handlerErr)
		if err := w.machine.ReportTaskResult(ctx, msg.TaskID, core.TaskFailed, nil, handlerErr.Error()); err != nil {
			w.log.Error("上报失败结果失败", "task_id", msg.TaskID, "error", err)
			return // 不确认，让重投递再试上报
		}
	} else {
		if err := w.machine.ReportTaskResult(ctx, msg.TaskID, core.TaskCompleted, result, ""); err != nil {
			w.log.Error("上报完成结果失败", "task_id", msg.TaskID, "error", err)
			return
		}
	}
	if err := w.queue.Complete(ctx, d); err != nil {
		w.log.Error("确认消息失败", "task_id", msg.TaskID, "error", err)
	}
}
