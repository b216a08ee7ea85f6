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

	"github.com/google/uuid"

	"geoetl/internal/core"
	"geoetl/internal/store"
	"geoetl/internal/taskqueue"
	pkgerrors "geoetl/pkg/errors"
	"geoetl/pkg/log"
	"geoetl/pkg/metrics"
)

// 任务数低于该值走直发路径（逐条 Send，不建 batch 行）
const DefaultDirectThreshold = 50

// Coordinator 两阶段派发：先落库 pending_queue，队列发送成功后置 queued。
// 任一批发送失败即停止后续批（fail-stop），滞留行由 Sweeper 补偿。
// store 批与队列批按 MaxBatch 对齐，一个 batch 行对应恰好一次队列批发送。
type Coordinator struct {
	store           store.Store
	queue           taskqueue.Queue
	log             *log.Logger
	directThreshold int
}

// NewCoordinator 创建派发协调器；directThreshold <= 0 取默认 50
func NewCoordinator(st store.Store, q taskqueue.Queue, logger *log.Logger, directThreshold int) *Coordinator {
	if directThreshold <= 0 {
		directThreshold = DefaultDirectThreshold
	}
	return &Coordinator{store: st, queue: q, log: logger.WithComponent("batch"), directThreshold: directThreshold}
}

// buildTasks 由 TaskDef 推导确定性任务行；恢复路径重新调用产出相同 ID
func buildTasks(job *core.Job, stage int, defs []core.TaskDef) []*core.Task {
	tasks := make([]*core.Task, len(defs))
	for i, def := range defs {
		tasks[i] = &core.Task{
			ID:       core.DeriveTaskID(job.ID, stage, core.TaskKey(def, i)),
			JobID:    job.ID,
			Stage:    stage,
			Type:     def.Type,
			Params:   def.Params,
			Status:   core.TaskPendingQueue,
			Sequence: i,
			Queue:    def.Queue,
		}
	}
	return tasks
}

func messageOf(t *core.Task) *core.Message {
	return &core.Message{TaskID: t.ID, JobID: t.JobID, Stage: t.Stage, TaskType: t.Type, Params: t.Params}
}

// Dispatch 将一个 Stage 的任务定义落库并送入队列，返回新建任务行数。
// 恢复路径重复调用安全：确定性 ID 下行只补缺失的，消息可能重复发送，
// 由至少一次投递语义与任务状态只前进兜住。
func (c *Coordinator) Dispatch(ctx context.Context, job *core.Job, stage int, defs []core.TaskDef) (int, error) {
	if len(defs) == 0 {
		return 0, nil
	}
	tasks := buildTasks(job, stage, defs)
	if len(tasks) < c.directThreshold {
		return c.dispatchDirect(ctx, job, stage, tasks)
	}
	return c.dispatchBatched(ctx, job, stage, tasks)
}

// dispatchDirect 小批量路径：一次落库、逐条发送
func (c *Coordinator) dispatchDirect(ctx context.Context, job *core.Job, stage int, tasks []*core.Task) (int, error) {
	created, err := c.store.BatchCreateTasks(ctx, tasks)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		if err := c.queue.Send(ctx, messageOf(t)); err != nil {
			metrics.QueueSendFailTotal.WithLabelValues(backendName(c.queue)).Inc()
			c.log.Error("任务入队失败，停止派发",
				"job_id", job.ID, "stage", stage, "task_id", t.ID, "error", err)
			// 剩余 pending_queue 行交给 sweep
			return created, pkgerrors.Wrapf(pkgerrors.ErrQueueSend, "task %s: %v", t.ID, err)
		}
		if err := c.store.BatchUpdateTaskStatus(ctx, []string{t.ID}, core.TaskQueued); err != nil {
			return created, err
		}
	}
	c.log.Info("直发派发完成", "job_id", job.ID, "stage", stage, "tasks", len(tasks))
	return created, nil
}

// dispatchBatched 批量路径：按队列后端的 MaxBatch 对齐切块，
// 每块一个 batch 行，store 批与队列批一一对应。
// 先全量落库、后逐块发送：完成检测按现存行计数，
// 行基数不全时先发出的块一旦全部完成，Stage 会被提前判定为完成
func (c *Coordinator) dispatchBatched(ctx context.Context, job *core.Job, stage int, tasks []*core.Task) (int, error) {
	unit := c.queue.MaxBatch()
	var chunks [][]*core.Task
	for start := 0; start < len(tasks); start += unit {
		end := start + unit
		if end > len(tasks) {
			end = len(tasks)
		}
		chunks = append(chunks, tasks[start:end])
	}

	created := 0
	for _, chunk := range chunks {
		n, err := c.createChunk(ctx, job, stage, chunk)
		created += n
		if err != nil {
			return created, err
		}
	}
	for _, chunk := range chunks {
		if err := c.sendChunk(ctx, job, stage, chunk); err != nil {
			return created, err
		}
	}
	c.log.Info("批量派发完成", "job_id", job.ID, "stage", stage, "tasks", len(tasks))
	return created, nil
}

// createChunk 落库阶段：batch 行 + 任务行（pending_queue），一块一个 batch_id
func (c *Coordinator) createChunk(ctx context.Context, job *core.Job, stage int, chunk []*core.Task) (int, error) {
	batchID := uuid.New().String()
	for _, t := range chunk {
		t.BatchID = batchID
	}
	if err := c.store.CreateBatch(ctx, &core.Batch{
		ID: batchID, JobID: job.ID, Stage: stage, Size: len(chunk), Status: core.BatchPending,
	}); err != nil {
		return 0, err
	}
	created, err := c.store.BatchCreateTasks(ctx, chunk)
	if err != nil {
		return 0, err
	}
	metrics.BatchSizeObserved.Observe(float64(len(chunk)))
	return created, nil
}

// sendChunk 发送阶段：队列批发送成功后任务置 queued、batch 行置 sent
func (c *Coordinator) sendChunk(ctx context.Context, job *core.Job, stage int, chunk []*core.Task) error {
	batchID := chunk[0].BatchID
	msgs := make([]*core.Message, len(chunk))
	for i, t := range chunk {
		msgs[i] = messageOf(t)
	}
	res, err := c.queue.SendBatch(ctx, msgs)
	if err != nil {
		metrics.BatchSendTotal.WithLabelValues("failed").Inc()
		_ = c.store.UpdateBatch(ctx, batchID, core.BatchPending, 1, err.Error())
		return err
	}
	if len(res.Failed) > 0 {
		// 部分失败：成功的置 queued，失败的留在 pending_queue 交给 sweep，停止后续批
		metrics.BatchSendTotal.WithLabelValues("failed").Inc()
		metrics.QueueSendFailTotal.WithLabelValues(backendName(c.queue)).Add(float64(len(res.Failed)))
		failed := make(map[int]bool, len(res.Failed))
		for _, idx := range res.Failed {
			failed[idx] = true
		}
		var sentIDs []string
		for i, t := range chunk {
			if !failed[i] {
				sentIDs = append(sentIDs, t.ID)
			}
		}
		if len(sentIDs) > 0 {
			if err := c.store.BatchUpdateTaskStatus(ctx, sentIDs, core.TaskQueued); err != nil {
				return err
			}
		}
		firstErr := res.Errors[0]
		_ = c.store.UpdateBatch(ctx, batchID, core.BatchPending, 1, firstErr.Error())
		c.log.Error("批量发送部分失败",
			"job_id", job.ID, "stage", stage, "batch_id", batchID,
			"sent", res.Sent, "failed", len(res.Failed), "error", firstErr)
		return pkgerrors.Wrapf(pkgerrors.ErrQueueSend, "batch %s: %d 条发送失败", batchID, len(res.Failed))
	}

	ids := make([]string, len(chunk))
	for i, t := range chunk {
		ids[i] = t.ID
	}
	if err := c.store.BatchUpdateTaskStatus(ctx, ids, core.TaskQueued); err != nil {
		return err
	}
	if err := c.store.UpdateBatch(ctx, batchID, core.BatchSent, 1, ""); err != nil {
		return err
	}
	metrics.BatchSendTotal.WithLabelValues("sent").Inc()
	return nil
}

func backendName(q taskqueue.Queue) string {
	switch q.(type) {
	case *taskqueue.PgQueue:
		return "postgres"
	case *taskqueue.RedisQueue:
		return "redis"
	default:
		return "memory"
	}
}
