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

package store

import (
	"context"
	"encoding/json"
	"time"

	"geoetl/internal/core"
)

// StageRef 指向一个 (job_id, stage)，reconciler 的补偿对象
type StageRef struct {
	JobID string
	Stage int
}

// Store Job/Task 仓储：唯一事实来源。查询不存在时返回 nil, nil；存储错误一律上抛。
// 批量写入保证事务性全有或全无；任务按 Sequence 稳定排序返回，聚合因此可确定。
type Store interface {
	// CreateJob 创建 Job 行；job.ID 已存在时返回 ErrDuplicateJob 包装错误（提交层据此返回已有 Job）
	CreateJob(ctx context.Context, job *core.Job) error
	GetJob(ctx context.Context, jobID string) (*core.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status core.JobStatus) error
	// AdvanceJobStage current_stage 前移；Stage 间取消检查也读这里
	AdvanceJobStage(ctx context.Context, jobID string, stage int) error
	// SetJobResult 终态化：写入一次 result 并置终态
	SetJobResult(ctx context.Context, jobID string, status core.JobStatus, result json.RawMessage) error
	RequestCancel(ctx context.Context, jobID string) error

	// BatchCreateTasks 单次往返批量建行，事务内全有或全无；
	// task_id 冲突时跳过（确定性 ID 下的恢复重派发是幂等的），返回实际新建数
	BatchCreateTasks(ctx context.Context, tasks []*core.Task) (int, error)
	BatchUpdateTaskStatus(ctx context.Context, taskIDs []string, status core.TaskStatus) error
	// UpdateTaskResult 单任务完成上报：状态、结果、错误、attempts 自增
	UpdateTaskResult(ctx context.Context, taskID string, status core.TaskStatus, result json.RawMessage, errMsg string) error
	GetTask(ctx context.Context, taskID string) (*core.Task, error)
	// GetTasksByStage 按 Sequence 升序返回（聚合顺序确定性的基础）
	GetTasksByStage(ctx context.Context, jobID string, stage int) ([]*core.Task, error)
	CountIncompleteTasks(ctx context.Context, jobID string, stage int) (int, error)
	// ListStalePendingQueue 返回滞留 pending_queue 超过 minAge 的任务，供 sweep 重发
	ListStalePendingQueue(ctx context.Context, minAge time.Duration, limit int) ([]*core.Task, error)
	// IncrementTaskAttempts attempts 自增并返回新值：sweep 的重发预算持久化在行上，
	// 进程重启不清零。不刷新 updated_at，滞留判定不被重试自身重置
	IncrementTaskAttempts(ctx context.Context, taskID string) (int, error)

	CreateBatch(ctx context.Context, b *core.Batch) error
	UpdateBatch(ctx context.Context, batchID string, status core.BatchStatus, attempts int, lastErr string) error
	GetBatch(ctx context.Context, batchID string) (*core.Batch, error)

	// TryTriggerStageCompletion Completion Detector 的核心原语：
	// 在 (job_id, stage) 命名锁内计数未完成兄弟任务并置触发标记，
	// 全部完成且未触发过时恰好一次返回 true。锁只覆盖计数+置标记，微秒级持有。
	TryTriggerStageCompletion(ctx context.Context, jobID string, stage int) (bool, error)
	// MarkStageAggregated 聚合成功后记录聚合结果；重复调用是幂等的
	MarkStageAggregated(ctx context.Context, jobID string, stage int, aggregate json.RawMessage) error
	GetStageCompletion(ctx context.Context, jobID string, stage int) (*core.StageCompletion, error)
	// ListStagesNeedingAggregation 返回全部任务已终态、但聚合未记录的 (job, stage)：
	// 触发者崩溃或从未触发的 Stage，由 reconciler 补偿
	ListStagesNeedingAggregation(ctx context.Context, olderThan time.Duration) ([]StageRef, error)

	Close()
}
