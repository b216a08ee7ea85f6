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

package core

import (
	"encoding/json"
	"time"
)

// TaskStatus 任务状态，只允许前进：pending_queue → queued → processing → completed|failed。
// 重试是同一逻辑任务的再次投递，不产生新行。
type TaskStatus int

const (
	TaskPendingQueue TaskStatus = iota // 已落库、尚未发送到队列（两阶段第一步）
	TaskQueued
	TaskProcessing
	TaskCompleted
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPendingQueue:
		return "pending_queue"
	case TaskQueued:
		return "queued"
	case TaskProcessing:
		return "processing"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal completed / failed
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task Stage 内最小派发单元。ID 由 job_id + stage + sequence（或语义 key）推导，
// 恢复时重新推导得到相同 ID，保证 task_id 唯一一行。
type Task struct {
	ID        string
	JobID     string
	Stage     int
	Type      string
	Params    json.RawMessage
	Status    TaskStatus
	Sequence  int    // Stage 内序号，聚合按此排序
	Queue     string // 目标队列
	BatchID   string // 批量创建时的 batch_id，直发为空
	Attempts  int
	Result    json.RawMessage
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskDef Controller 产出的任务定义；Sequence 由 orchestrator 赋值，Key 可选（如 chunk 名），
// 非空时参与 task_id 推导，保证恢复路径 ID 稳定。
type TaskDef struct {
	Type   string
	Params json.RawMessage
	Key    string
	Queue  string
}

// BatchStatus 批次状态
type BatchStatus int

const (
	BatchPending BatchStatus = iota // 任务行已落库，队列发送未成功
	BatchSent
	BatchFailed
)

func (s BatchStatus) String() string {
	switch s {
	case BatchPending:
		return "pending"
	case BatchSent:
		return "sent"
	case BatchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Batch 批量协调的观测行：一个 store 批对应一次队列批发送
type Batch struct {
	ID        string
	JobID     string
	Stage     int
	Size      int
	Status    BatchStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StageCompletion Stage 完成标记：triggered_at 由 Completion Detector 恰好置一次，
// aggregated_at 由聚合成功后写入；两者之差窗口是 reconciler 的补偿对象。
type StageCompletion struct {
	JobID        string
	Stage        int
	TriggeredAt  time.Time
	AggregatedAt time.Time
	Aggregate    json.RawMessage
}
