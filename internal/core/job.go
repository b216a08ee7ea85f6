package core

import (
	"encoding/json"
	"time"
)

// JobStatus 作业状态
type JobStatus int

const (
	JobQueued JobStatus = iota
	JobProcessing
	JobCompleted
	JobCompletedWithErrors
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobProcessing:
		return "processing"
	case JobCompleted:
		return "completed"
	case JobCompletedWithErrors:
		return "completed_with_errors"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal 是否终态（completed / completed_with_errors / failed）
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCompletedWithErrors || s == JobFailed
}

// Job 用户提交的顶层工作单元，按 Stage 1..TotalStages 线性推进。
// ID 为 SHA-256(job_type + 规范化参数) 的 64 位小写 hex，同参数重复提交返回已有 Job（幂等）。
type Job struct {
	ID           string
	Type         string
	Params       json.RawMessage // 创建后不可变
	Status       JobStatus
	CurrentStage int // >= 1
	TotalStages  int
	// Result 终态聚合结果，finalize 时写入一次
	Result json.RawMessage
	// CancelRequestedAt 非零表示已请求取消；orchestrator 在 Stage 间检查，不做硬抢占
	CancelRequestedAt time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
