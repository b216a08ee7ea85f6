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

package machine

import (
	"context"
	"encoding/json"
	"time"

	"geoetl/internal/core"
	pkgerrors "geoetl/pkg/errors"
	"geoetl/pkg/metrics"
)

// MarkTaskProcessing 任务开始执行：置 processing 并累加 attempts
func (m *Machine) MarkTaskProcessing(ctx context.Context, taskID string) error {
	return m.store.UpdateTaskResult(ctx, taskID, core.TaskProcessing, nil, "")
}

// ReportTaskResult 任务完成上报：落结果、做完成检测，获胜者就地完成 Stage。
// 至少一次投递下可被重复调用，终态不回退，触发恰好一次。
func (m *Machine) ReportTaskResult(ctx context.Context, taskID string, status core.TaskStatus, result json.RawMessage, errMsg string) error {
	if !status.Terminal() {
		return pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "上报状态必须是终态: %s", status)
	}
	if err := m.store.UpdateTaskResult(ctx, taskID, status, result, errMsg); err != nil {
		return err
	}
	metrics.TaskResultTotal.WithLabelValues(status.String()).Inc()

	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "task %s", taskID)
	}

	triggered, err := m.store.TryTriggerStageCompletion(ctx, t.JobID, t.Stage)
	if err != nil {
		return err
	}
	metrics.StageTriggerTotal.WithLabelValues(boolLabel(triggered)).Inc()
	if !triggered {
		return nil
	}
	// 最后一个完成的任务负责关灯
	m.log.Info("Stage 完成触发", "job_id", t.JobID, "stage", t.Stage, "task_id", taskID)
	return m.completeStage(ctx, t.JobID, t.Stage)
}

// completeStage 聚合 Stage 并决定推进或终态化。幂等：已聚合的 Stage 直接返回，
// reconciler 与崩溃恢复可安全重入。
func (m *Machine) completeStage(ctx context.Context, jobID string, stage int) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "job %s", jobID)
	}
	if job.Status.Terminal() {
		return nil
	}
	ctrl, err := m.registry.Get(job.Type)
	if err != nil {
		return err
	}

	if sc, err := m.store.GetStageCompletion(ctx, jobID, stage); err != nil {
		return err
	} else if sc != nil && !sc.AggregatedAt.IsZero() {
		// 互斥保护被穿透时会走到这里；聚合幂等，记录后无操作
		m.log.Error("Stage 已聚合却再次进入完成路径，疑似触发保护违例",
			"job_id", jobID, "stage", stage)
		return nil
	}

	tasks, err := m.store.GetTasksByStage(ctx, jobID, stage)
	if err != nil {
		return err
	}
	started := time.Now()
	aggregate, err := ctrl.AggregateStageResults(ctx, jobID, stage, tasks)
	if err != nil {
		// Controller 判定不可恢复
		m.failJob(ctx, jobID, "Stage 聚合失败", stage, err)
		return nil
	}
	metrics.StageAggregateDuration.WithLabelValues(job.Type).Observe(time.Since(started).Seconds())
	if err := m.store.MarkStageAggregated(ctx, jobID, stage, aggregate); err != nil {
		return err
	}

	advance, err := ctrl.ShouldAdvanceStage(ctx, jobID, stage, aggregate)
	if err != nil {
		m.failJob(ctx, jobID, "推进判定失败", stage, err)
		return nil
	}
	if !advance || stage >= job.TotalStages {
		return m.finalize(ctx, job, ctrl)
	}

	// 取消检查只发生在 Stage 边界：在途任务跑完，不再开新 Stage
	if job, err = m.store.GetJob(ctx, jobID); err != nil {
		return err
	}
	if job == nil {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "job %s", jobID)
	}
	if !job.CancelRequestedAt.IsZero() {
		m.log.Info("取消请求生效，不再推进", "job_id", jobID, "stage", stage)
		return m.finalize(ctx, job, ctrl)
	}

	next := stage + 1
	if err := m.store.AdvanceJobStage(ctx, jobID, next); err != nil {
		return err
	}
	metrics.JobStageAdvanceTotal.WithLabelValues(job.Type).Inc()
	job.CurrentStage = next
	m.log.Info("推进到下一 Stage", "job_id", jobID, "stage", next)

	prev, err := m.stageAggregates(ctx, jobID, stage)
	if err != nil {
		return err
	}
	if err := m.runStage(ctx, job, ctrl, next, prev); err != nil {
		m.log.Warn("下一 Stage 派发未完全成功，等待后台补偿", "job_id", jobID, "stage", next, "error", err)
	}
	return nil
}

