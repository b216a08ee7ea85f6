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
	"errors"

	"geoetl/internal/batch"
	"geoetl/internal/core"
	"geoetl/internal/store"
	pkgerrors "geoetl/pkg/errors"
	"geoetl/pkg/log"
	"geoetl/pkg/metrics"
)

// Machine 作业状态机：提交、Stage 推进、完成检测、终态化。
// 无常驻协调者——推进由"最后一个完成的任务"在上报路径上驱动。
type Machine struct {
	store    store.Store
	coord    *batch.Coordinator
	registry *Registry
	log      *log.Logger
}

// NewMachine 创建状态机
func NewMachine(st store.Store, coord *batch.Coordinator, registry *Registry, logger *log.Logger) *Machine {
	return &Machine{store: st, coord: coord, registry: registry, log: logger.WithComponent("machine")}
}

// Submit 提交作业。幂等：相同 job_type + 规范化参数推导出相同 ID，
// 已存在时返回现有 Job 与 created=false，不产生新行。
// 校验失败在任何行创建之前拒绝。
func (m *Machine) Submit(ctx context.Context, jobType string, params json.RawMessage) (*core.Job, bool, error) {
	ctrl, err := m.registry.Get(jobType)
	if err != nil {
		metrics.JobSubmitTotal.WithLabelValues("invalid").Inc()
		return nil, false, err
	}
	normalized, err := ctrl.ValidateParams(params)
	if err != nil {
		metrics.JobSubmitTotal.WithLabelValues("invalid").Inc()
		return nil, false, err
	}
	jobID, err := core.DeriveJobID(jobType, normalized)
	if err != nil {
		metrics.JobSubmitTotal.WithLabelValues("invalid").Inc()
		return nil, false, err
	}

	if existing, err := m.store.GetJob(ctx, jobID); err != nil {
		return nil, false, err
	} else if existing != nil {
		metrics.JobSubmitTotal.WithLabelValues("duplicate").Inc()
		m.log.Info("重复提交，返回现有作业", "job_id", jobID, "status", existing.Status.String())
		return existing, false, nil
	}

	job := &core.Job{
		ID:           jobID,
		Type:         jobType,
		Params:       normalized,
		Status:       core.JobQueued,
		CurrentStage: 1,
		TotalStages:  ctrl.TotalStages(),
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		// 并发提交撞线：另一个提交者先建了行
		if errors.Is(err, pkgerrors.ErrDuplicateJob) {
			existing, gerr := m.store.GetJob(ctx, jobID)
			if gerr != nil {
				return nil, false, gerr
			}
			if existing != nil {
				metrics.JobSubmitTotal.WithLabelValues("duplicate").Inc()
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	metrics.JobSubmitTotal.WithLabelValues("created").Inc()
	m.log.Info("作业已创建", "job_id", jobID, "job_type", jobType, "total_stages", job.TotalStages)

	if err := m.store.UpdateJobStatus(ctx, jobID, core.JobProcessing); err != nil {
		return nil, false, err
	}
	job.Status = core.JobProcessing

	// 派发失败不回滚提交：任务行已落库，sweep 会收敛
	if err := m.runStage(ctx, job, ctrl, 1, nil); err != nil {
		m.log.Warn("Stage 1 派发未完全成功，等待后台补偿", "job_id", jobID, "error", err)
	}
	return job, true, nil
}

// runStage 产出并派发一个 Stage 的任务；该 Stage 无任务时直接聚合空结果并推进
func (m *Machine) runStage(ctx context.Context, job *core.Job, ctrl Controller, stage int, prev []json.RawMessage) error {
	defs, err := ctrl.CreateStageTasks(ctx, stage, job.ID, job.Params, prev)
	if err != nil {
		m.failJob(ctx, job.ID, "Stage 任务产出失败", stage, err)
		return err
	}
	if len(defs) == 0 {
		// 空 Stage：没有任务可等待，聚合空集并立即走完成路径
		if _, err := m.store.TryTriggerStageCompletion(ctx, job.ID, stage); err != nil {
			return err
		}
		return m.completeStage(ctx, job.ID, stage)
	}
	_, err = m.coord.Dispatch(ctx, job, stage, defs)
	return err
}

// stageAggregates 取 Stage 1..through 的聚合结果
func (m *Machine) stageAggregates(ctx context.Context, jobID string, through int) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, through)
	for s := 1; s <= through; s++ {
		sc, err := m.store.GetStageCompletion(ctx, jobID, s)
		if err != nil {
			return nil, err
		}
		if sc == nil {
			out = append(out, nil)
			continue
		}
		out = append(out, sc.Aggregate)
	}
	return out, nil
}

// finalize 终态化：汇总各 Stage 聚合写入最终结果。
// 任一任务 failed 则终态为 completed_with_errors，全部成功为 completed。
func (m *Machine) finalize(ctx context.Context, job *core.Job, ctrl Controller) error {
	aggregates, err := m.stageAggregates(ctx, job.ID, job.CurrentStage)
	if err != nil {
		return err
	}
	final, err := ctrl.AggregateJobResults(ctx, job.ID, aggregates)
	if err != nil {
		m.failJob(ctx, job.ID, "最终聚合失败", job.CurrentStage, err)
		return nil
	}

	status := core.JobCompleted
	for s := 1; s <= job.CurrentStage; s++ {
		tasks, err := m.store.GetTasksByStage(ctx, job.ID, s)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.Status == core.TaskFailed {
				status = core.JobCompletedWithErrors
			}
		}
	}
	if err := m.store.SetJobResult(ctx, job.ID, status, final); err != nil {
		return err
	}
	metrics.JobFinalTotal.WithLabelValues(status.String()).Inc()
	m.log.Info("作业终态化", "job_id", job.ID, "status", status.String())
	return nil
}

// failJob 不可恢复失败：记录并置 failed，错误不静默
func (m *Machine) failJob(ctx context.Context, jobID, reason string, stage int, cause error) {
	m.log.Error(reason, "job_id", jobID, "stage", stage, "error", cause)
	if err := m.store.SetJobResult(ctx, jobID, core.JobFailed, nil); err != nil {
		m.log.Error("写入失败终态也失败了", "job_id", jobID, "error", err)
		return
	}
	metrics.JobFinalTotal.WithLabelValues(core.JobFailed.String()).Inc()
}

// Cancel 请求取消：只置标记，在途任务不中断，Stage 边界生效
func (m *Machine) Cancel(ctx context.Context, jobID string) (*core.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "job %s", jobID)
	}
	if job.Status.Terminal() {
		return job, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "作业已终态: %s", job.Status)
	}
	if err := m.store.RequestCancel(ctx, jobID); err != nil {
		return nil, err
	}
	return m.store.GetJob(ctx, jobID)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
