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
	"sort"
	"sync"
	"time"

	"geoetl/internal/core"
	pkgerrors "geoetl/pkg/errors"
)

// MemStore 内存实现：map + 每 (job,stage) 互斥锁，供测试与单机模式。
// 语义与 PgStore 对齐：不存在返回 nil, nil，任务按 Sequence 排序。
type MemStore struct {
	mu      sync.Mutex
	jobs    map[string]*core.Job
	tasks   map[string]*core.Task
	batches map[string]*core.Batch
	stages  map[StageRef]*core.StageCompletion

	// stageLocks (job,stage) 命名锁，对应 PgStore 的 advisory lock
	stageLocksMu sync.Mutex
	stageLocks   map[StageRef]*sync.Mutex
}

// NewMemStore 创建内存 Store
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:       make(map[string]*core.Job),
		tasks:      make(map[string]*core.Task),
		batches:    make(map[string]*core.Batch),
		stages:     make(map[StageRef]*core.StageCompletion),
		stageLocks: make(map[StageRef]*sync.Mutex),
	}
}

func (s *MemStore) stageLock(ref StageRef) *sync.Mutex {
	s.stageLocksMu.Lock()
	defer s.stageLocksMu.Unlock()
	l, ok := s.stageLocks[ref]
	if !ok {
		l = &sync.Mutex{}
		s.stageLocks[ref] = l
	}
	return l
}

func (s *MemStore) CreateJob(ctx context.Context, job *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return pkgerrors.Wrapf(pkgerrors.ErrDuplicateJob, "job %s", job.ID)
	}
	now := time.Now()
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = cp.CreatedAt
	if cp.CurrentStage == 0 {
		cp.CurrentStage = 1
	}
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemStore) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *MemStore) UpdateJobStatus(ctx context.Context, jobID string, status core.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	j.Status = status
	j.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) AdvanceJobStage(ctx context.Context, jobID string, stage int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	j.CurrentStage = stage
	j.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) SetJobResult(ctx context.Context, jobID string, status core.JobStatus, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	if j.Result == nil {
		j.Result = append(json.RawMessage(nil), result...)
	}
	j.Status = status
	j.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) RequestCancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	j.CancelRequestedAt = time.Now()
	j.UpdatedAt = j.CancelRequestedAt
	return nil
}

func (s *MemStore) BatchCreateTasks(ctx context.Context, tasks []*core.Task) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	created := 0
	for _, t := range tasks {
		if _, ok := s.tasks[t.ID]; ok {
			continue // 确定性 ID 的重派发
		}
		cp := *t
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.tasks[t.ID] = &cp
		created++
	}
	return created, nil
}

func (s *MemStore) BatchUpdateTaskStatus(ctx context.Context, taskIDs []string, status core.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range taskIDs {
		// 状态只前进：发送循环还没走完时任务可能已经被 worker 终态化
		if t, ok := s.tasks[id]; ok && t.Status < status {
			t.Status = status
			t.UpdatedAt = now
		}
	}
	return nil
}

func (s *MemStore) UpdateTaskResult(ctx context.Context, taskID string, status core.TaskStatus, result json.RawMessage, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "task %s", taskID)
	}
	// 状态只前进：终态后的重复上报（至少一次投递）不回退
	if t.Status.Terminal() && !status.Terminal() {
		return nil
	}
	t.Status = status
	if result != nil {
		t.Result = append(json.RawMessage(nil), result...)
	}
	t.Error = errMsg
	if status == core.TaskProcessing {
		t.Attempts++
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) GetTasksByStage(ctx context.Context, jobID string, stage int) ([]*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*core.Task
	for _, t := range s.tasks {
		if t.JobID == jobID && t.Stage == stage {
			cp := *t
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Sequence < list[j].Sequence })
	return list, nil
}

func (s *MemStore) CountIncompleteTasks(ctx context.Context, jobID string, stage int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countIncompleteLocked(jobID, stage), nil
}

func (s *MemStore) countIncompleteLocked(jobID string, stage int) int {
	_, incomplete := s.stageTaskCountsLocked(jobID, stage)
	return incomplete
}

func (s *MemStore) stageTaskCountsLocked(jobID string, stage int) (total, incomplete int) {
	for _, t := range s.tasks {
		if t.JobID == jobID && t.Stage == stage {
			total++
			if !t.Status.Terminal() {
				incomplete++
			}
		}
	}
	return total, incomplete
}

func (s *MemStore) IncrementTaskAttempts(ctx context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return 0, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "task %s", taskID)
	}
	t.Attempts++
	return t.Attempts, nil
}

func (s *MemStore) ListStalePendingQueue(ctx context.Context, minAge time.Duration, limit int) ([]*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-minAge)
	var list []*core.Task
	for _, t := range s.tasks {
		if t.Status == core.TaskPendingQueue && t.UpdatedAt.Before(cutoff) {
			cp := *t
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].JobID != list[j].JobID {
			return list[i].JobID < list[j].JobID
		}
		if list[i].Stage != list[j].Stage {
			return list[i].Stage < list[j].Stage
		}
		return list[i].Sequence < list[j].Sequence
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *MemStore) CreateBatch(ctx context.Context, b *core.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.batches[b.ID] = &cp
	return nil
}

func (s *MemStore) UpdateBatch(ctx context.Context, batchID string, status core.BatchStatus, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil
	}
	b.Status = status
	b.Attempts = attempts
	b.LastError = lastErr
	b.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) GetBatch(ctx context.Context, batchID string) (*core.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemStore) TryTriggerStageCompletion(ctx context.Context, jobID string, stage int) (bool, error) {
	ref := StageRef{JobID: jobID, Stage: stage}
	l := s.stageLock(ref)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.stages[ref]; ok && !sc.TriggeredAt.IsZero() {
		return false, nil
	}
	// 零任务的 stage 不触发（空 Stage 路径不经过完成检测）
	total, incomplete := s.stageTaskCountsLocked(jobID, stage)
	if total == 0 || incomplete > 0 {
		return false, nil
	}
	s.stages[ref] = &core.StageCompletion{JobID: jobID, Stage: stage, TriggeredAt: time.Now()}
	return true, nil
}

func (s *MemStore) MarkStageAggregated(ctx context.Context, jobID string, stage int, aggregate json.RawMessage) error {
	ref := StageRef{JobID: jobID, Stage: stage}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.stages[ref]
	if !ok {
		sc = &core.StageCompletion{JobID: jobID, Stage: stage, TriggeredAt: time.Now()}
		s.stages[ref] = sc
	}
	if !sc.AggregatedAt.IsZero() {
		return nil // 幂等：聚合只记录一次
	}
	sc.AggregatedAt = time.Now()
	sc.Aggregate = append(json.RawMessage(nil), aggregate...)
	return nil
}

func (s *MemStore) GetStageCompletion(ctx context.Context, jobID string, stage int) (*core.StageCompletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.stages[StageRef{JobID: jobID, Stage: stage}]
	if !ok {
		return nil, nil
	}
	cp := *sc
	return &cp, nil
}

func (s *MemStore) ListStagesNeedingAggregation(ctx context.Context, olderThan time.Duration) ([]StageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)

	type agg struct {
		incomplete int
		total      int
		latest     time.Time
	}
	byStage := make(map[StageRef]*agg)
	for _, t := range s.tasks {
		ref := StageRef{JobID: t.JobID, Stage: t.Stage}
		a, ok := byStage[ref]
		if !ok {
			a = &agg{}
			byStage[ref] = a
		}
		a.total++
		if !t.Status.Terminal() {
			a.incomplete++
		}
		if t.UpdatedAt.After(a.latest) {
			a.latest = t.UpdatedAt
		}
	}
	var refs []StageRef
	for ref, a := range byStage {
		if a.total == 0 || a.incomplete > 0 || a.latest.After(cutoff) {
			continue
		}
		j, ok := s.jobs[ref.JobID]
		if !ok || j.Status.Terminal() {
			continue
		}
		if sc, ok := s.stages[ref]; ok && !sc.AggregatedAt.IsZero() {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].JobID != refs[j].JobID {
			return refs[i].JobID < refs[j].JobID
		}
		return refs[i].Stage < refs[j].Stage
	})
	return refs, nil
}

func (s *MemStore) Close() {}
