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
	"errors"
	"sync"
	"testing"
	"time"

	"geoetl/internal/core"
	pkgerrors "geoetl/pkg/errors"
)

func newJob(id string) *core.Job {
	return &core.Job{ID: id, Type: "t", Status: core.JobProcessing, TotalStages: 2, CurrentStage: 1}
}

func newTask(id, jobID string, stage, seq int, status core.TaskStatus) *core.Task {
	return &core.Task{ID: id, JobID: jobID, Stage: stage, Sequence: seq, Type: "t", Status: status}
}

func TestMemStore_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	if j, err := s.GetJob(ctx, "missing"); err != nil || j != nil {
		t.Fatalf("缺失 Job 应返回 nil, nil: %v %v", j, err)
	}
	if err := s.CreateJob(ctx, newJob("j1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(ctx, newJob("j1")); !errors.Is(err, pkgerrors.ErrDuplicateJob) {
		t.Errorf("重复创建应报 ErrDuplicateJob: %v", err)
	}
	if err := s.SetJobResult(ctx, "j1", core.JobCompleted, json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("SetJobResult: %v", err)
	}
	// result 只写一次
	_ = s.SetJobResult(ctx, "j1", core.JobCompleted, json.RawMessage(`{"a":2}`))
	j, _ := s.GetJob(ctx, "j1")
	if j.Status != core.JobCompleted || string(j.Result) != `{"a":1}` {
		t.Errorf("job: %+v", j)
	}
}

func TestMemStore_BatchCreateIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	tasks := []*core.Task{
		newTask("t1", "j1", 1, 0, core.TaskPendingQueue),
		newTask("t2", "j1", 1, 1, core.TaskPendingQueue),
	}
	n, err := s.BatchCreateTasks(ctx, tasks)
	if err != nil || n != 2 {
		t.Fatalf("BatchCreateTasks: %d %v", n, err)
	}
	// 确定性 ID 的重派发只新建缺失行
	n, err = s.BatchCreateTasks(ctx, append(tasks, newTask("t3", "j1", 1, 2, core.TaskPendingQueue)))
	if err != nil || n != 1 {
		t.Fatalf("重派发应只新建 1 行: %d %v", n, err)
	}
}

func TestMemStore_TaskStatusForwardOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, _ = s.BatchCreateTasks(ctx, []*core.Task{newTask("t1", "j1", 1, 0, core.TaskQueued)})
	if err := s.UpdateTaskResult(ctx, "t1", core.TaskCompleted, json.RawMessage(`1`), ""); err != nil {
		t.Fatalf("UpdateTaskResult: %v", err)
	}
	// 终态后重复投递的 processing 上报不回退
	if err := s.UpdateTaskResult(ctx, "t1", core.TaskProcessing, nil, ""); err != nil {
		t.Fatalf("UpdateTaskResult: %v", err)
	}
	got, _ := s.GetTask(ctx, "t1")
	if got.Status != core.TaskCompleted {
		t.Errorf("状态应保持 completed, got %s", got.Status)
	}
}

func TestMemStore_TasksOrderedBySequence(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, _ = s.BatchCreateTasks(ctx, []*core.Task{
		newTask("t3", "j1", 1, 2, core.TaskQueued),
		newTask("t1", "j1", 1, 0, core.TaskQueued),
		newTask("t2", "j1", 1, 1, core.TaskQueued),
	})
	list, err := s.GetTasksByStage(ctx, "j1", 1)
	if err != nil || len(list) != 3 {
		t.Fatalf("GetTasksByStage: %d %v", len(list), err)
	}
	for i, task := range list {
		if task.Sequence != i {
			t.Errorf("排序应按 Sequence: pos %d got %d", i, task.Sequence)
		}
	}
}

func TestMemStore_TryTriggerExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.CreateJob(ctx, newJob("j1"))
	_, _ = s.BatchCreateTasks(ctx, []*core.Task{
		newTask("t1", "j1", 1, 0, core.TaskCompleted),
		newTask("t2", "j1", 1, 1, core.TaskCompleted),
	})

	const n = 16
	var wg sync.WaitGroup
	triggered := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryTriggerStageCompletion(ctx, "j1", 1)
			if err != nil {
				t.Errorf("TryTrigger: %v", err)
				return
			}
			if ok {
				triggered <- true
			}
		}()
	}
	wg.Wait()
	close(triggered)
	count := 0
	for range triggered {
		count++
	}
	if count != 1 {
		t.Errorf("应恰好一个触发者, got %d", count)
	}
}

func TestMemStore_TryTriggerIncomplete(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.CreateJob(ctx, newJob("j1"))
	_, _ = s.BatchCreateTasks(ctx, []*core.Task{
		newTask("t1", "j1", 1, 0, core.TaskCompleted),
		newTask("t2", "j1", 1, 1, core.TaskProcessing),
	})
	ok, err := s.TryTriggerStageCompletion(ctx, "j1", 1)
	if err != nil || ok {
		t.Errorf("存在未完成任务不应触发: %v %v", ok, err)
	}
	// 无任务的 stage 也不触发
	ok, _ = s.TryTriggerStageCompletion(ctx, "j1", 2)
	if ok {
		t.Error("空 stage 不应触发")
	}
}

func TestMemStore_StalePendingQueue(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, _ = s.BatchCreateTasks(ctx, []*core.Task{
		newTask("t1", "j1", 1, 0, core.TaskPendingQueue),
		newTask("t2", "j1", 1, 1, core.TaskQueued),
	})
	// minAge 0：刚创建的 pending_queue 也算滞留
	list, err := s.ListStalePendingQueue(ctx, -time.Second, 10)
	if err != nil || len(list) != 1 || list[0].ID != "t1" {
		t.Fatalf("ListStalePendingQueue: %v %v", list, err)
	}
	// 年龄门槛外为空
	list, _ = s.ListStalePendingQueue(ctx, time.Hour, 10)
	if len(list) != 0 {
		t.Errorf("未超龄不应返回: %v", list)
	}
}

func TestMemStore_NeedingAggregation(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.CreateJob(ctx, newJob("j1"))
	_, _ = s.BatchCreateTasks(ctx, []*core.Task{
		newTask("t1", "j1", 1, 0, core.TaskCompleted),
		newTask("t2", "j1", 1, 1, core.TaskFailed),
	})
	refs, err := s.ListStagesNeedingAggregation(ctx, -time.Second)
	if err != nil || len(refs) != 1 || refs[0] != (StageRef{JobID: "j1", Stage: 1}) {
		t.Fatalf("ListStagesNeedingAggregation: %v %v", refs, err)
	}
	// 聚合记录后不再出现
	if err := s.MarkStageAggregated(ctx, "j1", 1, json.RawMessage(`[]`)); err != nil {
		t.Fatalf("MarkStageAggregated: %v", err)
	}
	refs, _ = s.ListStagesNeedingAggregation(ctx, -time.Second)
	if len(refs) != 0 {
		t.Errorf("已聚合不应返回: %v", refs)
	}
}
