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
	"errors"
	"fmt"
	"testing"
	"time"

	"geoetl/internal/core"
	"geoetl/internal/store"
	"geoetl/internal/taskqueue"
	pkgerrors "geoetl/pkg/errors"
	"geoetl/pkg/log"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	l, err := log.NewLogger(nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return l
}

func testJob(t *testing.T, st store.Store) *core.Job {
	t.Helper()
	j := &core.Job{ID: "job-1", Type: "tiles", Status: core.JobProcessing, CurrentStage: 1, TotalStages: 2}
	if err := st.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j
}

func defs(n int) []core.TaskDef {
	out := make([]core.TaskDef, n)
	for i := range out {
		out[i] = core.TaskDef{Type: "tile", Params: []byte(fmt.Sprintf(`{"i":%d}`, i))}
	}
	return out
}

func taskStatuses(t *testing.T, st store.Store, jobID string, stage int) map[core.TaskStatus]int {
	t.Helper()
	tasks, err := st.GetTasksByStage(context.Background(), jobID, stage)
	if err != nil {
		t.Fatalf("GetTasksByStage: %v", err)
	}
	counts := make(map[core.TaskStatus]int)
	for _, task := range tasks {
		counts[task.Status]++
	}
	return counts
}

func TestCoordinator_DirectPath(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	q := taskqueue.NewMemQueue(100)
	c := NewCoordinator(st, q, testLogger(t), 50)
	job := testJob(t, st)

	created, err := c.Dispatch(ctx, job, 1, defs(5))
	if err != nil || created != 5 {
		t.Fatalf("Dispatch: %d %v", created, err)
	}
	if q.Depth() != 5 {
		t.Errorf("队列深度应为 5, got %d", q.Depth())
	}
	counts := taskStatuses(t, st, job.ID, 1)
	if counts[core.TaskQueued] != 5 {
		t.Errorf("任务应全部 queued: %v", counts)
	}
	// 直发不建 batch 行
	tasks, _ := st.GetTasksByStage(ctx, job.ID, 1)
	if tasks[0].BatchID != "" {
		t.Errorf("直发不应有 batch_id: %s", tasks[0].BatchID)
	}
}

func TestCoordinator_BatchAlignment(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	q := taskqueue.NewMemQueue(100)
	c := NewCoordinator(st, q, testLogger(t), 50)
	job := testJob(t, st)

	// 250 条按上限 100 对齐切为 100/100/50 三批
	created, err := c.Dispatch(ctx, job, 1, defs(250))
	if err != nil || created != 250 {
		t.Fatalf("Dispatch: %d %v", created, err)
	}
	if q.Depth() != 250 {
		t.Errorf("队列深度应为 250, got %d", q.Depth())
	}
	tasks, _ := st.GetTasksByStage(ctx, job.ID, 1)
	batchSizes := make(map[string]int)
	for _, task := range tasks {
		if task.Status != core.TaskQueued {
			t.Fatalf("任务 %s 状态 %s", task.ID, task.Status)
		}
		batchSizes[task.BatchID]++
	}
	if len(batchSizes) != 3 {
		t.Fatalf("应切为 3 批: %v", batchSizes)
	}
	sizes := map[int]int{}
	for id, n := range batchSizes {
		sizes[n]++
		b, err := st.GetBatch(ctx, id)
		if err != nil || b == nil || b.Status != core.BatchSent || b.Size != n {
			t.Errorf("batch %s: %+v %v", id, b, err)
		}
	}
	if sizes[100] != 2 || sizes[50] != 1 {
		t.Errorf("批大小应为 100/100/50: %v", sizes)
	}
}

func TestCoordinator_PartialFailureFailStop(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	q := taskqueue.NewMemQueue(100)
	c := NewCoordinator(st, q, testLogger(t), 50)
	job := testJob(t, st)

	// 第一批中 10 条失败
	failCount := 0
	q.SendHook = func(m *core.Message) error {
		failCount++
		if failCount > 90 && failCount <= 100 {
			return errors.New("broker 抖动")
		}
		return nil
	}
	created, err := c.Dispatch(ctx, job, 1, defs(250))
	if !errors.Is(err, pkgerrors.ErrQueueSend) {
		t.Fatalf("应报 ErrQueueSend: %v", err)
	}
	// 任务行在发送开始前已全量落库
	if created != 250 {
		t.Errorf("落库行数应为 250, got %d", created)
	}
	// fail-stop：第一批发出 90 条后停止，后续批不再发送
	counts := taskStatuses(t, st, job.ID, 1)
	if counts[core.TaskQueued] != 90 || counts[core.TaskPendingQueue] != 160 {
		t.Errorf("发送成功 90 / 滞留 160: %v", counts)
	}

	// 故障恢复后 sweep 收敛滞留行
	q.SendHook = nil
	sw := NewSweeper(st, q, testLogger(t), SweepOptions{MinAge: time.Nanosecond})
	time.Sleep(time.Millisecond)
	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	counts = taskStatuses(t, st, job.ID, 1)
	if counts[core.TaskQueued] != 250 || counts[core.TaskPendingQueue] != 0 {
		t.Errorf("sweep 后应全部 queued: %v", counts)
	}
}

func TestCoordinator_AllRowsExistBeforeFirstSend(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	q := taskqueue.NewMemQueue(100)
	c := NewCoordinator(st, q, testLogger(t), 50)
	job := testJob(t, st)

	// 完成检测按现存行计数：任何一条消息可见时 250 行必须已全部落库，
	// 否则先发出的块全部完成会让 Stage 被提前判定为完成
	minRows := -1
	q.SendHook = func(m *core.Message) error {
		tasks, err := st.GetTasksByStage(ctx, job.ID, 1)
		if err != nil {
			t.Fatalf("GetTasksByStage: %v", err)
		}
		if minRows == -1 || len(tasks) < minRows {
			minRows = len(tasks)
		}
		return nil
	}
	created, err := c.Dispatch(ctx, job, 1, defs(250))
	if err != nil || created != 250 {
		t.Fatalf("Dispatch: %d %v", created, err)
	}
	if minRows != 250 {
		t.Errorf("发送期间最少可见行数应为 250, got %d", minRows)
	}
}

func TestSweeper_AttemptBudgetSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	q := taskqueue.NewMemQueue(100)
	job := testJob(t, st)

	_, _ = st.BatchCreateTasks(ctx, []*core.Task{{
		ID: "stuck", JobID: job.ID, Stage: 1, Type: "tile", Status: core.TaskPendingQueue,
	}})
	q.SendHook = func(m *core.Message) error { return errors.New("持续故障") }

	sw := NewSweeper(st, q, testLogger(t), SweepOptions{MinAge: time.Nanosecond, MaxAttempts: 2})
	time.Sleep(time.Millisecond)
	for i := 0; i < 2; i++ {
		if err := sw.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
	}

	// 进程重启：新 Sweeper 读到的预算从行上的 attempts 继续累计
	sw2 := NewSweeper(st, q, testLogger(t), SweepOptions{MinAge: time.Nanosecond, MaxAttempts: 2})
	if err := sw2.RunOnce(ctx); err != nil {
		t.Fatalf("重启后 RunOnce: %v", err)
	}
	got, _ := st.GetTask(ctx, "stuck")
	if got.Status != core.TaskFailed {
		t.Errorf("重启后第三次扫描应超限置 failed: %+v", got)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts 应持久累计到 3, got %d", got.Attempts)
	}
}

func TestSweeper_ExhaustsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	q := taskqueue.NewMemQueue(100)
	job := testJob(t, st)

	// 一条任务始终发不出去
	_, _ = st.BatchCreateTasks(ctx, []*core.Task{{
		ID: "stuck", JobID: job.ID, Stage: 1, Type: "tile", Status: core.TaskPendingQueue,
	}})
	q.SendHook = func(m *core.Message) error { return errors.New("持续故障") }

	sw := NewSweeper(st, q, testLogger(t), SweepOptions{MinAge: time.Nanosecond, MaxAttempts: 2})
	time.Sleep(time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := sw.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
	}
	got, _ := st.GetTask(ctx, "stuck")
	if got.Status != core.TaskFailed || got.Error == "" {
		t.Errorf("超限任务应置 failed: %+v", got)
	}
}

func TestCoordinator_RedispatchIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	q := taskqueue.NewMemQueue(100)
	c := NewCoordinator(st, q, testLogger(t), 50)
	job := testJob(t, st)

	if _, err := c.Dispatch(ctx, job, 1, defs(5)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	// 恢复路径重派发：确定性 ID 冲突跳过，不重建行
	created, err := c.Dispatch(ctx, job, 1, defs(5))
	if err != nil || created != 0 {
		t.Fatalf("重派发不应新建行: %d %v", created, err)
	}
	tasks, _ := st.GetTasksByStage(ctx, job.ID, 1)
	if len(tasks) != 5 {
		t.Errorf("任务行数应保持 5: %d", len(tasks))
	}
}
