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
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"geoetl/internal/batch"
	"geoetl/internal/core"
	"geoetl/internal/machine"
	"geoetl/internal/store"
	"geoetl/internal/taskqueue"
	"geoetl/pkg/log"
)

// singleStageController 一段式测试作业：n 个指定类型的任务，聚合收集结果
type singleStageController struct {
	taskType string
}

func (c *singleStageController) ValidateParams(raw json.RawMessage) (json.RawMessage, error) {
	return core.CanonicalParams(raw)
}

func (c *singleStageController) TotalStages() int { return 1 }

func (c *singleStageController) CreateStageTasks(ctx context.Context, stage int, jobID string, params json.RawMessage, prev []json.RawMessage) ([]core.TaskDef, error) {
	var p struct {
		N int `json:"n"`
	}
	_ = json.Unmarshal(params, &p)
	defs := make([]core.TaskDef, p.N)
	for i := range defs {
		defs[i] = core.TaskDef{Type: c.taskType, Params: []byte(fmt.Sprintf(`{"i":%d}`, i))}
	}
	return defs, nil
}

func (c *singleStageController) AggregateStageResults(ctx context.Context, jobID string, stage int, tasks []*core.Task) (json.RawMessage, error) {
	results := make([]json.RawMessage, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == core.TaskCompleted {
			results = append(results, t.Result)
		}
	}
	return json.Marshal(results)
}

func (c *singleStageController) ShouldAdvanceStage(ctx context.Context, jobID string, stage int, aggregate json.RawMessage) (bool, error) {
	return true, nil
}

func (c *singleStageController) AggregateJobResults(ctx context.Context, jobID string, stageAggregates []json.RawMessage) (json.RawMessage, error) {
	return stageAggregates[len(stageAggregates)-1], nil
}

func newWorkerHarness(t *testing.T, taskType string) (*machine.Machine, *store.MemStore, *taskqueue.MemQueue, *HandlerRegistry) {
	t.Helper()
	logger, err := log.NewLogger(nil)
	require.NoError(t, err)
	st := store.NewMemStore()
	q := taskqueue.NewMemQueue(100)
	reg := machine.NewRegistry()
	reg.Register("batch", &singleStageController{taskType: taskType})
	m := machine.NewMachine(st, batch.NewCoordinator(st, q, logger, 50), reg, logger)
	handlers := NewHandlerRegistry()
	RegisterBuiltin(handlers)
	return m, st, q, handlers
}

func waitTerminal(t *testing.T, st store.Store, jobID string, timeout time.Duration) *core.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, err := st.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if j != nil && j.Status.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("作业 %s 在 %s 内未终态", jobID, timeout)
	return nil
}

func startWorker(t *testing.T, q taskqueue.Queue, m *machine.Machine, handlers *HandlerRegistry) {
	t.Helper()
	logger, err := log.NewLogger(nil)
	require.NoError(t, err)
	w := New(q, m, handlers, logger, Options{
		ID: "test-worker", Concurrency: 4, PollInterval: 5 * time.Millisecond, RenewEvery: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
}

func TestWorker_ProcessesJobToCompletion(t *testing.T) {
	ctx := context.Background()
	m, st, q, handlers := newWorkerHarness(t, "echo")
	startWorker(t, q, m, handlers)

	job, created, err := m.Submit(ctx, "batch", []byte(`{"n":5}`))
	require.NoError(t, err)
	require.True(t, created)

	final := waitTerminal(t, st, job.ID, 5*time.Second)
	require.Equal(t, core.JobCompleted, final.Status)
	var entries []json.RawMessage
	require.NoError(t, json.Unmarshal(final.Result, &entries))
	require.Len(t, entries, 5)

	// 任务都被确认，队列清空
	require.Zero(t, q.Depth())
}

func TestWorker_HandlerErrorRecordsFailure(t *testing.T) {
	ctx := context.Background()
	m, st, q, handlers := newWorkerHarness(t, "flaky")
	handlers.Register("flaky", func(ctx context.Context, msg *core.Message) (json.RawMessage, error) {
		var p struct {
			I int `json:"i"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		if p.I == 0 {
			return nil, errors.New("源文件缺失")
		}
		return msg.Params, nil
	})
	startWorker(t, q, m, handlers)

	job, _, err := m.Submit(ctx, "batch", []byte(`{"n":3}`))
	require.NoError(t, err)

	final := waitTerminal(t, st, job.ID, 5*time.Second)
	require.Equal(t, core.JobCompletedWithErrors, final.Status)

	tasks, err := st.GetTasksByStage(ctx, job.ID, 1)
	require.NoError(t, err)
	failed := 0
	for _, task := range tasks {
		if task.Status == core.TaskFailed {
			failed++
			require.Contains(t, task.Error, "源文件缺失")
		}
	}
	require.Equal(t, 1, failed)
}

func TestWorker_UnknownTypeDeadLetters(t *testing.T) {
	ctx := context.Background()
	m, st, q, handlers := newWorkerHarness(t, "no-such-type")
	startWorker(t, q, m, handlers)

	job, _, err := m.Submit(ctx, "batch", []byte(`{"n":2}`))
	require.NoError(t, err)

	final := waitTerminal(t, st, job.ID, 5*time.Second)
	require.Equal(t, core.JobCompletedWithErrors, final.Status)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(q.Dead()) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, q.Dead(), 2)
}
