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

	"geoetl/internal/core"
	pkgerrors "geoetl/pkg/errors"
)

// fanoutMaxCount 单个 fanout 作业的任务上限
const fanoutMaxCount = 100000

// fanoutController 内置作业类型：把 count 个同类型任务平铺到一个 Stage，
// 聚合收集各任务结果。与 worker 的 echo/sleep handler 配对，供开发与联调；
// 真实的地理处理 Controller 由部署方注册。
type fanoutController struct{}

type fanoutParams struct {
	TaskType string          `json:"task_type"`
	Count    int             `json:"count"`
	Params   json.RawMessage `json:"params,omitempty"`
}

func (c *fanoutController) ValidateParams(raw json.RawMessage) (json.RawMessage, error) {
	var p fanoutParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, pkgerrors.NewValidation("params", "不是合法 JSON 对象")
	}
	if p.TaskType == "" {
		return nil, pkgerrors.NewValidation("task_type", "不能为空")
	}
	if p.Count < 1 || p.Count > fanoutMaxCount {
		return nil, pkgerrors.NewValidation("count", "必须在 1..100000 之间")
	}
	return core.CanonicalParams(raw)
}

func (c *fanoutController) TotalStages() int { return 1 }

func (c *fanoutController) CreateStageTasks(ctx context.Context, stage int, jobID string, params json.RawMessage, prev []json.RawMessage) ([]core.TaskDef, error) {
	var p fanoutParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	defs := make([]core.TaskDef, p.Count)
	for i := range defs {
		defs[i] = core.TaskDef{Type: p.TaskType, Params: p.Params}
	}
	return defs, nil
}

func (c *fanoutController) AggregateStageResults(ctx context.Context, jobID string, stage int, tasks []*core.Task) (json.RawMessage, error) {
	results := make([]json.RawMessage, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == core.TaskCompleted {
			results = append(results, t.Result)
		}
	}
	return json.Marshal(results)
}

func (c *fanoutController) ShouldAdvanceStage(ctx context.Context, jobID string, stage int, aggregate json.RawMessage) (bool, error) {
	return true, nil
}

func (c *fanoutController) AggregateJobResults(ctx context.Context, jobID string, stageAggregates []json.RawMessage) (json.RawMessage, error) {
	return stageAggregates[len(stageAggregates)-1], nil
}

// RegisterBuiltin 注册内置作业类型
func RegisterBuiltin(r *Registry) {
	r.Register("fanout", &fanoutController{})
}
