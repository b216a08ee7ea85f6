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
	"sync"

	"geoetl/internal/core"
	pkgerrors "geoetl/pkg/errors"
)

// Controller 作业类型契约：每种 job_type 实现一份，引擎只通过该接口驱动业务逻辑。
// 所有方法必须可重入——恢复与补偿路径会重复调用，产出须确定。
type Controller interface {
	// ValidateParams 校验并规范化提交参数；失败时整个提交被拒绝，不产生任何行
	ValidateParams(raw json.RawMessage) (json.RawMessage, error)
	// TotalStages 该类型作业的 Stage 总数
	TotalStages() int
	// CreateStageTasks 产出指定 Stage 的任务定义；prev 为此前各 Stage 的聚合结果（下标 0 即 Stage 1）。
	// 返回空切片表示该 Stage 无任务，引擎直接聚合空结果并推进
	CreateStageTasks(ctx context.Context, stage int, jobID string, params json.RawMessage, prev []json.RawMessage) ([]core.TaskDef, error)
	// AggregateStageResults 聚合一个 Stage 的全部任务（按 Sequence 升序传入）；
	// 返回错误表示 Stage 不可恢复，作业置 failed
	AggregateStageResults(ctx context.Context, jobID string, stage int, tasks []*core.Task) (json.RawMessage, error)
	// ShouldAdvanceStage 聚合后决定是否推进下一 Stage；false 时作业提前终态化
	ShouldAdvanceStage(ctx context.Context, jobID string, stage int, aggregate json.RawMessage) (bool, error)
	// AggregateJobResults 终态化时汇总各 Stage 聚合为最终结果
	AggregateJobResults(ctx context.Context, jobID string, stageAggregates []json.RawMessage) (json.RawMessage, error)
}

// Registry job_type 到 Controller 的注册表
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]Controller
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[string]Controller)}
}

// Register 注册作业类型；重复注册覆盖
func (r *Registry) Register(jobType string, c Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers[jobType] = c
}

// Get 查找作业类型的 Controller
func (r *Registry) Get(jobType string) (Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[jobType]
	if !ok {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未注册的 job 类型: %s", jobType)
	}
	return c, nil
}

// Types 已注册类型列表
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.controllers))
	for t := range r.controllers {
		out = append(out, t)
	}
	return out
}
