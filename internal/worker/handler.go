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
	"sync"
	"time"

	"geoetl/internal/core"
	pkgerrors "geoetl/pkg/errors"
)

// TaskHandler 执行一个任务，返回结果或业务错误。
// 执行必须幂等：至少一次投递下同一任务可能被执行多次。
type TaskHandler func(ctx context.Context, msg *core.Message) (json.RawMessage, error)

// HandlerRegistry task_type 到 TaskHandler 的注册表
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// NewHandlerRegistry 创建注册表
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]TaskHandler)}
}

// Register 注册任务类型
func (r *HandlerRegistry) Register(taskType string, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Get 查找任务类型的 handler
func (r *HandlerRegistry) Get(taskType string) (TaskHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未注册的任务类型: %s", taskType)
	}
	return h, nil
}

// RegisterBuiltin 注册内置 handler：echo 回显参数，sleep 按 {"ms":N} 延时后回显。
// 供开发与联调使用，真实的地理处理 handler 由部署方注册。
func RegisterBuiltin(r *HandlerRegistry) {
	r.Register("echo", func(ctx context.Context, msg *core.Message) (json.RawMessage, error) {
		return msg.Params, nil
	})
	r.Register("sleep", func(ctx context.Context, msg *core.Message) (json.RawMessage, error) {
		var p struct {
			Ms int `json:"ms"`
		}
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &p); err != nil {
				return nil, err
			}
		}
		select {
		case <-time.After(time.Duration(p.Ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return msg.Params, nil
	})
}
