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
	"fmt"

	"geoetl/internal/app"
	"geoetl/internal/batch"
	"geoetl/internal/machine"
	"geoetl/internal/worker"
	"geoetl/pkg/config"
)

// App Worker 应用：队列消费 + 后台补偿。分布式部署下 sweep 与 reconciler
// 随每个 Worker 进程跑——两者幂等，多实例并发安全，只是重复扫描。
type App struct {
	boot       *app.Bootstrap
	handlers   *worker.HandlerRegistry
	worker     *worker.Worker
	sweeper    *batch.Sweeper
	reconciler *machine.Reconciler
	cancel     context.CancelFunc
}

// NewApp 创建 Worker 应用（由 cmd/worker 调用）。
// 部署方的任务 handler 通过 Handlers() 在 Start 前注册。
func NewApp(boot *app.Bootstrap) (*App, error) {
	handlers := worker.NewHandlerRegistry()
	worker.RegisterBuiltin(handlers)

	a := &App{
		boot:       boot,
		handlers:   handlers,
		worker:     worker.New(boot.Queue, boot.Machine, handlers, boot.Logger, boot.WorkerOptions()),
		sweeper:    batch.NewSweeper(boot.Store, boot.Queue, boot.Logger, boot.SweepOptions()),
		reconciler: machine.NewReconciler(boot.Machine, boot.Logger, config.Duration(boot.Config.Reconciler.Interval, 0), 0),
	}
	return a, nil
}

// Handlers 任务 handler 注册表，部署方在 Start 前注册自有任务类型
func (a *App) Handlers() *worker.HandlerRegistry {
	return a.handlers
}

// Start 启动消费循环与后台补偿
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if err := a.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("启动 sweep 失败: %w", err)
	}
	if err := a.reconciler.Start(ctx); err != nil {
		return fmt.Errorf("启动 reconciler 失败: %w", err)
	}
	a.worker.Start(ctx)
	a.boot.Logger.Info("worker 应用启动成功")
	return nil
}

// Shutdown 优雅关闭：停止拉取，等在途任务执行完再释放资源
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.worker.Stop()
	a.sweeper.Stop()
	a.reconciler.Stop()
	a.boot.Close()
	a.boot.Logger.Info("worker 应用已关闭")
	return nil
}
