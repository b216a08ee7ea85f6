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

package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"

	apihttp "geoetl/internal/api/http"
	"geoetl/internal/app"
	"geoetl/internal/batch"
	"geoetl/internal/machine"
	"geoetl/internal/worker"
	"geoetl/pkg/config"
	"geoetl/pkg/log"
)

// App API 应用：HTTP 服务 + 后台补偿（sweep、reconciler）。
// api.scheduler=true 时进程内再挂一个 Worker，单机模式下一个进程跑通全链路。
type App struct {
	boot       *app.Bootstrap
	hertz      *server.Hertz
	sweeper    *batch.Sweeper
	reconciler *machine.Reconciler

	inproc       *worker.Worker
	inprocCancel context.CancelFunc
	bgCancel     context.CancelFunc
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(boot *app.Bootstrap) (*App, error) {
	cfg := boot.Config
	a := &App{boot: boot}

	a.sweeper = batch.NewSweeper(boot.Store, boot.Queue, boot.Logger, boot.SweepOptions())
	a.reconciler = machine.NewReconciler(
		boot.Machine, boot.Logger,
		config.Duration(cfg.Reconciler.Interval, 0), 0,
	)

	if cfg.API.Scheduler {
		handlers := worker.NewHandlerRegistry()
		worker.RegisterBuiltin(handlers)
		a.inproc = worker.New(boot.Queue, boot.Machine, handlers, boot.Logger, boot.WorkerOptions())
	}
	return a, nil
}

// Run 启动 HTTP 服务与后台任务，addr 如 ":8080"。阻塞直至服务退出。
func (a *App) Run(addr string) error {
	a.boot.Logger.Info("API 服务启动", "addr", addr)
	a.bridgeHertzLog()

	bgCtx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel
	if err := a.sweeper.Start(bgCtx); err != nil {
		return fmt.Errorf("启动 sweep 失败: %w", err)
	}
	if err := a.reconciler.Start(bgCtx); err != nil {
		return fmt.Errorf("启动 reconciler 失败: %w", err)
	}
	if a.inproc != nil {
		wctx, wcancel := context.WithCancel(context.Background())
		a.inprocCancel = wcancel
		a.inproc.Start(wctx)
		a.boot.Logger.Info("进程内 worker 已启动（单机模式）")
	}

	handler := apihttp.NewHandler(a.boot.Machine, a.boot.Store, a.boot.Logger)
	a.hertz = apihttp.Build(addr, handler)
	return a.hertz.Run()
}

// bridgeHertzLog 把 Hertz 框架日志接到 slog，级别/输出与应用日志对齐
func (a *App) bridgeHertzLog() {
	cfg := a.boot.Config
	output := os.Stdout
	if cfg.Log.File != "" {
		if f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			output = f
		}
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))
}

// Shutdown 优雅关闭：先停止接收新请求，再停后台任务与进程内 worker
func (a *App) Shutdown(ctx context.Context) error {
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	if a.inprocCancel != nil {
		a.inprocCancel()
		a.inproc.Stop()
	}
	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.sweeper.Stop()
	a.reconciler.Stop()
	a.boot.Close()
	a.boot.Logger.Info("API 服务已关闭")
	return nil
}
