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

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"geoetl/internal/batch"
	"geoetl/internal/machine"
	"geoetl/internal/store"
	"geoetl/internal/taskqueue"
	"geoetl/internal/worker"
	"geoetl/pkg/config"
	"geoetl/pkg/log"
	"geoetl/pkg/secrets"
)

// Bootstrap API 与 Worker 共用的装配结果：store、queue、machine 及其依赖。
// 敏感配置（DSN、redis 密码）经 secrets.Resolve 解析后才进入构造。
type Bootstrap struct {
	Config      *config.Config
	Logger      *log.Logger
	Store       store.Store
	Queue       taskqueue.Queue
	Registry    *machine.Registry
	Coordinator *batch.Coordinator
	Machine     *machine.Machine

	closers []func()
}

// NewBootstrap 按配置装配依赖；store/queue 后端由 type 字段选择
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	secretStore, err := secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Config:   cfg.Secrets.Config,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 secret store 失败: %w", err)
	}

	b := &Bootstrap{Config: cfg, Logger: logger}

	st, err := b.buildStore(ctx, secretStore)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Store = st

	q, err := b.buildQueue(ctx, secretStore)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Queue = q

	b.Registry = machine.NewRegistry()
	machine.RegisterBuiltin(b.Registry)
	b.Coordinator = batch.NewCoordinator(b.Store, b.Queue, logger, cfg.Coordinator.DirectThreshold)
	b.Machine = machine.NewMachine(b.Store, b.Coordinator, b.Registry, logger)
	return b, nil
}

func (b *Bootstrap) buildStore(ctx context.Context, secretStore secrets.Store) (store.Store, error) {
	switch b.Config.Store.Type {
	case "postgres":
		dsn, err := secrets.Resolve(ctx, secretStore, b.Config.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("解析 store DSN 失败: %w", err)
		}
		if dsn == "" {
			return nil, fmt.Errorf("store.type=postgres 需要 store.dsn")
		}
		pg, err := store.NewPgStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("初始化 PgStore 失败: %w", err)
		}
		b.closers = append(b.closers, pg.Close)
		b.Logger.Info("store 使用 PostgreSQL 后端")
		return pg, nil
	case "", "memory":
		b.Logger.Info("store 使用内存后端（单进程模式）")
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("未知的 store 类型: %s", b.Config.Store.Type)
	}
}

func (b *Bootstrap) buildQueue(ctx context.Context, secretStore secrets.Store) (taskqueue.Queue, error) {
	qc := b.Config.Queue
	visibility := config.Duration(qc.Visibility, 5*time.Minute)
	switch qc.Type {
	case "postgres":
		pool, err := b.queuePool(ctx, secretStore)
		if err != nil {
			return nil, err
		}
		q, err := taskqueue.NewPgQueue(ctx, pool, visibility, qc.MaxDeliveries)
		if err != nil {
			return nil, fmt.Errorf("初始化 Pg 队列失败: %w", err)
		}
		b.Logger.Info("queue 使用 Postgres 租约后端", "visibility", visibility.String())
		return q, nil
	case "redis":
		password, err := secrets.Resolve(ctx, secretStore, qc.Password)
		if err != nil {
			return nil, fmt.Errorf("解析 redis 密码失败: %w", err)
		}
		q, err := taskqueue.NewRedisQueue(ctx, taskqueue.RedisOptions{
			Addr:          qc.Addr,
			Password:      password,
			DB:            qc.DB,
			Stream:        qc.Stream,
			Group:         qc.Group,
			Consumer:      b.Config.Worker.ID,
			Visibility:    visibility,
			MaxDeliveries: qc.MaxDeliveries,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 Redis 队列失败: %w", err)
		}
		b.Logger.Info("queue 使用 Redis Streams 后端", "addr", qc.Addr)
		return q, nil
	case "", "memory":
		b.Logger.Info("queue 使用内存后端（单进程模式）")
		return taskqueue.NewMemQueue(0), nil
	default:
		return nil, fmt.Errorf("未知的 queue 类型: %s", qc.Type)
	}
}

// queuePool 租约队列的连接池：queue.dsn 未配置时与 PgStore 共池
func (b *Bootstrap) queuePool(ctx context.Context, secretStore secrets.Store) (*pgxpool.Pool, error) {
	if b.Config.Queue.DSN == "" {
		pg, ok := b.Store.(*store.PgStore)
		if !ok {
			return nil, fmt.Errorf("queue.type=postgres 需要 queue.dsn 或 store.type=postgres")
		}
		return pg.Pool(), nil
	}
	dsn, err := secrets.Resolve(ctx, secretStore, b.Config.Queue.DSN)
	if err != nil {
		return nil, fmt.Errorf("解析 queue DSN 失败: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接队列库失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("队列库不可达: %w", err)
	}
	b.closers = append(b.closers, pool.Close)
	return pool, nil
}

// SweepOptions 由配置组装 sweep 参数
func (b *Bootstrap) SweepOptions() batch.SweepOptions {
	cc := b.Config.Coordinator
	return batch.SweepOptions{
		Interval:    config.Duration(cc.SweepInterval, 0),
		MinAge:      config.Duration(cc.SweepMinAge, 0),
		MaxAttempts: cc.SweepMaxAttempts,
		Rate:        cc.SweepRate,
	}
}

// WorkerOptions 由配置组装 worker 参数
func (b *Bootstrap) WorkerOptions() worker.Options {
	wc := b.Config.Worker
	return worker.Options{
		ID:           wc.ID,
		Concurrency:  wc.Concurrency,
		PollInterval: config.Duration(wc.PollInterval, 0),
		RenewEvery:   config.Duration(wc.RenewEvery, 0),
	}
}

// Close 逆序释放资源
func (b *Bootstrap) Close() {
	if b.Queue != nil {
		b.Queue.Close()
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
