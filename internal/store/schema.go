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

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema 启动时建表（IF NOT EXISTS），与 PgStore 的列一一对应
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			params JSONB,
			status INT NOT NULL DEFAULT 0,
			current_stage INT NOT NULL DEFAULT 1,
			total_stages INT NOT NULL DEFAULT 1,
			result JSONB,
			cancel_requested_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			stage INT NOT NULL,
			task_type TEXT NOT NULL,
			params JSONB,
			status INT NOT NULL DEFAULT 0,
			sequence INT NOT NULL DEFAULT 0,
			queue TEXT NOT NULL DEFAULT '',
			batch_id TEXT,
			attempts INT NOT NULL DEFAULT 0,
			result JSONB,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_job_stage ON tasks (job_id, stage)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_stale ON tasks (status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			stage INT NOT NULL,
			size INT NOT NULL,
			status INT NOT NULL DEFAULT 0,
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS stage_completions (
			job_id TEXT NOT NULL,
			stage INT NOT NULL,
			triggered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			aggregated_at TIMESTAMPTZ,
			aggregate JSONB,
			PRIMARY KEY (job_id, stage)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
