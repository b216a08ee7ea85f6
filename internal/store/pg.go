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
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"geoetl/internal/core"
	pkgerrors "geoetl/pkg/errors"
)

// status 与枚举一致。jobs: 0=Queued 1=Processing 2=Completed 3=CompletedWithErrors 4=Failed；
// tasks: 0=PendingQueue 1=Queued 2=Processing 3=Completed 4=Failed
const (
	pgJobQueued              = 0
	pgJobProcessing          = 1
	pgJobCompleted           = 2
	pgJobCompletedWithErrors = 3
	pgJobFailed              = 4

	pgTaskPendingQueue = 0
	pgTaskQueued       = 1
	pgTaskProcessing   = 2
	pgTaskCompleted    = 3
	pgTaskFailed       = 4
)

// PgStore Postgres 实现：jobs/tasks/batches/stage_completions 四表，API 与 Worker 共享
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 创建基于 PostgreSQL 的 Store；dsn 为连接串（与 lease 队列可同库）
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgStore{pool: pool}, nil
}

// Pool 暴露连接池，供 lease 队列共用 DSN
func (s *PgStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close 关闭连接池
func (s *PgStore) Close() {
	s.pool.Close()
}

func jobStatusToPg(st core.JobStatus) int {
	switch st {
	case core.JobQueued:
		return pgJobQueued
	case core.JobProcessing:
		return pgJobProcessing
	case core.JobCompleted:
		return pgJobCompleted
	case core.JobCompletedWithErrors:
		return pgJobCompletedWithErrors
	case core.JobFailed:
		return pgJobFailed
	default:
		return pgJobQueued
	}
}

func pgToJobStatus(i int) core.JobStatus {
	switch i {
	case pgJobProcessing:
		return core.JobProcessing
	case pgJobCompleted:
		return core.JobCompleted
	case pgJobCompletedWithErrors:
		return core.JobCompletedWithErrors
	case pgJobFailed:
		return core.JobFailed
	default:
		return core.JobQueued
	}
}

func taskStatusToPg(st core.TaskStatus) int {
	switch st {
	case core.TaskPendingQueue:
		return pgTaskPendingQueue
	case core.TaskQueued:
		return pgTaskQueued
	case core.TaskProcessing:
		return pgTaskProcessing
	case core.TaskCompleted:
		return pgTaskCompleted
	case core.TaskFailed:
		return pgTaskFailed
	default:
		return pgTaskPendingQueue
	}
}

func pgToTaskStatus(i int) core.TaskStatus {
	switch i {
	case pgTaskQueued:
		return core.TaskQueued
	case pgTaskProcessing:
		return core.TaskProcessing
	case pgTaskCompleted:
		return core.TaskCompleted
	case pgTaskFailed:
		return core.TaskFailed
	default:
		return core.TaskPendingQueue
	}
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (s *PgStore) CreateJob(ctx context.Context, job *core.Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job 或 job.ID 为空")
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.CurrentStage == 0 {
		job.CurrentStage = 1
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, job_type, params, status, current_stage, total_stages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		job.ID, job.Type, nullJSON(job.Params), jobStatusToPg(job.Status), job.CurrentStage, job.TotalStages, job.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pkgerrors.Wrapf(pkgerrors.ErrDuplicateJob, "job %s", job.ID)
	}
	return err
}

func (s *PgStore) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var j core.Job
	var status int
	var params, result []byte
	var cancelAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_type, params, status, current_stage, total_stages, result, cancel_requested_at, created_at, updated_at
		 FROM jobs WHERE id = $1`, jobID).
		Scan(&j.ID, &j.Type, &params, &status, &j.CurrentStage, &j.TotalStages, &result, &cancelAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	j.Status = pgToJobStatus(status)
	j.Params = params
	j.Result = result
	if cancelAt != nil {
		j.CancelRequestedAt = *cancelAt
	}
	return &j, nil
}

func (s *PgStore) UpdateJobStatus(ctx context.Context, jobID string, status core.JobStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = now() WHERE id = $2`,
		jobStatusToPg(status), jobID)
	return err
}

func (s *PgStore) AdvanceJobStage(ctx context.Context, jobID string, stage int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET current_stage = $1, updated_at = now() WHERE id = $2 AND current_stage < $1`,
		stage, jobID)
	return err
}

func (s *PgStore) SetJobResult(ctx context.Context, jobID string, status core.JobStatus, result json.RawMessage) error {
	// result 只写一次（COALESCE 保留首次），重复 finalize 是幂等的
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, result = COALESCE(result, $2), updated_at = now() WHERE id = $3`,
		jobStatusToPg(status), nullJSON(result), jobID)
	return err
}

func (s *PgStore) RequestCancel(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET cancel_requested_at = now(), updated_at = now() WHERE id = $1 AND cancel_requested_at IS NULL`,
		jobID)
	return err
}

func (s *PgStore) BatchCreateTasks(ctx context.Context, tasks []*core.Task) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	// 单条多行 INSERT，事务内全有或全无；确定性 ID 冲突时 DO NOTHING（恢复重派发）
	var sb strings.Builder
	sb.WriteString(`INSERT INTO tasks (id, job_id, stage, task_type, params, status, sequence, queue, batch_id, created_at, updated_at) VALUES `)
	args := make([]interface{}, 0, len(tasks)*9)
	now := time.Now()
	for i, t := range tasks {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, now(), now())",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		args = append(args, t.ID, t.JobID, t.Stage, t.Type, nullJSON(t.Params),
			taskStatusToPg(t.Status), t.Sequence, t.Queue, nullStr(t.BatchID))
	}
	sb.WriteString(` ON CONFLICT (id) DO NOTHING`)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)
	cmd, err := tx.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (s *PgStore) BatchUpdateTaskStatus(ctx context.Context, taskIDs []string, status core.TaskStatus) error {
	if len(taskIDs) == 0 {
		return nil
	}
	// 状态只前进：发送循环还没走完时任务可能已经被 worker 终态化
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, updated_at = now() WHERE id = ANY($2) AND status < $1`,
		taskStatusToPg(status), taskIDs)
	return err
}

func (s *PgStore) UpdateTaskResult(ctx context.Context, taskID string, status core.TaskStatus, result json.RawMessage, errMsg string) error {
	// 终态后不回退（至少一次投递下的重复上报）；进入 processing 时 attempts 自增
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2,
		        result = COALESCE($3, result),
		        error = $4,
		        attempts = attempts + CASE WHEN $2 = 2 THEN 1 ELSE 0 END,
		        updated_at = now()
		 WHERE id = $1 AND NOT (status IN (3, 4) AND $2 NOT IN (3, 4))`,
		taskID, taskStatusToPg(status), nullJSON(result), nullStr(errMsg))
	return err
}

func (s *PgStore) scanTask(row pgx.Row) (*core.Task, error) {
	var t core.Task
	var status int
	var params, result []byte
	var batchID, errMsg *string
	err := row.Scan(&t.ID, &t.JobID, &t.Stage, &t.Type, &params, &status, &t.Sequence,
		&t.Queue, &batchID, &t.Attempts, &result, &errMsg, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = pgToTaskStatus(status)
	t.Params = params
	t.Result = result
	if batchID != nil {
		t.BatchID = *batchID
	}
	if errMsg != nil {
		t.Error = *errMsg
	}
	return &t, nil
}

const taskColumns = `id, job_id, stage, task_type, params, status, sequence, queue, batch_id, attempts, result, error, created_at, updated_at`

func (s *PgStore) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	t, err := s.scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (s *PgStore) GetTasksByStage(ctx context.Context, jobID string, stage int) ([]*core.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 AND stage = $2 ORDER BY sequence`,
		jobID, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*core.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *PgStore) CountIncompleteTasks(ctx context.Context, jobID string, stage int) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE job_id = $1 AND stage = $2 AND status NOT IN (3, 4)`,
		jobID, stage).Scan(&n)
	return n, err
}

// IncrementTaskAttempts 不刷新 updated_at：重试自身不重置滞留判定的时钟
func (s *PgStore) IncrementTaskAttempts(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`UPDATE tasks SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`,
		taskID).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "task %s", taskID)
		}
		return 0, err
	}
	return n, nil
}

func (s *PgStore) ListStalePendingQueue(ctx context.Context, minAge time.Duration, limit int) ([]*core.Task, error) {
	cutoff := time.Now().Add(-minAge)
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 0 AND updated_at < $1
		 ORDER BY job_id, stage, sequence LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*core.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *PgStore) CreateBatch(ctx context.Context, b *core.Batch) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batches (id, job_id, stage, size, status, attempts, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		 ON CONFLICT (id) DO NOTHING`,
		b.ID, b.JobID, b.Stage, b.Size, int(b.Status), b.Attempts, nullStr(b.LastError))
	return err
}

func (s *PgStore) UpdateBatch(ctx context.Context, batchID string, status core.BatchStatus, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE batches SET status = $1, attempts = $2, last_error = $3, updated_at = now() WHERE id = $4`,
		int(status), attempts, nullStr(lastErr), batchID)
	return err
}

func (s *PgStore) GetBatch(ctx context.Context, batchID string) (*core.Batch, error) {
	var b core.Batch
	var status int
	var lastErr *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_id, stage, size, status, attempts, last_error, created_at, updated_at FROM batches WHERE id = $1`,
		batchID).Scan(&b.ID, &b.JobID, &b.Stage, &b.Size, &status, &b.Attempts, &lastErr, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	b.Status = core.BatchStatus(status)
	if lastErr != nil {
		b.LastError = *lastErr
	}
	return &b, nil
}

// TryTriggerStageCompletion advisory 事务锁内完成"计数 + 置标记"：
// pg_advisory_xact_lock(hashtext(job_id), stage) 使并发的最后几个完成者串行，
// 锁随事务提交释放，持有时间只覆盖一次 count 与一次 INSERT。
func (s *PgStore) TryTriggerStageCompletion(ctx context.Context, jobID string, stage int) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1), $2)`, jobID, stage); err != nil {
		return false, err
	}
	var total, incomplete int
	err = tx.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE status NOT IN (3, 4))
		 FROM tasks WHERE job_id = $1 AND stage = $2`,
		jobID, stage).Scan(&total, &incomplete)
	if err != nil {
		return false, err
	}
	if total == 0 || incomplete > 0 {
		return false, tx.Commit(ctx)
	}
	cmd, err := tx.Exec(ctx,
		`INSERT INTO stage_completions (job_id, stage, triggered_at) VALUES ($1, $2, now())
		 ON CONFLICT (job_id, stage) DO NOTHING`,
		jobID, stage)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (s *PgStore) MarkStageAggregated(ctx context.Context, jobID string, stage int, aggregate json.RawMessage) error {
	// reconciler 路径可能在无 triggered 行时直接聚合，upsert 并保持幂等
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stage_completions (job_id, stage, triggered_at, aggregated_at, aggregate)
		 VALUES ($1, $2, now(), now(), $3)
		 ON CONFLICT (job_id, stage) DO UPDATE
		 SET aggregated_at = COALESCE(stage_completions.aggregated_at, now()),
		     aggregate = COALESCE(stage_completions.aggregate, EXCLUDED.aggregate)`,
		jobID, stage, nullJSON(aggregate))
	return err
}

func (s *PgStore) GetStageCompletion(ctx context.Context, jobID string, stage int) (*core.StageCompletion, error) {
	var sc core.StageCompletion
	var aggregatedAt *time.Time
	var aggregate []byte
	err := s.pool.QueryRow(ctx,
		`SELECT job_id, stage, triggered_at, aggregated_at, aggregate FROM stage_completions WHERE job_id = $1 AND stage = $2`,
		jobID, stage).Scan(&sc.JobID, &sc.Stage, &sc.TriggeredAt, &aggregatedAt, &aggregate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if aggregatedAt != nil {
		sc.AggregatedAt = *aggregatedAt
	}
	sc.Aggregate = aggregate
	return &sc, nil
}

func (s *PgStore) ListStagesNeedingAggregation(ctx context.Context, olderThan time.Duration) ([]StageRef, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.pool.Query(ctx,
		`SELECT t.job_id, t.stage
		 FROM tasks t
		 JOIN jobs j ON j.id = t.job_id
		 LEFT JOIN stage_completions sc ON sc.job_id = t.job_id AND sc.stage = t.stage
		 WHERE j.status = 1 AND sc.aggregated_at IS NULL
		 GROUP BY t.job_id, t.stage
		 HAVING count(*) FILTER (WHERE t.status NOT IN (3, 4)) = 0
		    AND max(t.updated_at) < $1
		 ORDER BY t.job_id, t.stage`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []StageRef
	for rows.Next() {
		var ref StageRef
		if err := rows.Scan(&ref.JobID, &ref.Stage); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
