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

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"geoetl/internal/core"
	pkgerrors "geoetl/pkg/errors"
)

// pg 租约 profile 的批量上限
const pgMaxBatch = 32

// PgQueue 基于 Postgres 的租约队列：FOR UPDATE SKIP LOCKED 认领，
// 可见性超时 + 锁令牌续期，投递超限自动转死信行。与 Store 共用连接池。
type PgQueue struct {
	pool          *pgxpool.Pool
	visibility    time.Duration
	maxDeliveries int
}

// NewPgQueue 创建 Postgres 队列；visibility <= 0 取 5m，maxDeliveries <= 0 取 5
func NewPgQueue(ctx context.Context, pool *pgxpool.Pool, visibility time.Duration, maxDeliveries int) (*PgQueue, error) {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	q := &PgQueue{pool: pool, visibility: visibility, maxDeliveries: maxDeliveries}
	if err := EnsureQueueSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("初始化队列表失败: %w", err)
	}
	return q, nil
}

// EnsureQueueSchema 启动时建队列表
func EnsureQueueSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			locked_until TIMESTAMPTZ,
			lock_token TEXT,
			delivery_count INT NOT NULL DEFAULT 0,
			dead BOOLEAN NOT NULL DEFAULT FALSE,
			dead_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_ready ON queue_messages (enqueued_at) WHERE NOT dead`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *PgQueue) Send(ctx context.Context, msg *core.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	_, err = q.pool.Exec(ctx,
		`INSERT INTO queue_messages (id, task_id, payload) VALUES ($1, $2, $3)`,
		uuid.New().String(), msg.TaskID, payload,
	)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrQueueSend, err.Error())
	}
	return nil
}

func (q *PgQueue) SendBatch(ctx context.Context, msgs []*core.Message) (BatchResult, error) {
	var res BatchResult
	if len(msgs) > pgMaxBatch {
		return res, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "batch %d 超过上限 %d", len(msgs), pgMaxBatch)
	}
	b := &pgx.Batch{}
	encodeErr := make(map[int]error)
	for i, msg := range msgs {
		payload, err := msg.Encode()
		if err != nil {
			encodeErr[i] = err
			continue
		}
		b.Queue(`INSERT INTO queue_messages (id, task_id, payload) VALUES ($1, $2, $3)`,
			uuid.New().String(), msg.TaskID, payload)
	}
	br := q.pool.SendBatch(ctx, b)
	defer br.Close()
	for i := range msgs {
		if err, ok := encodeErr[i]; ok {
			res.Failed = append(res.Failed, i)
			res.Errors = append(res.Errors, err)
			continue
		}
		if _, err := br.Exec(); err != nil {
			res.Failed = append(res.Failed, i)
			res.Errors = append(res.Errors, pkgerrors.Wrap(pkgerrors.ErrQueueSend, err.Error()))
			continue
		}
		res.Sent++
	}
	return res, nil
}

// Receive 原子认领一条可见消息。投递次数超限的消息就地转死信并继续认领下一条。
func (q *PgQueue) Receive(ctx context.Context) (*Delivery, error) {
	for i := 0; i < 4; i++ {
		token := uuid.New().String()
		var payload []byte
		var count int
		err := q.pool.QueryRow(ctx,
			`WITH sel AS (
  SELECT id FROM queue_messages
  WHERE NOT dead AND (locked_until IS NULL OR locked_until < now())
  ORDER BY enqueued_at LIMIT 1 FOR UPDATE SKIP LOCKED
)
UPDATE queue_messages q SET lock_token = $1, locked_until = $2, delivery_count = delivery_count + 1
FROM sel WHERE q.id = sel.id
RETURNING q.payload, q.delivery_count`,
			token, time.Now().Add(q.visibility),
		).Scan(&payload, &count)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		if count > q.maxDeliveries {
			_, err = q.pool.Exec(ctx,
				`UPDATE queue_messages SET dead = TRUE, dead_reason = $1 WHERE lock_token = $2`,
				fmt.Sprintf("投递 %d 次未确认", count), token)
			if err != nil {
				return nil, err
			}
			continue
		}
		msg, err := core.DecodeMessage(payload)
		if err != nil {
			// 损坏载荷不可恢复，转死信
			_, _ = q.pool.Exec(ctx,
				`UPDATE queue_messages SET dead = TRUE, dead_reason = $1 WHERE lock_token = $2`,
				"载荷解码失败: "+err.Error(), token)
			continue
		}
		msg.Attempt = count
		return &Delivery{Msg: msg, Receipt: token, DeliveryCount: count}, nil
	}
	return nil, nil
}

func (q *PgQueue) RenewLock(ctx context.Context, d *Delivery) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE queue_messages SET locked_until = $1 WHERE lock_token = $2 AND NOT dead`,
		time.Now().Add(q.visibility), d.Receipt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "锁已失效: %s", d.Receipt)
	}
	return nil
}

func (q *PgQueue) Complete(ctx context.Context, d *Delivery) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM queue_messages WHERE lock_token = $1`, d.Receipt)
	return err
}

func (q *PgQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE queue_messages SET dead = TRUE, dead_reason = $1 WHERE lock_token = $2`,
		reason, d.Receipt)
	return err
}

func (q *PgQueue) MaxBatch() int { return pgMaxBatch }

// Close 连接池归 Store 所有，这里不关闭
func (q *PgQueue) Close() {}
