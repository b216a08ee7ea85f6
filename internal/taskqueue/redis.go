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
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"geoetl/internal/core"
	pkgerrors "geoetl/pkg/errors"
)

// broker profile 的批量上限，coordinator 的对齐单位
const redisMaxBatch = 100

// RedisQueue 基于 Redis Streams 的 broker 队列：consumer group 投递，
// XAUTOCLAIM 回收超时 pending，超限消息转 <stream>:dead。
type RedisQueue struct {
	client        *redis.Client
	stream        string
	group         string
	consumer      string
	visibility    time.Duration
	maxDeliveries int
}

// RedisOptions RedisQueue 构造参数
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	Stream        string
	Group         string
	Consumer      string
	Visibility    time.Duration
	MaxDeliveries int
}

// NewRedisQueue 创建 Redis Streams 队列并确保 consumer group 存在
func NewRedisQueue(ctx context.Context, opts RedisOptions) (*RedisQueue, error) {
	if opts.Stream == "" {
		opts.Stream = "geoetl:tasks"
	}
	if opts.Group == "" {
		opts.Group = "geoetl-workers"
	}
	if opts.Consumer == "" {
		opts.Consumer = "worker-1"
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 5 * time.Minute
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis 连接失败: %w", err)
	}
	err := client.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("创建 consumer group 失败: %w", err)
	}
	return &RedisQueue{
		client:        client,
		stream:        opts.Stream,
		group:         opts.Group,
		consumer:      opts.Consumer,
		visibility:    opts.Visibility,
		maxDeliveries: opts.MaxDeliveries,
	}, nil
}

func (q *RedisQueue) Send(ctx context.Context, msg *core.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrQueueSend, err.Error())
	}
	return nil
}

// SendBatch pipeline 批量 XADD，单次往返
func (q *RedisQueue) SendBatch(ctx context.Context, msgs []*core.Message) (BatchResult, error) {
	var res BatchResult
	if len(msgs) > redisMaxBatch {
		return res, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "batch %d 超过上限 %d", len(msgs), redisMaxBatch)
	}
	cmds := make([]*redis.StringCmd, len(msgs))
	encodeErr := make(map[int]error)
	pipe := q.client.Pipeline()
	for i, msg := range msgs {
		payload, err := msg.Encode()
		if err != nil {
			encodeErr[i] = err
			continue
		}
		cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: map[string]interface{}{"payload": payload},
		})
	}
	// Exec 的聚合错误不直接上抛，逐条检查命令结果
	_, _ = pipe.Exec(ctx)
	for i := range msgs {
		if err, ok := encodeErr[i]; ok {
			res.Failed = append(res.Failed, i)
			res.Errors = append(res.Errors, err)
			continue
		}
		if err := cmds[i].Err(); err != nil {
			res.Failed = append(res.Failed, i)
			res.Errors = append(res.Errors, pkgerrors.Wrap(pkgerrors.ErrQueueSend, err.Error()))
			continue
		}
		res.Sent++
	}
	return res, nil
}

// Receive 先回收空闲超过可见期的 pending，再读新消息
func (q *RedisQueue) Receive(ctx context.Context) (*Delivery, error) {
	if d, err := q.autoclaim(ctx); err != nil || d != nil {
		return d, err
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    100 * time.Millisecond,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	for _, s := range streams {
		for _, xm := range s.Messages {
			return q.toDelivery(ctx, xm, 1)
		}
	}
	return nil, nil
}

func (q *RedisQueue) autoclaim(ctx context.Context) (*Delivery, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	for _, xm := range msgs {
		count := q.deliveryCount(ctx, xm.ID)
		if count > q.maxDeliveries {
			d := &Delivery{Receipt: xm.ID, DeliveryCount: count}
			if msg, derr := decodeXMessage(xm); derr == nil {
				d.Msg = msg
			}
			if err := q.DeadLetter(ctx, d, fmt.Sprintf("投递 %d 次未确认", count)); err != nil {
				return nil, err
			}
			continue
		}
		return q.toDelivery(ctx, xm, count)
	}
	return nil, nil
}

func (q *RedisQueue) toDelivery(ctx context.Context, xm redis.XMessage, count int) (*Delivery, error) {
	msg, err := decodeXMessage(xm)
	if err != nil {
		// 损坏载荷转死信
		_ = q.DeadLetter(ctx, &Delivery{Receipt: xm.ID}, "载荷解码失败: "+err.Error())
		return nil, nil
	}
	msg.Attempt = count
	return &Delivery{Msg: msg, Receipt: xm.ID, DeliveryCount: count}, nil
}

func decodeXMessage(xm redis.XMessage) (*core.Message, error) {
	raw, ok := xm.Values["payload"]
	if !ok {
		return nil, fmt.Errorf("消息 %s 缺少 payload 字段", xm.ID)
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("消息 %s payload 类型异常", xm.ID)
	}
	return core.DecodeMessage([]byte(s))
}

// deliveryCount 读 pending 表的 RetryCount；查不到按 1 计
func (q *RedisQueue) deliveryCount(ctx context.Context, id string) int {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return int(pending[0].RetryCount)
}

// RenewLock 对自己重新 XCLAIM，重置 idle 时间
func (q *RedisQueue) RenewLock(ctx context.Context, d *Delivery) error {
	ids, err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  0,
		Messages: []string{d.Receipt},
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if len(ids) == 0 {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "锁已失效: %s", d.Receipt)
	}
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, d *Delivery) error {
	if err := q.client.XAck(ctx, q.stream, q.group, d.Receipt).Err(); err != nil {
		return err
	}
	return q.client.XDel(ctx, q.stream, d.Receipt).Err()
}

func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	var payload []byte
	if d.Msg != nil {
		payload, _ = d.Msg.Encode()
	}
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream + ":dead",
		Values: map[string]interface{}{"payload": payload, "reason": reason, "origin": d.Receipt},
	}).Err()
	if err != nil {
		return err
	}
	if err := q.client.XAck(ctx, q.stream, q.group, d.Receipt).Err(); err != nil {
		return err
	}
	return q.client.XDel(ctx, q.stream, d.Receipt).Err()
}

func (q *RedisQueue) MaxBatch() int { return redisMaxBatch }

func (q *RedisQueue) Close() {
	_ = q.client.Close()
}
