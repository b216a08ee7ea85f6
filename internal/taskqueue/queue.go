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

	"geoetl/internal/core"
)

// Delivery 一次投递：消息 + 后端回执（pg 为锁令牌，redis 为 stream entry id）
type Delivery struct {
	Msg     *core.Message
	Receipt string
	// DeliveryCount 含本次的投递次数，超限由队列侧转入死信
	DeliveryCount int
}

// BatchResult 批量发送结果。Failed/Errors 平行，记录失败的输入下标；
// 部分失败不是错误返回值，调用方按下标决定补偿
type BatchResult struct {
	Sent   int
	Failed []int
	Errors []error
}

// Queue 任务队列抽象：至少一次投递。两种 profile——
// 基于租约的 PgQueue（可见性超时 + 锁续期）和 broker 语义的 RedisQueue（consumer group + pending 认领）。
// Receive 无消息时返回 nil, nil，由调用方轮询。
type Queue interface {
	Send(ctx context.Context, msg *core.Message) error
	// SendBatch 单次往返批量发送；len(msgs) 不得超过 MaxBatch()
	SendBatch(ctx context.Context, msgs []*core.Message) (BatchResult, error)
	Receive(ctx context.Context) (*Delivery, error)
	// RenewLock 长任务执行中续租，防止可见性超时导致重复投递
	RenewLock(ctx context.Context, d *Delivery) error
	Complete(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	// MaxBatch 后端单次批量上限，Batch Coordinator 的对齐单位
	MaxBatch() int
	Close()
}
