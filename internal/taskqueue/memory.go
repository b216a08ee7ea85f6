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
	"sync"

	"github.com/google/uuid"

	"geoetl/internal/core"
	pkgerrors "geoetl/pkg/errors"
)

// MemQueue 内存队列，供测试与单机模式。FIFO，Complete 前消息留在 inflight，
// Requeue 可将 inflight 消息放回队首模拟重复投递。
type MemQueue struct {
	mu       sync.Mutex
	pending  []*core.Message
	inflight map[string]*Delivery
	dead     []*Delivery
	maxBatch int

	// SendHook 非 nil 时每次发送先过钩子，返回错误则该条失败（测试注入故障用）
	SendHook func(msg *core.Message) error
}

// NewMemQueue 创建内存队列；maxBatch <= 0 时取 100
func NewMemQueue(maxBatch int) *MemQueue {
	if maxBatch <= 0 {
		maxBatch = 100
	}
	return &MemQueue{
		inflight: make(map[string]*Delivery),
		maxBatch: maxBatch,
	}
}

func (q *MemQueue) Send(ctx context.Context, msg *core.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.SendHook != nil {
		if err := q.SendHook(msg); err != nil {
			return pkgerrors.Wrap(pkgerrors.ErrQueueSend, err.Error())
		}
	}
	cp := *msg
	q.pending = append(q.pending, &cp)
	return nil
}

func (q *MemQueue) SendBatch(ctx context.Context, msgs []*core.Message) (BatchResult, error) {
	var res BatchResult
	if len(msgs) > q.maxBatch {
		return res, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "batch %d 超过上限 %d", len(msgs), q.maxBatch)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, msg := range msgs {
		if q.SendHook != nil {
			if err := q.SendHook(msg); err != nil {
				res.Failed = append(res.Failed, i)
				res.Errors = append(res.Errors, pkgerrors.Wrap(pkgerrors.ErrQueueSend, err.Error()))
				continue
			}
		}
		cp := *msg
		q.pending = append(q.pending, &cp)
		res.Sent++
	}
	return res, nil
}

func (q *MemQueue) Receive(ctx context.Context) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	d := &Delivery{Msg: msg, Receipt: uuid.New().String(), DeliveryCount: msg.Attempt + 1}
	msg.Attempt = d.DeliveryCount
	q.inflight[d.Receipt] = d
	return d, nil
}

func (q *MemQueue) RenewLock(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[d.Receipt]; !ok {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "delivery %s", d.Receipt)
	}
	return nil
}

func (q *MemQueue) Complete(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.Receipt)
	return nil
}

func (q *MemQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.Receipt)
	q.dead = append(q.dead, d)
	return nil
}

// Requeue 将 inflight 消息放回队首（模拟可见性超时后的重复投递）
func (q *MemQueue) Requeue(receipt string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.inflight[receipt]
	if !ok {
		return
	}
	delete(q.inflight, receipt)
	q.pending = append([]*core.Message{d.Msg}, q.pending...)
}

// Depth 当前待投递数（测试断言用）
func (q *MemQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Dead 死信列表快照
func (q *MemQueue) Dead() []*Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Delivery, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *MemQueue) MaxBatch() int { return q.maxBatch }

func (q *MemQueue) Close() {}
