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
	"testing"

	"geoetl/internal/core"
	pkgerrors "geoetl/pkg/errors"
)

func msg(id string) *core.Message {
	return &core.Message{TaskID: id, JobID: "j1", Stage: 1, TaskType: "t"}
}

func TestMemQueue_SendReceiveComplete(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(0)
	if err := q.Send(ctx, msg("t1")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	d, err := q.Receive(ctx)
	if err != nil || d == nil || d.Msg.TaskID != "t1" || d.DeliveryCount != 1 {
		t.Fatalf("Receive: %+v %v", d, err)
	}
	if err := q.RenewLock(ctx, d); err != nil {
		t.Fatalf("RenewLock: %v", err)
	}
	if err := q.Complete(ctx, d); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if d2, _ := q.Receive(ctx); d2 != nil {
		t.Errorf("队列应为空: %+v", d2)
	}
}

func TestMemQueue_RequeueIncrementsDelivery(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(0)
	_ = q.Send(ctx, msg("t1"))
	d, _ := q.Receive(ctx)
	q.Requeue(d.Receipt)
	d2, _ := q.Receive(ctx)
	if d2 == nil || d2.DeliveryCount != 2 {
		t.Fatalf("重投递次数应为 2: %+v", d2)
	}
}

func TestMemQueue_SendBatchPartialFailure(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(10)
	fail := map[string]bool{"t2": true}
	q.SendHook = func(m *core.Message) error {
		if fail[m.TaskID] {
			return errors.New("注入故障")
		}
		return nil
	}
	var msgs []*core.Message
	for i := 1; i <= 3; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("t%d", i)))
	}
	res, err := q.SendBatch(ctx, msgs)
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if res.Sent != 2 || len(res.Failed) != 1 || res.Failed[0] != 1 {
		t.Errorf("部分失败结果: %+v", res)
	}
	if !errors.Is(res.Errors[0], pkgerrors.ErrQueueSend) {
		t.Errorf("失败应归类为 ErrQueueSend: %v", res.Errors[0])
	}
}

func TestMemQueue_SendBatchOverCap(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(2)
	msgs := []*core.Message{msg("a"), msg("b"), msg("c")}
	if _, err := q.SendBatch(ctx, msgs); !errors.Is(err, pkgerrors.ErrInvalidArg) {
		t.Errorf("超上限应报 ErrInvalidArg: %v", err)
	}
}

func TestMemQueue_DeadLetter(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(0)
	_ = q.Send(ctx, msg("t1"))
	d, _ := q.Receive(ctx)
	if err := q.DeadLetter(ctx, d, "测试"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	if len(q.Dead()) != 1 || q.Depth() != 0 {
		t.Errorf("死信: %d, 深度: %d", len(q.Dead()), q.Depth())
	}
	// 死信后锁失效
	if err := q.RenewLock(ctx, d); err == nil {
		t.Error("死信后续租应失败")
	}
}

func TestMemQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(0)
	for i := 0; i < 3; i++ {
		_ = q.Send(ctx, msg(fmt.Sprintf("t%d", i)))
	}
	for i := 0; i < 3; i++ {
		d, _ := q.Receive(ctx)
		if d.Msg.TaskID != fmt.Sprintf("t%d", i) {
			t.Fatalf("顺序错: 第 %d 条是 %s", i, d.Msg.TaskID)
		}
	}
}
