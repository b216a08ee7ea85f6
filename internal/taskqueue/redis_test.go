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
	"fmt"
	"os"
	"testing"
	"time"

	"geoetl/internal/core"
)

// 集成测试：设置 TEST_REDIS_ADDR（如 127.0.0.1:6379）才会运行
func testRedisQueue(t *testing.T, visibility time.Duration) *RedisQueue {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR 未设置，跳过 Redis 集成测试")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream := fmt.Sprintf("geoetl:test:%s:%d", t.Name(), time.Now().UnixNano())
	q, err := NewRedisQueue(ctx, RedisOptions{
		Addr:       addr,
		Stream:     stream,
		Group:      "test-group",
		Consumer:   "test-consumer",
		Visibility: visibility,
	})
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	t.Cleanup(func() {
		_ = q.client.Del(context.Background(), stream, stream+":dead").Err()
		q.Close()
	})
	return q
}

func TestRedisQueue_SendReceiveAck(t *testing.T) {
	q := testRedisQueue(t, time.Minute)
	ctx := context.Background()

	if err := q.Send(ctx, msg("t1")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	d, err := q.Receive(ctx)
	if err != nil || d == nil || d.Msg.TaskID != "t1" {
		t.Fatalf("Receive: %+v %v", d, err)
	}
	if err := q.RenewLock(ctx, d); err != nil {
		t.Fatalf("RenewLock: %v", err)
	}
	if err := q.Complete(ctx, d); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if d2, _ := q.Receive(ctx); d2 != nil {
		t.Errorf("ack 后不应再投递: %+v", d2)
	}
}

func TestRedisQueue_SendBatchPipelined(t *testing.T) {
	q := testRedisQueue(t, time.Minute)
	ctx := context.Background()

	items := make([]*core.Message, 0, 25)
	for i := 0; i < 25; i++ {
		items = append(items, msg(fmt.Sprintf("t%d", i)))
	}
	res, err := q.SendBatch(ctx, items)
	if err != nil || res.Sent != 25 || len(res.Failed) != 0 {
		t.Fatalf("SendBatch: %+v %v", res, err)
	}
	seen := make(map[string]bool)
	for {
		d, err := q.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if d == nil {
			break
		}
		seen[d.Msg.TaskID] = true
		_ = q.Complete(ctx, d)
	}
	if len(seen) != 25 {
		t.Errorf("应收到 25 条, got %d", len(seen))
	}
}

func TestRedisQueue_AutoclaimStale(t *testing.T) {
	q := testRedisQueue(t, 50*time.Millisecond)
	ctx := context.Background()
	_ = q.Send(ctx, msg("t1"))

	d, _ := q.Receive(ctx)
	if d == nil {
		t.Fatal("首次认领失败")
	}
	// 不 ack，等待超过可见期后应被 XAUTOCLAIM 回收
	time.Sleep(100 * time.Millisecond)
	d2, err := q.Receive(ctx)
	if err != nil || d2 == nil || d2.Msg.TaskID != "t1" {
		t.Fatalf("超时 pending 应被回收重投: %+v %v", d2, err)
	}
	if d2.DeliveryCount < 2 {
		t.Errorf("重投计数应 >= 2: %d", d2.DeliveryCount)
	}
}
