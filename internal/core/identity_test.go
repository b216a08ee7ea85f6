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

package core

import (
	"encoding/json"
	"regexp"
	"testing"
)

func TestDeriveJobID_Stable(t *testing.T) {
	a, err := DeriveJobID("raster_convert", json.RawMessage(`{"n": 3, "src": "s3://x"}`))
	if err != nil {
		t.Fatalf("DeriveJobID: %v", err)
	}
	b, err := DeriveJobID("raster_convert", json.RawMessage(`{"src": "s3://x", "n": 3}`))
	if err != nil {
		t.Fatalf("DeriveJobID: %v", err)
	}
	if a != b {
		t.Errorf("key 顺序不同应得到同一 ID: %s vs %s", a, b)
	}
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(a) {
		t.Errorf("ID 应为 64 位小写 hex: %s", a)
	}
}

func TestDeriveJobID_DistinguishesInputs(t *testing.T) {
	a, _ := DeriveJobID("raster_convert", json.RawMessage(`{"n": 3}`))
	b, _ := DeriveJobID("raster_convert", json.RawMessage(`{"n": 4}`))
	c, _ := DeriveJobID("vector_chunk", json.RawMessage(`{"n": 3}`))
	if a == b || a == c {
		t.Errorf("不同输入不应碰撞: %s %s %s", a, b, c)
	}
}

func TestDeriveJobID_NestedCanonical(t *testing.T) {
	a, _ := DeriveJobID("t", json.RawMessage(`{"opts": {"b": 2, "a": 1}, "list": [1, 2]}`))
	b, _ := DeriveJobID("t", json.RawMessage(`{"list": [1, 2], "opts": {"a": 1, "b": 2}}`))
	if a != b {
		t.Error("嵌套对象 key 排序应参与规范化")
	}
	// 数组顺序有语义，不排序
	c, _ := DeriveJobID("t", json.RawMessage(`{"list": [2, 1], "opts": {"a": 1, "b": 2}}`))
	if a == c {
		t.Error("数组顺序不同应得到不同 ID")
	}
}

func TestDeriveJobID_BadParams(t *testing.T) {
	if _, err := DeriveJobID("t", json.RawMessage(`{not json`)); err == nil {
		t.Error("非法 JSON 应报错")
	}
}

func TestDeriveTaskID_StableAndDistinct(t *testing.T) {
	jobID, _ := DeriveJobID("t", nil)
	a := DeriveTaskID(jobID, 1, "0")
	if a != DeriveTaskID(jobID, 1, "0") {
		t.Error("同输入应得到同一 task ID")
	}
	if a == DeriveTaskID(jobID, 2, "0") || a == DeriveTaskID(jobID, 1, "1") {
		t.Error("stage / key 不同应得到不同 task ID")
	}
}

func TestTaskKey(t *testing.T) {
	if TaskKey(TaskDef{Key: "chunk-007"}, 3) != "chunk-007" {
		t.Error("显式 Key 优先")
	}
	if TaskKey(TaskDef{}, 3) != "3" {
		t.Error("无 Key 时用位置序号")
	}
}
