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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// CanonicalParams 参数规范化：对象 key 递归排序、数字保留原始字面量，
// 相同逻辑参数得到相同字节序列。
func CanonicalParams(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("参数不是合法 JSON: %w", err)
	}
	// json.Marshal 对 map key 排序；json.Number 按原字面量输出
	return json.Marshal(v)
}

// DeriveJobID 由 job_type 与规范化参数推导作业 ID：SHA-256 的 64 位小写 hex。
// 同一逻辑提交恒得同一 ID，是幂等提交的基础。
func DeriveJobID(jobType string, params json.RawMessage) (string, error) {
	canonical, err := CanonicalParams(params)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte("\n"))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DeriveTaskID 由 job_id + stage + 位置序号或语义 key 推导任务 ID；
// 恢复路径重新推导产出同一批 ID，重试落在同一行上。
func DeriveTaskID(jobID string, stage int, key string) string {
	h := sha256.New()
	h.Write([]byte(jobID))
	h.Write([]byte(":"))
	h.Write([]byte(strconv.Itoa(stage)))
	h.Write([]byte(":"))
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// TaskKey TaskDef 的推导 key：显式 Key 优先，否则位置序号
func TaskKey(def TaskDef, sequence int) string {
	if def.Key != "" {
		return def.Key
	}
	return strconv.Itoa(sequence)
}
