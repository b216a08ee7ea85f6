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

import "encoding/json"

// Message 队列线格式：JSON 编码，至少一次投递下需无损往返
type Message struct {
	TaskID   string          `json:"task_id"`
	JobID    string          `json:"job_id"`
	Stage    int             `json:"stage"`
	TaskType string          `json:"task_type"`
	Params   json.RawMessage `json:"params,omitempty"`
	Attempt  int             `json:"attempt,omitempty"`
}

// Encode 编码为队列载荷
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage 解码队列载荷
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
