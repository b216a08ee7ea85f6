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

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("GEOETL_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
}

type jobEnvelope struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Monitor string `json:"monitor"`
}

func submitJob(jobType string, params json.RawMessage) (*jobEnvelope, bool, error) {
	var out jobEnvelope
	resp, err := newClient().R().
		SetBody(map[string]interface{}{"type": jobType, "params": params}).
		SetResult(&out).
		Post("/api/jobs")
	if err != nil {
		return nil, false, err
	}
	switch resp.StatusCode() {
	case http.StatusAccepted:
		return &out, true, nil
	case http.StatusOK:
		return &out, false, nil
	default:
		return nil, false, fmt.Errorf("POST /api/jobs: %s", resp.String())
	}
}

func getJob(jobID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/jobs/" + jobID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/jobs/%s: %s", jobID, resp.String())
	}
	return out, nil
}

func getStageTasks(jobID string, stage int) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get(fmt.Sprintf("/api/jobs/%s/stages/%d/tasks", jobID, stage))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET tasks: %s", resp.String())
	}
	return out, nil
}

func cancelJob(jobID string) (*jobEnvelope, error) {
	var out jobEnvelope
	resp, err := newClient().R().
		SetResult(&out).
		Post("/api/jobs/" + jobID + "/cancel")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST cancel: %s", resp.String())
	}
	return &out, nil
}

func apiHealth() error {
	resp, err := newClient().R().Get("/api/health")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("GET /api/health: %s", resp.String())
	}
	return nil
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
