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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "api.yaml")
	content := `
api:
  port: 8080
  scheduler: true
store:
  type: postgres
  dsn: secret://store_dsn
queue:
  type: redis
  addr: localhost:6379
  max_deliveries: 3
coordinator:
  direct_threshold: 50
  sweep_interval: 1m
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 8080 || !cfg.API.Scheduler {
		t.Errorf("api config: %+v", cfg.API)
	}
	if cfg.Store.Type != "postgres" || cfg.Store.DSN != "secret://store_dsn" {
		t.Errorf("store config: %+v", cfg.Store)
	}
	if cfg.Queue.Type != "redis" || cfg.Queue.MaxDeliveries != 3 {
		t.Errorf("queue config: %+v", cfg.Queue)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log config: %+v", cfg.Log)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/api.yaml"); err == nil {
		t.Error("missing file should error")
	}
}

func TestDuration(t *testing.T) {
	if Duration("", time.Second) != time.Second {
		t.Error("empty should fall back")
	}
	if Duration("bogus", time.Second) != time.Second {
		t.Error("invalid should fall back")
	}
	if Duration("2m", time.Second) != 2*time.Minute {
		t.Error("valid should parse")
	}
}
