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

package secrets

import (
	"context"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Set(ctx, "store_dsn", "postgres://x"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := s.Get(ctx, "store_dsn")
	if err != nil || v != "postgres://x" {
		t.Fatalf("Get: %v %q", err, v)
	}
	if _, err := s.Get(ctx, "missing"); err == nil {
		t.Error("missing key should error")
	}
	keys, err := s.List(ctx, "store_")
	if err != nil || len(keys) != 1 {
		t.Errorf("List: %v %v", err, keys)
	}
	if err := s.Delete(ctx, "store_dsn"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "store_dsn"); err == nil {
		t.Error("deleted key should error")
	}
}

func TestEnvStore(t *testing.T) {
	ctx := context.Background()
	s := NewEnvStore()
	t.Setenv("GEOETL_TEST_SECRET", "v1")
	v, err := s.Get(ctx, "GEOETL_TEST_SECRET")
	if err != nil || v != "v1" {
		t.Fatalf("Get: %v %q", err, v)
	}
	if _, err := s.Get(ctx, "GEOETL_TEST_SECRET_MISSING"); err == nil {
		t.Error("unset variable should error")
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, "redis_password", "hunter2")

	v, err := Resolve(ctx, s, "secret://redis_password")
	if err != nil || v != "hunter2" {
		t.Fatalf("Resolve ref: %v %q", err, v)
	}
	v, err = Resolve(ctx, s, "plain-value")
	if err != nil || v != "plain-value" {
		t.Fatalf("Resolve plain: %v %q", err, v)
	}
	v, err = Resolve(ctx, nil, "secret://redis_password")
	if err != nil || v != "secret://redis_password" {
		t.Fatalf("Resolve without store should pass through: %v %q", err, v)
	}
}
