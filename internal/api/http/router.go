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

package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
)

// Register 在给定 Hertz 实例上挂载全部路由
func Register(h *server.Hertz, handler *Handler) {
	api := h.Group("/api")
	api.GET("/health", handler.HealthCheck)
	api.GET("/metrics", handler.Metrics)

	jobs := api.Group("/jobs")
	jobs.POST("", handler.SubmitJob)
	jobs.GET("/:id", handler.GetJob)
	jobs.GET("/:id/stages/:stage/tasks", handler.GetStageTasks)
	jobs.POST("/:id/cancel", handler.CancelJob)
}

// Build 创建 Hertz server 并注册路由
func Build(addr string, handler *Handler) *server.Hertz {
	h := server.New(server.WithHostPorts(addr))
	Register(h, handler)
	return h
}
