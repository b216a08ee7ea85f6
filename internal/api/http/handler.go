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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/go-playground/validator/v10"

	"geoetl/internal/core"
	"geoetl/internal/machine"
	"geoetl/internal/store"
	pkgerrors "geoetl/pkg/errors"
	"geoetl/pkg/log"
	"geoetl/pkg/metrics"
)

// Handler HTTP 处理器：提交走 Machine，查询直接读 Store
type Handler struct {
	machine  *machine.Machine
	store    store.Store
	validate *validator.Validate
	log      *log.Logger
}

// NewHandler 创建 Handler
func NewHandler(m *machine.Machine, st store.Store, logger *log.Logger) *Handler {
	return &Handler{
		machine:  m,
		store:    st,
		validate: validator.New(),
		log:      logger.WithComponent("api"),
	}
}

// SubmitRequest 提交请求体
type SubmitRequest struct {
	Type   string          `json:"type" validate:"required,min=1,max=128"`
	Params json.RawMessage `json:"params" validate:"required"`
}

// jobEnvelope 提交与取消响应
type jobEnvelope struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Monitor string `json:"monitor"`
}

// jobDoc 作业详情
type jobDoc struct {
	JobID           string          `json:"job_id"`
	Type            string          `json:"type"`
	Status          string          `json:"status"`
	CurrentStage    int             `json:"current_stage"`
	TotalStages     int             `json:"total_stages"`
	Result          json.RawMessage `json:"result,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// taskDoc 任务详情
type taskDoc struct {
	TaskID   string          `json:"task_id"`
	Type     string          `json:"type"`
	Status   string          `json:"status"`
	Sequence int             `json:"sequence"`
	Attempts int             `json:"attempts"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// SubmitJob POST /api/jobs：新建返回 202，等价重复提交返回 200 与现有作业
func (h *Handler) SubmitJob(c context.Context, ctx *app.RequestContext) {
	var req SubmitRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, errBody("请求体不是合法 JSON"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, errBody(err.Error()))
		return
	}

	job, created, err := h.machine.Submit(c, req.Type, req.Params)
	if err != nil {
		if pkgerrors.IsValidation(err) || errors.Is(err, pkgerrors.ErrInvalidArg) {
			ctx.JSON(consts.StatusBadRequest, errBody(err.Error()))
			return
		}
		h.log.Error("提交失败", "job_type", req.Type, "error", err)
		ctx.JSON(consts.StatusInternalServerError, errBody("内部错误"))
		return
	}
	body := jobEnvelope{JobID: job.ID, Status: job.Status.String(), Monitor: "/api/jobs/" + job.ID}
	if created {
		ctx.JSON(consts.StatusAccepted, body)
		return
	}
	ctx.JSON(consts.StatusOK, body)
}

// GetJob GET /api/jobs/:id
func (h *Handler) GetJob(c context.Context, ctx *app.RequestContext) {
	jobID := ctx.Param("id")
	job, err := h.store.GetJob(c, jobID)
	if err != nil {
		h.log.Error("查询作业失败", "job_id", jobID, "error", err)
		ctx.JSON(consts.StatusInternalServerError, errBody("内部错误"))
		return
	}
	if job == nil {
		ctx.JSON(consts.StatusNotFound, errBody("作业不存在"))
		return
	}
	ctx.JSON(consts.StatusOK, toJobDoc(job))
}

// GetStageTasks GET /api/jobs/:id/stages/:stage/tasks，按 Sequence 升序
func (h *Handler) GetStageTasks(c context.Context, ctx *app.RequestContext) {
	jobID := ctx.Param("id")
	stage, err := strconv.Atoi(ctx.Param("stage"))
	if err != nil || stage < 1 {
		ctx.JSON(consts.StatusBadRequest, errBody("stage 必须是正整数"))
		return
	}
	job, err := h.store.GetJob(c, jobID)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, errBody("内部错误"))
		return
	}
	if job == nil {
		ctx.JSON(consts.StatusNotFound, errBody("作业不存在"))
		return
	}
	tasks, err := h.store.GetTasksByStage(c, jobID, stage)
	if err != nil {
		h.log.Error("查询任务失败", "job_id", jobID, "stage", stage, "error", err)
		ctx.JSON(consts.StatusInternalServerError, errBody("内部错误"))
		return
	}
	docs := make([]taskDoc, len(tasks))
	for i, t := range tasks {
		docs[i] = taskDoc{
			TaskID:   t.ID,
			Type:     t.Type,
			Status:   t.Status.String(),
			Sequence: t.Sequence,
			Attempts: t.Attempts,
			Result:   t.Result,
			Error:    t.Error,
		}
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"job_id": jobID, "stage": stage, "tasks": docs})
}

// CancelJob POST /api/jobs/:id/cancel：置取消标记，Stage 边界生效
func (h *Handler) CancelJob(c context.Context, ctx *app.RequestContext) {
	jobID := ctx.Param("id")
	job, err := h.machine.Cancel(c, jobID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, errBody("作业不存在"))
			return
		}
		if errors.Is(err, pkgerrors.ErrInvalidArg) {
			ctx.JSON(consts.StatusConflict, errBody(err.Error()))
			return
		}
		h.log.Error("取消失败", "job_id", jobID, "error", err)
		ctx.JSON(consts.StatusInternalServerError, errBody("内部错误"))
		return
	}
	ctx.JSON(consts.StatusOK, jobEnvelope{JobID: job.ID, Status: job.Status.String(), Monitor: "/api/jobs/" + job.ID})
}

// HealthCheck GET /api/health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// Metrics GET /api/metrics：Prometheus 文本格式
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, errBody("采集指标失败"))
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

func toJobDoc(j *core.Job) jobDoc {
	return jobDoc{
		JobID:           j.ID,
		Type:            j.Type,
		Status:          j.Status.String(),
		CurrentStage:    j.CurrentStage,
		TotalStages:     j.TotalStages,
		Result:          j.Result,
		CancelRequested: !j.CancelRequestedAt.IsZero(),
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}
