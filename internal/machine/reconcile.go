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

package machine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"geoetl/pkg/log"
	"geoetl/pkg/metrics"
)

// Reconciler 补偿触发器：覆盖两类 Stage——
// 从未触发（最后的上报在 TryTrigger 前崩溃）和触发后聚合前崩溃的获胜者。
// 两者都表现为"任务全终态、聚合未记录"，completeStage 幂等，重入安全。
type Reconciler struct {
	machine  *Machine
	log      *log.Logger
	interval time.Duration
	minAge   time.Duration
	cron     *cron.Cron
}

// NewReconciler 创建 Reconciler；interval <= 0 取 1m，minAge <= 0 取 2m。
// minAge 须大于正常完成路径的窗口，避免与在途触发者抢跑。
func NewReconciler(m *Machine, logger *log.Logger, interval, minAge time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if minAge <= 0 {
		minAge = 2 * time.Minute
	}
	return &Reconciler{
		machine:  m,
		log:      logger.WithComponent("reconcile"),
		interval: interval,
		minAge:   minAge,
	}
}

// Start 启动周期补偿
func (r *Reconciler) Start(ctx context.Context) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), func() {
		runCtx, cancel := context.WithTimeout(ctx, r.interval)
		defer cancel()
		if err := r.RunOnce(runCtx); err != nil {
			r.log.Error("reconcile 执行失败", "error", err)
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info("reconciler 已启动", "interval", r.interval.String(), "min_age", r.minAge.String())
	return nil
}

// Stop 停止补偿
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// RunOnce 扫描一轮：对每个待聚合 Stage 先确保触发标记存在（结果不关心），
// 再走幂等的完成路径
func (r *Reconciler) RunOnce(ctx context.Context) error {
	refs, err := r.machine.store.ListStagesNeedingAggregation(ctx, r.minAge)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		r.log.Warn("发现未聚合的完成 Stage，补偿触发", "job_id", ref.JobID, "stage", ref.Stage)
		if _, err := r.machine.store.TryTriggerStageCompletion(ctx, ref.JobID, ref.Stage); err != nil {
			return err
		}
		if err := r.machine.completeStage(ctx, ref.JobID, ref.Stage); err != nil {
			return err
		}
		metrics.ReconcileTriggerTotal.Inc()
	}
	return nil
}
