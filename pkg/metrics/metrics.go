package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobSubmitTotal, JobFinalTotal, JobStageAdvanceTotal,
		TaskResultTotal, StageTriggerTotal, StageAggregateDuration,
		BatchSendTotal, BatchSizeObserved, SweepRetryTotal,
		QueueSendFailTotal, WorkerBusy, ReconcileTriggerTotal,
	)
}

// JobSubmitTotal 提交总数（按结果）
var JobSubmitTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "geoetl_job_submit_total",
		Help: "作业提交总数（按结果）",
	},
	[]string{"result"}, // created | duplicate | invalid
)

// JobFinalTotal 作业终态总数（按状态）
var JobFinalTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "geoetl_job_final_total",
		Help: "作业终态总数（按状态）",
	},
	[]string{"status"}, // completed | completed_with_errors | failed
)

// JobStageAdvanceTotal Stage 推进总数
var JobStageAdvanceTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "geoetl_job_stage_advance_total",
		Help: "Stage 推进总数（按 job_type）",
	},
	[]string{"job_type"},
)

// TaskResultTotal 任务上报总数（按状态）
var TaskResultTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "geoetl_task_result_total",
		Help: "任务完成上报总数（按状态）",
	},
	[]string{"status"}, // completed | failed
)

// StageTriggerTotal Completion Detector 触发判定总数
var StageTriggerTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "geoetl_stage_trigger_total",
		Help: "Stage 完成判定总数（triggered=恰好一次的获胜者）",
	},
	[]string{"triggered"}, // true | false
)

// StageAggregateDuration Stage 聚合耗时（秒）
var StageAggregateDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "geoetl_stage_aggregate_duration_seconds",
		Help:    "Stage 聚合耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"job_type"},
)

// BatchSendTotal 批量发送结果总数
var BatchSendTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "geoetl_batch_send_total",
		Help: "批量发送结果总数（按结果）",
	},
	[]string{"result"}, // sent | failed
)

// BatchSizeObserved 批大小分布
var BatchSizeObserved = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "geoetl_batch_size",
		Help:    "批大小分布",
		Buckets: []float64{1, 10, 25, 50, 100},
	},
)

// SweepRetryTotal 后台 sweep 重试总数（按结果）
var SweepRetryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "geoetl_sweep_retry_total",
		Help: "pending_queue 滞留任务重试总数（按结果）",
	},
	[]string{"result"}, // requeued | exhausted | error
)

// QueueSendFailTotal 队列发送失败总数（按队列后端）
var QueueSendFailTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "geoetl_queue_send_fail_total",
		Help: "队列发送失败总数（按后端）",
	},
	[]string{"backend"}, // postgres | redis | memory
)

// WorkerBusy 当前正在执行的任务数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "geoetl_worker_busy",
		Help: "当前正在执行的任务数",
	},
	[]string{"worker_id"},
)

// ReconcileTriggerTotal reconciler 补触发总数
var ReconcileTriggerTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "geoetl_reconcile_trigger_total",
		Help: "reconciler 补偿触发的 Stage 聚合总数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
