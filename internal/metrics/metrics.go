// ============================================================================
// Task engine metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露引擎運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - tasks_created_total{type}
//      - tasks_started_total{type}
//      - tasks_finished_total{type,status}   COMPLETED / FAILED / CANCELLED / PAUSED / QUEUED
//      - task_items_total{type,outcome}       success / failure
//      - task_checkpoints_total{type}
//      - task_notifications_total{outcome}    sent / error
//
//   2. 分佈 (Histogram):
//      - task_run_duration_seconds{type}      單次執行（從 claim 到離開 RUNNING）
//      - task_checkpoint_seconds              AppendProgress 延遲
//
//   3. 瞬時值 (Gauge):
//      - tasks{status}                        各狀態任務數（由 controller 定期更新）
//      - workers_busy
//      - recovery_time_seconds
//
// Prometheus 查詢示例:
//
//   # 每分鐘處理的項目數
//   sum by (type) (rate(taskengine_task_items_total[1m]))
//
//   # 95 分位 checkpoint 延遲
//   histogram_quantile(0.95, rate(taskengine_task_checkpoint_seconds_bucket[5m]))
// ============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

const namespace = "taskengine"

// Recorder is the metrics surface used by the engine components.
type Recorder interface {
	TaskCreated(t types.TaskType)
	TaskStarted(t types.TaskType)
	TaskFinished(t types.TaskType, status types.TaskStatus, d time.Duration)
	ItemsProcessed(t types.TaskType, succeeded, failed int)
	CheckpointFlushed(t types.TaskType, d time.Duration)
	Notification(err error)
	SetWorkersBusy(n int)
	SetTaskCounts(counts map[types.TaskStatus]int)
	SetRecoveryTime(d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) TaskCreated(types.TaskType)                                  {}
func (Nop) TaskStarted(types.TaskType)                                  {}
func (Nop) TaskFinished(types.TaskType, types.TaskStatus, time.Duration) {}
func (Nop) ItemsProcessed(types.TaskType, int, int)                     {}
func (Nop) CheckpointFlushed(types.TaskType, time.Duration)             {}
func (Nop) Notification(error)                                          {}
func (Nop) SetWorkersBusy(int)                                          {}
func (Nop) SetTaskCounts(map[types.TaskStatus]int)                      {}
func (Nop) SetRecoveryTime(time.Duration)                               {}

// Collector Prometheus 指標收集器
type Collector struct {
	tasksCreated  *prometheus.CounterVec
	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	items         *prometheus.CounterVec
	checkpoints   *prometheus.CounterVec
	notifications *prometheus.CounterVec

	runDuration       *prometheus.HistogramVec
	checkpointLatency prometheus.Histogram

	tasks        *prometheus.GaugeVec
	workersBusy  prometheus.Gauge
	recoveryTime prometheus.Gauge
}

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Total number of tasks created",
		}, []string{"type"}),
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Total number of task runs started by a worker",
		}, []string{"type"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of task runs that left RUNNING, by resulting status",
		}, []string{"type", "status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_items_total",
			Help:      "Total number of items processed",
		}, []string{"type", "outcome"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_checkpoints_total",
			Help:      "Total number of progress checkpoints written",
		}, []string{"type"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_notifications_total",
			Help:      "Total number of terminal-state notifications",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_run_duration_seconds",
			Help:      "Duration of one task run",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		}, []string{"type"}),
		checkpointLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_checkpoint_seconds",
			Help:      "Latency of progress checkpoint writes",
			Buckets:   prometheus.DefBuckets,
		}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Current number of tasks by status",
		}, []string{"status"}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Workers currently executing a task",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last startup recovery",
		}),
	}

	reg.MustRegister(
		c.tasksCreated, c.tasksStarted, c.tasksFinished, c.items, c.checkpoints,
		c.notifications, c.runDuration, c.checkpointLatency, c.tasks,
		c.workersBusy, c.recoveryTime,
	)
	return c
}

func (c *Collector) TaskCreated(t types.TaskType) {
	c.tasksCreated.WithLabelValues(string(t)).Inc()
}

func (c *Collector) TaskStarted(t types.TaskType) {
	c.tasksStarted.WithLabelValues(string(t)).Inc()
}

func (c *Collector) TaskFinished(t types.TaskType, status types.TaskStatus, d time.Duration) {
	c.tasksFinished.WithLabelValues(string(t), string(status)).Inc()
	c.runDuration.WithLabelValues(string(t)).Observe(d.Seconds())
}

func (c *Collector) ItemsProcessed(t types.TaskType, succeeded, failed int) {
	if succeeded > 0 {
		c.items.WithLabelValues(string(t), "success").Add(float64(succeeded))
	}
	if failed > 0 {
		c.items.WithLabelValues(string(t), "failure").Add(float64(failed))
	}
}

func (c *Collector) CheckpointFlushed(t types.TaskType, d time.Duration) {
	c.checkpoints.WithLabelValues(string(t)).Inc()
	c.checkpointLatency.Observe(d.Seconds())
}

func (c *Collector) Notification(err error) {
	outcome := "sent"
	if err != nil {
		outcome = "error"
	}
	c.notifications.WithLabelValues(outcome).Inc()
}

func (c *Collector) SetWorkersBusy(n int) {
	c.workersBusy.Set(float64(n))
}

// SetTaskCounts replaces the per-status gauges; statuses missing from
// counts are reported as zero.
func (c *Collector) SetTaskCounts(counts map[types.TaskStatus]int) {
	for _, st := range types.AllStatuses {
		c.tasks.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}
