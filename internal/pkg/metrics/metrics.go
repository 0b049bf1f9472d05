// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepTotal 统计每个流水线步骤的结果
	StepTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "odf",
		Subsystem: "pipeline",
		Name:      "step_total",
		Help:      "Pipeline step executions by step and result status.",
	}, []string{"step", "status"})

	// ExternalCallDuration 记录外部系统调用耗时
	ExternalCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "odf",
		Name:      "external_call_duration_seconds",
		Help:      "Latency of calls to the activation and order-management services.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"api", "endpoint", "outcome"})

	// LockOperations 统计锁操作
	LockOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "odf",
		Subsystem: "locks",
		Name:      "operations_total",
		Help:      "Lock manager operations by operation and result.",
	}, []string{"op", "result"})

	// PollAttempts 记录轮询达到终态时的尝试次数
	PollAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "odf",
		Subsystem: "pipeline",
		Name:      "poll_attempts",
		Help:      "Attempts needed before a poll reached a terminal state.",
		Buckets:   []float64{1, 2, 5, 10, 20, 40, 80},
	}, []string{"poll", "status"})
)
