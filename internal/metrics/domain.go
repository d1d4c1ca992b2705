package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aicareer"

var (
	scanVerdictTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "avscan",
			Name:      "verdicts_total",
			Help:      "病毒扫描结论计数，result 为 clean、infected 或 error。",
		},
		[]string{"result"},
	)

	runScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "score",
			Help:      "分析得分分布。",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		},
		[]string{"source"},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "被限流拒绝的请求数。",
		},
		[]string{"bucket"},
	)
)

// ObserveScanVerdict 记录一次扫描结论。
func ObserveScanVerdict(result string) {
	scanVerdictTotal.WithLabelValues(result).Inc()
}

// ObserveRunScore source 为 llm 或 embedding。
func ObserveRunScore(source string, score float64) {
	runScore.WithLabelValues(source).Observe(score)
}

// ObserveRateLimited 记录被限流的请求。
func ObserveRateLimited(bucket string) {
	rateLimitedTotal.WithLabelValues(bucket).Inc()
}

// Handler 暴露默认注册表。
func Handler() http.Handler {
	return promhttp.Handler()
}
