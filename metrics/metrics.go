package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meowid/breed-service/version"
)

const Namespace = "meowid"

// Stage names used as label values.
const (
	StageDecode     = "decode"
	StageValidate   = "validate"
	StagePreprocess = "preprocess"
	StageModelLoad  = "model_load"
	StageInference  = "inference"
	StageRank       = "rank"
)

// Variables declared for metrics.
var (
	UploadCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "pipeline",
		Name:      "upload_total",
		Help:      "Counter of the number of uploaded images.",
	})

	ClassifiedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "pipeline",
		Name:      "classified_total",
		Help:      "Counter of the number of classified images by primary breed.",
	}, []string{"breed"})

	RejectedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "pipeline",
		Name:      "rejected_total",
		Help:      "Counter of the number of images rejected by the presence gate.",
	}, []string{"reason"})

	FailedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "pipeline",
		Name:      "failed_total",
		Help:      "Counter of the number of failed runs by error category.",
	}, []string{"category"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Histogram of the time spent in each pipeline stage.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"stage"})

	ModelLoadCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "model",
		Name:      "load_total",
		Help:      "Counter of the number of model loads.",
	}, []string{"model", "result"})

	SessionPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "onnx",
		Name:      "pool_sessions",
		Help:      "Gauge of the number of live ONNX sessions.",
	})

	SessionPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "onnx",
		Name:      "pool_sessions_in_use",
		Help:      "Gauge of the number of ONNX sessions currently acquired.",
	})

	SessionAcquireFailureCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "onnx",
		Name:      "acquire_failure_total",
		Help:      "Counter of the number of timed out session acquisitions.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "http",
		Name:      "active_sessions",
		Help:      "Gauge of the number of open client sessions.",
	})

	VersionGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "version",
		Help:      "Version info of the service.",
	}, []string{"git_version", "git_commit", "platform", "build_time", "go_version"})
)

// Handler serves the default registry and records the version gauge.
func Handler() http.Handler {
	VersionGauge.WithLabelValues(version.GitVersion, version.GitCommit, version.Platform, version.BuildTime, version.GoVersion).Set(1)
	return promhttp.Handler()
}
