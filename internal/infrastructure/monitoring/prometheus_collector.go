package monitoring

import (
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Capture
	segmentsFinalized prometheus.Counter
	segmentBytes      prometheus.Histogram
	segmentInputLogs  prometheus.Histogram

	// Upload
	uploadsTotal   *prometheus.CounterVec
	uploadedBytes  prometheus.Counter
	uploadDuration *prometheus.HistogramVec
	limiterWait    prometheus.Histogram

	// Queue
	queueSegments *prometheus.GaugeVec
	queueBytes    prometheus.Gauge
	queueSessions prometheus.Gauge

	// Worker
	workerConnections prometheus.Gauge
	triggersTotal     *prometheus.CounterVec
}

var _ ports.PipelineMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the pipeline metrics with reg
// (prometheus.DefaultRegisterer when nil).
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		segmentsFinalized: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillcap_segments_finalized_total",
			Help: "Total number of recorded segments sealed and written to the store",
		}),

		segmentBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcap_segment_size_bytes",
			Help:    "Size of finalized segments",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10),
		}),

		segmentInputLogs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcap_segment_input_logs",
			Help:    "Input log records per finalized segment",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcap_uploads_total",
			Help: "Segment upload outcomes",
		}, []string{"result"}),

		uploadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillcap_uploaded_bytes_total",
			Help: "Total bytes confirmed at upload destinations",
		}),

		uploadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rillcap_upload_duration_seconds",
			Help:    "Time from claim to outcome per segment, retries included",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"result"}),

		limiterWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillcap_rate_limiter_wait_seconds",
			Help:    "Time upload reads spent waiting for token bucket budget",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),

		queueSegments: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillcap_queue_segments",
			Help: "Segments in the store by upload state",
		}, []string{"state"}),

		queueBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcap_queue_bytes",
			Help: "Payload bytes held in the store",
		}),

		queueSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcap_queue_sessions",
			Help: "Recording sessions with a directory in the store",
		}),

		workerConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcap_worker_connections",
			Help: "Capture agents connected to the upload worker",
		}),

		triggersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcap_drain_triggers_total",
			Help: "Drain requests by the trigger tier that delivered them",
		}, []string{"tier"}),
	}
}

func (p *PrometheusCollector) SegmentFinalized(bytes int64, logs int) {
	p.segmentsFinalized.Inc()
	p.segmentBytes.Observe(float64(bytes))
	p.segmentInputLogs.Observe(float64(logs))
}

func (p *PrometheusCollector) UploadFinished(result string, bytes int64, duration time.Duration) {
	p.uploadsTotal.WithLabelValues(result).Inc()
	p.uploadDuration.WithLabelValues(result).Observe(duration.Seconds())
	if bytes > 0 {
		p.uploadedBytes.Add(float64(bytes))
	}
}

func (p *PrometheusCollector) LimiterWait(duration time.Duration) {
	p.limiterWait.Observe(duration.Seconds())
}

func (p *PrometheusCollector) QueueDepth(stats domain.StoreStats) {
	p.queueSegments.WithLabelValues(string(domain.UploadStatePending)).Set(float64(stats.Pending))
	p.queueSegments.WithLabelValues(string(domain.UploadStateUploading)).Set(float64(stats.Uploading))
	p.queueSegments.WithLabelValues(string(domain.UploadStateUploaded)).Set(float64(stats.Uploaded))
	p.queueSegments.WithLabelValues(string(domain.UploadStateFailed)).Set(float64(stats.Failed))
	p.queueBytes.Set(float64(stats.Bytes))
	p.queueSessions.Set(float64(stats.Sessions))
}

func (p *PrometheusCollector) TriggerUsed(tier string) {
	p.triggersTotal.WithLabelValues(tier).Inc()
}

func (p *PrometheusCollector) WorkerConnections(delta int) {
	p.workerConnections.Add(float64(delta))
}
