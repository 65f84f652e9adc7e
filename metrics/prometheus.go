package metrics

import (
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// all metrics and middlewares for the RPC, SSE and administration APIs
var (
	// to prevent metrics from being initialized multiple times
	isMetricsInitVar uint32 = 0

	// active REST/RPC connections
	activeRESTConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_rest_connections",
			Help: "Number of active REST API connections",
		},
	)

	// ActiveSseConnections tracks open event streams
	ActiveSseConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_sse_connections",
			Help: "Number of active SSE event streams",
		},
	)

	// response times for REST APIs
	responseTimeRESTAPI = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restapi_response_time_milliseconds",
			Help:    "REST API response time distributions",
			Buckets: []float64{1, 10, 50, 100, 200, 300, 400, 500},
		},
		[]string{"method", "endpoint"},
	)

	// size of the body for REST APIs
	requestSizeRESTAPI = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restapi_request_size_kilobytes",
			Help:    "REST API request size distributions",
			Buckets: []float64{200, 500, 900, 1500, 2000, 3000, 4000, 5000},
		},
		[]string{"method", "endpoint"},
	)

	responseSizeRESTAPI = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restapi_response_size_kilobytes",
			Help:    "REST API response size distributions",
			Buckets: []float64{200, 500, 900, 1500, 2000, 3000, 4000, 5000},
		},
		[]string{"method", "endpoint"},
	)

	// Number of requests processed by the HTTP surface
	RESTRequestMetricsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rest_requests_processed_total",
		Help: "The total number of processed REST requests",
	}, []string{"method", "endpoint"})

	// Number of organization bootstraps completed
	OrganizationBootstrapMetricsCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "organization_bootstraps_total",
		Help: "The total number of completed organization bootstraps",
	})

	// Number of certificates appended across all topics
	CertificatesAppendedMetricsCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certificates_appended_total",
		Help: "The total number of certificates appended",
	})

	// Number of vlob writes (creates and updates)
	VlobWritesMetricsCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vlob_writes_total",
		Help: "The total number of vlob creates and updates",
	})

	// Number of blocks uploaded
	BlockUploadsMetricsCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "block_uploads_total",
		Help: "The total number of uploaded blocks",
	})

	// Number of events dropped because a subscriber could not keep up
	SseOverflowMetricsCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sse_subscriber_overflows_total",
		Help: "The total number of SSE subscribers disconnected on overflow",
	})

	// Latency of sequester webhook round-trips
	SequesterWebhookLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sequester_webhook_latency_milliseconds",
		Help:    "Latency of sequester service webhook calls",
		Buckets: prometheus.LinearBuckets(1, 100, 10),
	})
)

func setIsMetricsInit() {
	atomic.StoreUint32(&isMetricsInitVar, 1)
}

func isMetricsInit() bool {
	return atomic.LoadUint32(&isMetricsInitVar) == 1
}

func InitMetrics() {
	if !isMetricsInit() {
		setIsMetricsInit()

		// Metrics have to be registered to be exposed
		prometheus.MustRegister(activeRESTConnections)
		prometheus.MustRegister(ActiveSseConnections)
		prometheus.MustRegister(responseTimeRESTAPI)
		prometheus.MustRegister(RESTRequestMetricsTotal)
		prometheus.MustRegister(OrganizationBootstrapMetricsCount)
		prometheus.MustRegister(CertificatesAppendedMetricsCount)
		prometheus.MustRegister(VlobWritesMetricsCount)
		prometheus.MustRegister(BlockUploadsMetricsCount)
		prometheus.MustRegister(SseOverflowMetricsCount)
		prometheus.MustRegister(SequesterWebhookLatency)
		prometheus.MustRegister(requestSizeRESTAPI)
		prometheus.MustRegister(responseSizeRESTAPI)
	}
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Increment the counter for the given endpoint:
		RESTRequestMetricsTotal.WithLabelValues(c.Request.Method, c.FullPath()).Inc()

		r := c.Request
		w := c.Writer

		// Start timing responseTime histogram
		start := time.Now()

		// Set activeConnections gauge
		activeRESTConnections.Inc()
		defer activeRESTConnections.Dec()

		c.Next()

		// after request

		// observe request size in kilobtyes
		if r.ContentLength > 0 {
			requestSizeRESTAPI.WithLabelValues(c.Request.Method, c.Request.URL.Path).Observe(float64(r.ContentLength) / 1024)
		}

		// set response size
		if w.Size() > 0 {
			responseSizeRESTAPI.WithLabelValues(c.Request.Method, c.Request.URL.Path).Observe(float64(w.Size()) / 1024)
		}

		// Set responseTime histogram
		latency := time.Since(start)
		responseTimeRESTAPI.WithLabelValues(c.Request.Method, c.Request.URL.Path).Observe(float64(latency.Milliseconds()))
	}
}
