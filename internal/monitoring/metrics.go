package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 邮箱指标
	MailboxesRegistered prometheus.Counter
	MailboxesRemoved    prometheus.Counter
	ListenersActive     prometheus.Gauge

	// 检查指标
	ChecksTotal          *prometheus.CounterVec
	NewMessagesTotal     prometheus.Counter
	ValuesExtractedTotal prometheus.Counter

	// Webhook 指标
	WebhookDeliveries *prometheus.CounterVec

	// 错误指标
	SearchErrorsTotal *prometheus.CounterVec
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpickup_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailpickup_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MailboxesRegistered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailpickup_mailboxes_registered_total",
				Help: "Total number of mailboxes registered",
			},
		),

		MailboxesRemoved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailpickup_mailboxes_removed_total",
				Help: "Total number of mailboxes removed",
			},
		),

		ListenersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailpickup_listeners_active",
				Help: "Number of mailboxes currently listening",
			},
		),

		ChecksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpickup_checks_total",
				Help: "Total number of search checks performed",
			},
			[]string{"result"}, // ok / transient_error / fatal_error
		),

		NewMessagesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailpickup_new_messages_total",
				Help: "Total number of new messages merged",
			},
		),

		ValuesExtractedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailpickup_values_extracted_total",
				Help: "Total number of values captured by extraction rules",
			},
		),

		WebhookDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpickup_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts",
			},
			[]string{"status"}, // succeeded / failed
		),

		SearchErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpickup_search_errors_total",
				Help: "Total number of search errors by kind",
			},
			[]string{"kind"}, // transient / fatal
		),
	}
}

// Handler 返回 Prometheus 指标端点的 HTTP 处理器。
func Handler() http.Handler {
	return promhttp.Handler()
}
