// Package metrics exposes the broker and Modbus master's Prometheus
// counters and gauges, scraped over HTTP via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "iotcore",
		Subsystem: "mqtt",
		Name:      "connections_active",
		Help:      "Number of currently connected MQTT clients.",
	})

	PublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotcore",
		Subsystem: "mqtt",
		Name:      "publishes_total",
		Help:      "Total PUBLISH packets processed, by QoS level.",
	}, []string{"qos"})

	AuthRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iotcore",
		Subsystem: "mqtt",
		Name:      "auth_rejections_total",
		Help:      "Total CONNECT packets rejected by the hook chain.",
	})

	ModbusTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotcore",
		Subsystem: "modbus",
		Name:      "ticks_total",
		Help:      "Total scheduler ticks, by outcome (ok, timeout, exception, idle).",
	}, []string{"outcome"})

	ModbusCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iotcore",
		Subsystem: "modbus",
		Name:      "cycles_total",
		Help:      "Total completed poll cycles across all configured slaves.",
	})

	QoSInflightMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "iotcore",
		Subsystem: "qos",
		Name:      "inflight_messages",
		Help:      "Messages awaiting acknowledgment, by QoS level and direction.",
	}, []string{"qos", "direction"})

	QoSRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotcore",
		Subsystem: "qos",
		Name:      "retries_total",
		Help:      "Total redelivery attempts for unacknowledged QoS 1/2 messages.",
	}, []string{"qos"})

	QoSExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotcore",
		Subsystem: "qos",
		Name:      "expired_total",
		Help:      "Messages dropped because their expiry interval elapsed before delivery completed.",
	}, []string{"qos"})

	QoSMaxRetryDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotcore",
		Subsystem: "qos",
		Name:      "max_retry_dropped_total",
		Help:      "Messages dropped after exhausting the configured retry budget.",
	}, []string{"qos"})

	RetainedMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "iotcore",
		Subsystem: "retained",
		Name:      "messages",
		Help:      "Retained messages currently held in the trie, by origin.",
	}, []string{"origin"})

	RetainedStaleDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotcore",
		Subsystem: "retained",
		Name:      "stale_dropped_total",
		Help:      "Retained messages expired and removed, by origin.",
	}, []string{"origin"})

	BytesTransferredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotcore",
		Subsystem: "network",
		Name:      "bytes_transferred_total",
		Help:      "Raw bytes moved over accepted and dialed connections, by direction (read, written).",
	}, []string{"direction"})

	PoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "iotcore",
		Subsystem: "network",
		Name:      "pool_connections",
		Help:      "Connections tracked by a network.Pool, by state (active, idle, total).",
	}, []string{"state"})

	ListenerAcceptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iotcore",
		Subsystem: "network",
		Name:      "listener_accepts_total",
		Help:      "TCP connections accepted and added to the pool.",
	})

	ListenerRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotcore",
		Subsystem: "network",
		Name:      "listener_rejects_total",
		Help:      "TCP connections rejected before becoming a tracked MQTT session, by reason.",
	}, []string{"reason"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "iotcore",
		Subsystem: "session",
		Name:      "active",
		Help:      "Sessions currently held in a session.Manager's in-memory table.",
	})

	SessionsResumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iotcore",
		Subsystem: "session",
		Name:      "resumed_total",
		Help:      "CONNECTs that resumed a prior non-clean session rather than starting a new one.",
	})

	SessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iotcore",
		Subsystem: "session",
		Name:      "expired_total",
		Help:      "Sessions removed by the expiry checker after their expiry interval elapsed.",
	})
)
