package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the dispatcher
type Metrics struct {
	// Effect lifecycle
	EffectsCompleted *prometheus.CounterVec
	EffectsFailed    *prometheus.CounterVec
	EffectsRetried   prometheus.Counter
	EffectsExpired   prometheus.Counter
	PolicyBlocks     *prometheus.CounterVec

	// Delivery
	DeliveryLatency prometheus.Histogram

	// Inbound pipeline
	EventsProcessed prometheus.Counter

	// Connection manager reference for dynamic metrics
	connManager *ConnectionManager
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(connManager *ConnectionManager) *Metrics {
	metrics := &Metrics{
		connManager: connManager,

		EffectsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_effects_completed_total",
			Help: "Total number of effects completed, by effect type",
		}, []string{"type"}),

		EffectsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_effects_failed_total",
			Help: "Total number of effects failed, by effect type",
		}, []string{"type"}),

		EffectsRetried: promauto.NewCounter(prometheus.CounterOpts{
			Name: "courier_effects_retried_total",
			Help: "Total number of effects reverted to pending after a missed delivery",
		}),

		EffectsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "courier_effects_expired_total",
			Help: "Total number of effects failed on TTL expiry without a delivery attempt",
		}),

		PolicyBlocks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_policy_blocks_total",
			Help: "Total number of autonomous sends blocked by policy, by reason",
		}, []string{"reason"}),

		DeliveryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_delivery_duration_seconds",
			Help:    "Delivery callback latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		EventsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "courier_events_processed_total",
			Help: "Total number of events processed through the session pipeline",
		}),
	}

	// Register a collector that reads live connection counts from ConnectionManager
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "courier_websocket_connections_current",
			Help: "Current number of active WebSocket connections",
		},
		func() float64 {
			if connManager != nil {
				return float64(connManager.Count())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}
