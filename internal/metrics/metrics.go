package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations counts HTTP and gRPC operations by response status
	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_broker_operations_total",
			Help: "The total number of broker operations",
		},
		[]string{"operation", "status"},
	)

	// OperationDuration tracks the duration of broker operations
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_broker_operation_duration_seconds",
			Help:    "The duration of broker operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Triggers counts processed triggers by terminal event status
	Triggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_broker_triggers_total",
			Help: "The total number of triggered events by final status",
		},
		[]string{"status"},
	)

	// Deliveries counts outbound callback attempts by outcome
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_broker_deliveries_total",
			Help: "The total number of delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_broker_delivery_duration_seconds",
			Help:    "The duration of delivery attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// InFlightDeliveries tracks deliveries currently waiting on a subscriber
	InFlightDeliveries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webhook_broker_in_flight_deliveries",
			Help: "The number of delivery attempts currently in flight",
		},
	)

	// LedgerWriteFailures counts result writes that were logged and dropped
	LedgerWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_broker_ledger_write_failures_total",
			Help: "The total number of delivery results that could not be recorded",
		},
	)
)
