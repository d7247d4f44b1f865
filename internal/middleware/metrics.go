package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/idot-digital/webhook-broker/internal/metrics"
)

// Metrics wraps an HTTP handler with Prometheus metrics
func Metrics(next http.HandlerFunc, operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := wrap(w)
		next(rw, r)

		metrics.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		metrics.Operations.WithLabelValues(operation, strconv.Itoa(rw.status())).Inc()
	}
}
