// Invariants are conditions the code itself guarantees, e.g. that every cached image has both of its records.
// A violation is a bug, but not one worth crashing the server over: RaiseInvariant logs it and counts it in
// `invariants_total` so it can be alerted on, and the caller still handles the bad case, usually by treating
// it as a miss. Builds made with TestMode=true panic instead.
//
// Failures caused by the outside world, like a store that can't be read, are errors and not invariants.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invariants_total",
	Help: "The total number of invariant violations",
}, []string{"module", "type"})

// RaiseInvariant reports a violation of `invariantType` in `module`; `args` are slog attributes.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// InvariantCount returns how many times `invariantType` was raised in `module`.
func InvariantCount(module, invariantType string) int {
	metric := new(promclient.Metric)
	if err := invariantsMetric.WithLabelValues(module, invariantType).Write(metric); err != nil {
		slog.Error("Failed to read the invariants metric.", "err", err)
		return 0
	}
	return int(metric.GetCounter().GetValue())
}
