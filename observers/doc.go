// Package observers wraps actor publishes and deliveries with cross-cutting
// concerns.
//
// Built-in observers:
//   - LoggingObserver: logs every operation with its duration
//   - MetricsObserver: prometheus counters and latency histograms per queue
//   - TracingObserver: one span per publish or delivery through a pluggable Tracer
//
// Example usage:
//
//	metrics, err := observers.NewMetricsObserver(prometheus.DefaultRegisterer, "")
//	if err != nil {
//		return err
//	}
//	chain := observers.NewChain(
//		observers.NewLoggingObserver(logger),
//		metrics,
//	)
//
// The chain is fixed once built. The first observer wraps all the others and
// the actual publish or handler call runs innermost.
package observers
