package orchestrator

import (
	"fmt"
	"sync/atomic"
)

var metricsNamespaceSeq uint64

// nextTestNamespace returns a fresh Prometheus namespace per call so tests
// that build their own metrics.Collector never collide on the global
// Prometheus registry, mirroring internal/metrics/collector_test.go's
// pattern.
func nextTestNamespace() string {
	seq := atomic.AddUint64(&metricsNamespaceSeq, 1)
	return fmt.Sprintf("orchestrator_test_%d", seq)
}
