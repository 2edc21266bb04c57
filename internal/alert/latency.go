package alert

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const maxSamples = 1000

// ReplicationLatencyHistogram is registered with the default Prometheus
// registry once per process; this package does not serve it over HTTP.
var ReplicationLatencyHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "trade_copier_replication_latency_ms",
	Help:    "End-to-end trade replication latency in milliseconds.",
	Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
})

func init() {
	prometheus.MustRegister(ReplicationLatencyHistogram)
}

// Snapshot reports percentile and extremum statistics over the latest
// window of samples.
type Snapshot struct {
	Count int
	Min   int
	Max   int
	Avg   float64
	P50   int
	P95   int
	P99   int
}

// LatencyTracker is a bounded ring buffer of the last maxSamples
// replication latencies, mirrored into the Prometheus histogram above.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []int
	next    int
	filled  bool
}

func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{samples: make([]int, maxSamples)}
}

func (t *LatencyTracker) Record(ms int) {
	ReplicationLatencyHistogram.Observe(float64(ms))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[t.next] = ms
	t.next = (t.next + 1) % maxSamples
	if t.next == 0 {
		t.filled = true
	}
}

func (t *LatencyTracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.next
	if t.filled {
		n = maxSamples
	}
	if n == 0 {
		return Snapshot{}
	}

	sorted := make([]int, n)
	copy(sorted, t.samples[:n])
	sort.Ints(sorted)

	sum := 0
	for _, v := range sorted {
		sum += v
	}

	return Snapshot{
		Count: n,
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   float64(sum) / float64(n),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
}

// percentile assumes sorted is sorted ascending and non-empty.
func percentile(sorted []int, p float64) int {
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
