// Package metrics exposes prometheus instrumentation for the scheduler,
// WAL, and backup subsystems, the way cuemby-warren registers its
// orchestration gauges/counters at process start.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every Sophia metric under one registerable set, so a
// test or an embedding process can use its own prometheus.Registerer
// instead of the global default.
type Registry struct {
	BranchQueueDepth  prometheus.Gauge
	CompactQueueDepth prometheus.Gauge
	BranchesTotal     prometheus.Counter
	CompactionsTotal  prometheus.Counter
	BackupsTotal      prometheus.Counter
	GCRunsTotal       prometheus.Counter
	Malfunction       prometheus.Gauge
	SchedulerTick     prometheus.Histogram
	WALBytesWritten   prometheus.Counter
	WALRotations      prometheus.Counter
}

// New constructs and registers every metric against reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		BranchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sophia_branch_queue_depth",
			Help: "Number of nodes currently queued for branching.",
		}),
		CompactQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sophia_compact_queue_depth",
			Help: "Number of nodes currently queued for compaction.",
		}),
		BranchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sophia_branches_total",
			Help: "Total number of branch operations completed.",
		}),
		CompactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sophia_compactions_total",
			Help: "Total number of compaction operations completed.",
		}),
		BackupsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sophia_backups_total",
			Help: "Total number of completed backups.",
		}),
		GCRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sophia_gc_runs_total",
			Help: "Total number of garbage-collection compactions triggered by the dup watermark.",
		}),
		Malfunction: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sophia_malfunction",
			Help: "1 if the engine is in the sticky Malfunction state, 0 otherwise.",
		}),
		SchedulerTick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sophia_scheduler_tick_seconds",
			Help:    "Duration of one scheduler decision-order loop iteration.",
			Buckets: prometheus.DefBuckets,
		}),
		WALBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sophia_wal_bytes_written_total",
			Help: "Total bytes appended to WAL files.",
		}),
		WALRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sophia_wal_rotations_total",
			Help: "Total number of WAL file rotations.",
		}),
	}
	reg.MustRegister(
		r.BranchQueueDepth, r.CompactQueueDepth, r.BranchesTotal, r.CompactionsTotal,
		r.BackupsTotal, r.GCRunsTotal, r.Malfunction, r.SchedulerTick,
		r.WALBytesWritten, r.WALRotations,
	)
	return r
}
