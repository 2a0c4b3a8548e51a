package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeltasApplied tracks deltas merged into the mirror per collection and type.
	DeltasApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopsync_deltas_applied_total",
			Help: "Total number of change deltas applied to the local mirror",
		},
		[]string{"collection", "type"},
	)

	// DeltasDiscarded tracks stale or post-close deltas dropped per collection.
	DeltasDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopsync_deltas_discarded_total",
			Help: "Total number of deltas discarded (stale version or closed subscription)",
		},
		[]string{"collection", "reason"},
	)

	// Mutations tracks submitted mutations per kind and outcome.
	Mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopsync_mutations_total",
			Help: "Total number of submitted mutations",
		},
		[]string{"collection", "kind", "outcome"},
	)

	// ConflictsDetected tracks conflicts between pending patches and remote deltas.
	ConflictsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopsync_conflicts_detected_total",
			Help: "Total number of local/remote field conflicts detected",
		},
		[]string{"collection"},
	)

	// ConflictsOpen tracks unacknowledged conflict records.
	ConflictsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shopsync_conflicts_open",
			Help: "Number of unacknowledged conflict records in the queue",
		},
	)

	// RetryAttempts tracks individual operation attempts by result.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopsync_retry_attempts_total",
			Help: "Total number of operation attempts made by the retry orchestrator",
		},
		[]string{"result"},
	)

	// BulkItems tracks bulk operation item outcomes.
	BulkItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopsync_bulk_items_total",
			Help: "Total number of bulk operation items by outcome",
		},
		[]string{"outcome"},
	)

	// CacheHits and CacheMisses track entity cache effectiveness.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shopsync_cache_hits_total",
			Help: "Total number of entity cache hits",
		},
	)
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shopsync_cache_misses_total",
			Help: "Total number of entity cache misses",
		},
	)

	// SubscriberState exposes the current subscriber state per collection
	// (0=idle 1=connecting 2=active 3=retrying 4=closed).
	SubscriberState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shopsync_subscriber_state",
			Help: "Current reconciliation subscriber state per collection",
		},
		[]string{"collection"},
	)
)
