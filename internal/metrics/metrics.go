package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decision log ingestion
	DecisionScrapesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "santa_decision_scrapes_total",
			Help: "Total number of decision log scrapes",
		},
		[]string{"class", "status"},
	)

	DecisionEventsReturned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "santa_decision_events_returned_total",
			Help: "Total number of decision events returned to callers",
		},
		[]string{"class", "source"}, // source: live/archive
	)

	ArchiveRescansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "santa_archive_rescans_total",
			Help: "Total number of full archive rescans triggered by log rotation",
		},
	)

	ArchiveCachedLines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "santa_archive_cached_lines",
			Help: "Number of decompressed archive lines held in memory",
		},
	)

	// Rule synchronization
	RuleRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "santa_rule_refreshes_total",
			Help: "Total number of rule database refreshes",
		},
		[]string{"status"},
	)

	RulesTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "santa_rules_tracked",
			Help: "Number of rules in the current identity map generation",
		},
	)

	RuleMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "santa_rule_mutations_total",
			Help: "Total number of rule mutation requests",
		},
		[]string{"operation", "status"},
	)

	SantactlDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "santa_santactl_duration_seconds",
			Help:    "santactl invocation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"subcommand"},
	)
)
