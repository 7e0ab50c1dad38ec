package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settler_build_info",
			Help: "Build information of the rewards settlement engine",
		},
		[]string{"version", "commit", "date"},
	)

	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_is_leader",
			Help: "Whether this replica currently holds the settlement leader lock (1 or 0)",
		},
	)

	TickTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_tick_total",
			Help: "Total number of settlement ticks",
		},
		[]string{"trigger", "status"},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settler_tick_duration_seconds",
			Help:    "Duration of settlement ticks",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	EpochsSettledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_epochs_settled_total",
			Help: "Total number of epochs reaching a terminal status",
		},
		[]string{"status"},
	)

	LamportsPaidTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settler_lamports_paid_total",
			Help: "Total lamports paid out to winners",
		},
	)

	LamportsCarriedOver = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_lamports_carried_over",
			Help: "Rewards pot lamports carried into the next epoch",
		},
	)

	TreasuryAccruedLamports = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_treasury_accrued_lamports",
			Help: "Cumulative lamports accrued to the treasury",
		},
	)

	ChainRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settler_chain_request_duration_seconds",
			Help:    "Duration of Solana RPC and fee claim service requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
		[]string{"operation"},
	)

	ChainRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_chain_request_total",
			Help: "Total number of Solana RPC and fee claim service requests",
		},
		[]string{"operation", "status"},
	)

	RecoveredEpochsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_recovered_epochs_total",
			Help: "Total number of stuck epochs handled by recovery",
		},
		[]string{"outcome"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settler_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "code"},
	)
)
