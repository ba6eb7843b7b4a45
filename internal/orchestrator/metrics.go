package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memoryvault_uploads_total",
		Help: "CreateMemory calls by outcome.",
	}, []string{"outcome"})

	criticalPathSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memoryvault_upload_critical_path_seconds",
		Help:    "Time from request to committed metadata.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 3, 5},
	})

	backupOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memoryvault_backup_outcomes_total",
		Help: "Detached and reconciled backups by outcome.",
	}, []string{"outcome"})

	backupsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memoryvault_backups_in_flight",
		Help: "Detached backup tasks currently running.",
	})
)
