// Package metrics provides Prometheus metrics for the providers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SFTP session pool
	sftpSessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unifs_sftp_sessions_created_total",
			Help: "Total number of SFTP sessions established",
		},
	)

	sftpSessionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unifs_sftp_sessions_evicted_total",
			Help: "Total number of pooled SFTP sessions evicted",
		},
		[]string{"reason"},
	)

	sftpSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unifs_sftp_sessions_active",
			Help: "Number of pooled SFTP sessions",
		},
	)

	sftpTransferWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unifs_sftp_transfer_wait_seconds",
			Help:    "Time spent waiting for a per-server transfer permit",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SMB sidecar
	smbSidecarRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unifs_smb_sidecar_restarts_total",
			Help: "Total number of SMB sidecar restarts after a crash",
		},
	)

	smbSidecarState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unifs_smb_sidecar_state",
			Help: "Current SMB sidecar state (0 not started, 1 starting, 2 available, 3 crashed, 4 failed)",
		},
	)

	smbCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unifs_smb_calls_total",
			Help: "Total number of SMB sidecar calls",
		},
		[]string{"method", "status"},
	)

	// Archive cache
	archiveStructureLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unifs_archive_structure_lookups_total",
			Help: "Archive structure cache lookups",
		},
		[]string{"result"},
	)

	archiveExtractions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unifs_archive_extractions_total",
			Help: "Archive entry extractions",
		},
		[]string{"result"},
	)

	archivePruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unifs_archive_cache_pruned_total",
			Help: "Extraction cache files removed by pruning",
		},
		[]string{"policy"},
	)
)

// RecordSFTPSessionCreated records a new SFTP session.
func RecordSFTPSessionCreated() {
	sftpSessionsCreated.Inc()
	sftpSessionsActive.Inc()
}

// RecordSFTPSessionEvicted records a pooled session removal.
func RecordSFTPSessionEvicted(reason string) {
	sftpSessionsEvicted.WithLabelValues(reason).Inc()
	sftpSessionsActive.Dec()
}

// RecordSFTPTransferWait records how long a transfer waited for its permit.
func RecordSFTPTransferWait(seconds float64) {
	sftpTransferWait.Observe(seconds)
}

// RecordSMBRestart records a sidecar restart.
func RecordSMBRestart() {
	smbSidecarRestarts.Inc()
}

// SetSMBState records the sidecar state.
func SetSMBState(state int) {
	smbSidecarState.Set(float64(state))
}

// RecordSMBCall records one sidecar call.
func RecordSMBCall(method string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	smbCalls.WithLabelValues(method, status).Inc()
}

// RecordArchiveStructureLookup records a structure cache hit or miss.
func RecordArchiveStructureLookup(hit bool) {
	if hit {
		archiveStructureLookups.WithLabelValues("hit").Inc()
		return
	}
	archiveStructureLookups.WithLabelValues("miss").Inc()
}

// RecordArchiveExtraction records an extraction served from cache or disk.
func RecordArchiveExtraction(result string) {
	archiveExtractions.WithLabelValues(result).Inc()
}

// RecordArchivePruned records files removed by a prune policy.
func RecordArchivePruned(policy string, n int) {
	if n > 0 {
		archivePruned.WithLabelValues(policy).Add(float64(n))
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
