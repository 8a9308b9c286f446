// Package metrics holds the Prometheus collectors of certrotor.
//
// Collectors are package-level and always record; Register exposes them on a
// registry. The daemon serves them through Handler.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "certrotor"

var (
	CertificatesIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "certificates_issued_total",
		Help:      "Leaf certificates signed, by class and kind (issue or renew).",
	}, []string{"class", "kind"})

	CertificateExpiry = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "certificate_expiry_timestamp_seconds",
		Help:      "NotAfter of the active certificate of a node and class.",
	}, []string{"node", "class"})

	SignRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sign_retries_total",
		Help:      "Signing attempts retried after the CA was unreachable.",
	})

	RenewalChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "renewal_checks_total",
		Help:      "Scheduled renewal checks by result (renewed, not_due, skipped, failed).",
	}, []string{"result"})

	Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rotation_operations_total",
		Help:      "Rotation operations by kind and outcome.",
	}, []string{"kind", "outcome"})

	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rotation_operation_duration_seconds",
		Help:      "Wall time of rotation operations.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"kind"})

	Restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollout_restarts_total",
		Help:      "Node restarts performed by rollouts, by result.",
	}, []string{"result"})

	QuorumBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollout_quorum_checks_total",
		Help:      "Rollout pre-checks that found the cluster at risk, by decision (blocked, forced).",
	}, []string{"decision"})

	Backups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backups_total",
		Help:      "Backup runs by kind and result (success, no_changes, failed).",
	}, []string{"kind", "result"})

	BackupSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backup_last_size_bytes",
		Help:      "Stored size of the latest artifact per kind.",
	}, []string{"kind"})

	LastBackup = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backup_last_success_timestamp_seconds",
		Help:      "Time of the latest successful backup per kind.",
	}, []string{"kind"})

	Restores = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "restores_total",
		Help:      "Restores by kind and result.",
	}, []string{"kind", "result"})
)

// Collectors returns every certrotor collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		CertificatesIssued,
		CertificateExpiry,
		SignRetries,
		RenewalChecks,
		Operations,
		OperationDuration,
		Restarts,
		QuorumBlocks,
		Backups,
		BackupSize,
		LastBackup,
		Restores,
	}
}

var (
	registerOnce sync.Once
	registerErr  error
)

// Register adds the collectors to reg, or the default registerer when reg is nil.
// Collectors already registered are accepted.
func Register(reg prometheus.Registerer) error {
	registerOnce.Do(func() {
		for _, c := range Collectors() {
			if err := registerCollector(reg, c); err != nil {
				registerErr = err
				return
			}
		}
	})
	return registerErr
}

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}

// Handler serves the metrics of g, or the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveExpiry records the NotAfter of an active certificate.
func ObserveExpiry(node, class string, notAfter time.Time) {
	CertificateExpiry.WithLabelValues(node, class).Set(float64(notAfter.Unix()))
}

// ForgetNode drops per-node series after a node leaves.
func ForgetNode(node string) {
	CertificateExpiry.DeletePartialMatch(prometheus.Labels{"node": node})
}
