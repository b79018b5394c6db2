// Package metrics defines the prometheus instruments for the transport
// and its background sweeper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transport holds the per-queue instruments. All counters are monotonic;
// the queue name rides along as a const label so several transports can
// share one registry.
type Transport struct {
	Sent            prometheus.Counter
	Received        prometheus.Counter
	EmptyReceives   prometheus.Counter
	DeadlockRetries prometheus.Counter
	ExpiredDeleted  prometheus.Counter
	LeasesReclaimed prometheus.Counter
	LeaseRenewals   prometheus.Counter
	ReceiveDuration prometheus.Histogram
}

// NewTransport registers the instruments with reg; a nil reg falls back to
// the default registerer.
func NewTransport(reg prometheus.Registerer, queue string) *Transport {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"queue": queue}
	factory := promauto.With(reg)
	return &Transport{
		Sent: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mysqlbus_messages_sent_total",
			Help:        "Messages inserted into queue tables.",
			ConstLabels: labels,
		}),
		Received: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mysqlbus_messages_received_total",
			Help:        "Messages leased to a worker.",
			ConstLabels: labels,
		}),
		EmptyReceives: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mysqlbus_empty_receives_total",
			Help:        "Receive calls that found no deliverable row.",
			ConstLabels: labels,
		}),
		DeadlockRetries: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mysqlbus_deadlock_retries_total",
			Help:        "MySQL 1213 deadlocks retried or converted into empty receives.",
			ConstLabels: labels,
		}),
		ExpiredDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mysqlbus_expired_messages_deleted_total",
			Help:        "Rows removed by the expiration sweeper.",
			ConstLabels: labels,
		}),
		LeasesReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mysqlbus_leases_reclaimed_total",
			Help:        "Abandoned leases cleared by the sweeper.",
			ConstLabels: labels,
		}),
		LeaseRenewals: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mysqlbus_lease_renewals_total",
			Help:        "Automatic lease extensions issued while handlers run.",
			ConstLabels: labels,
		}),
		ReceiveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "mysqlbus_receive_duration_seconds",
			Help:        "Wall time of a single receive attempt.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}
