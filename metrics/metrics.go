package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ledger"

// Metrics groups the node's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	TransactionsSubmitted prometheus.Counter
	TransactionsDuplicate prometheus.Counter
	TransactionsRejected  *prometheus.CounterVec
	TransactionsExpired   prometheus.Counter
	TransactionsArchived  prometheus.Counter
	BlocksAssembled       prometheus.Counter
	BlocksRejected        *prometheus.CounterVec
	BlockSize             prometheus.Histogram
	ForwardFailures       *prometheus.CounterVec
	GossipRounds          *prometheus.CounterVec
	GossipMerged          *prometheus.CounterVec
	PendingSize           prometheus.Gauge
	ChainHeight           prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransactionsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transactions_submitted_total",
			Help:      "Transactions accepted into the pending set.",
		}),
		TransactionsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transactions_duplicate_total",
			Help:      "Re-submissions of an already known transaction id.",
		}),
		TransactionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transactions_rejected_total",
			Help:      "Transactions refused at ingress, by reason.",
		}, []string{"reason"}),
		TransactionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transactions_expired_total",
			Help:      "Pending transactions removed by the retention sweep.",
		}),
		TransactionsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transactions_archived_total",
			Help:      "Shared transactions moved to analytics storage.",
		}),
		BlocksAssembled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "blocks_assembled_total",
			Help:      "Blocks assembled and appended locally.",
		}),
		BlocksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "blocks_rejected_total",
			Help:      "Gossiped blocks refused, by reason.",
		}, []string{"reason"}),
		BlockSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "block_transactions",
			Help:      "Transactions per assembled block.",
			Buckets:   []float64{1, 5, 10, 50, 100, 250, 500},
		}),
		ForwardFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "forward_failures_total",
			Help:      "Failed upstream forwards, by kind.",
		}, []string{"kind"}),
		GossipRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "rounds_total",
			Help:      "Gossip rounds sent, by kind.",
		}, []string{"kind"}),
		GossipMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "merged_total",
			Help:      "Items merged from peers, by kind.",
		}, []string{"kind"}),
		PendingSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "pending_transactions",
			Help:      "Current size of the pending set.",
		}),
		ChainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "height",
			Help:      "Number of blocks in the local chain.",
		}),
	}
	reg.MustRegister(
		m.TransactionsSubmitted,
		m.TransactionsDuplicate,
		m.TransactionsRejected,
		m.TransactionsExpired,
		m.TransactionsArchived,
		m.BlocksAssembled,
		m.BlocksRejected,
		m.BlockSize,
		m.ForwardFailures,
		m.GossipRounds,
		m.GossipMerged,
		m.PendingSize,
		m.ChainHeight,
	)
	return m
}

func (m *Metrics) Submitted() {
	if m != nil {
		m.TransactionsSubmitted.Inc()
	}
}

func (m *Metrics) Duplicate() {
	if m != nil {
		m.TransactionsDuplicate.Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.TransactionsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Expired(n int) {
	if m != nil {
		m.TransactionsExpired.Add(float64(n))
	}
}

func (m *Metrics) Archived() {
	if m != nil {
		m.TransactionsArchived.Inc()
	}
}

func (m *Metrics) Assembled(txs int, height int) {
	if m != nil {
		m.BlocksAssembled.Inc()
		m.BlockSize.Observe(float64(txs))
		m.ChainHeight.Set(float64(height))
	}
}

func (m *Metrics) BlockRejected(reason string) {
	if m != nil {
		m.BlocksRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ForwardFailed(kind string) {
	if m != nil {
		m.ForwardFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) GossipRound(kind string) {
	if m != nil {
		m.GossipRounds.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Merged(kind string, n int) {
	if m != nil && n > 0 {
		m.GossipMerged.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) Pending(n int) {
	if m != nil {
		m.PendingSize.Set(float64(n))
	}
}

func (m *Metrics) Height(n int) {
	if m != nil {
		m.ChainHeight.Set(float64(n))
	}
}
