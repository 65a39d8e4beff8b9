package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fedtrust/pkg/types"
)

// Metrics tracks consensus, cross-signing, trust and sync activity.
// All methods are safe to call on a nil receiver.
type Metrics struct {
	registry prometheus.Gatherer

	// Consensus metrics
	ConsensusRounds  *prometheus.CounterVec
	AgreementRatio   prometheus.Histogram
	TrustScore       *prometheus.GaugeVec
	TrustAdjustments *prometheus.CounterVec

	// Cross-sign metrics
	AnchorProposals     *prometheus.CounterVec
	AnchorsVerified     prometheus.Counter
	SignaturesReceived  *prometheus.CounterVec
	ByzantineDetections prometheus.Counter

	// Sync metrics
	SyncCycles           *prometheus.CounterVec
	PeerSyncs            *prometheus.CounterVec
	FetchLatency         prometheus.Histogram
	EventsApplied        prometheus.Counter
	EventsRejected       *prometheus.CounterVec
	LowAssuranceAccepted prometheus.Counter
	LastSync             prometheus.Gauge
}

// New creates and registers the metrics. A nil registry uses a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		ConsensusRounds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedtrust_consensus_rounds_total",
			Help: "Consensus rounds by resolution",
		}, []string{"resolution"}),
		AgreementRatio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedtrust_consensus_agreement_ratio",
			Help:    "Majority agreement ratio of completed rounds",
			Buckets: []float64{0.25, 0.5, 0.66, 0.75, 0.9, 1},
		}),
		TrustScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fedtrust_peer_trust_score",
			Help: "Current trust score per peer (0-100)",
		}, []string{"node"}),
		TrustAdjustments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedtrust_trust_adjustments_total",
			Help: "Trust score mutations by reason",
		}, []string{"reason"}),

		AnchorProposals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedtrust_anchor_proposals_total",
			Help: "Anchor proposals by outcome",
		}, []string{"outcome"}),
		AnchorsVerified: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedtrust_anchors_verified_total",
			Help: "Anchors that reached signature quorum",
		}),
		SignaturesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedtrust_cross_signatures_total",
			Help: "Cross-signatures received by outcome",
		}, []string{"outcome"}),
		ByzantineDetections: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedtrust_byzantine_detections_total",
			Help: "Cryptographically invalid signatures detected",
		}),

		SyncCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedtrust_sync_cycles_total",
			Help: "Federation sync cycles by outcome",
		}, []string{"outcome"}),
		PeerSyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedtrust_peer_syncs_total",
			Help: "Per-peer sync attempts by outcome",
		}, []string{"outcome"}),
		FetchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedtrust_fetch_latency_seconds",
			Help:    "Remote event log fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		EventsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedtrust_events_applied_total",
			Help: "Remote events appended to the local log",
		}),
		EventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedtrust_events_rejected_total",
			Help: "Remote events rejected by reason",
		}, []string{"reason"}),
		LowAssuranceAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedtrust_low_assurance_accepted_total",
			Help: "Events accepted through the single-peer trust gate",
		}),
		LastSync: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fedtrust_last_sync_timestamp",
			Help: "Timestamp of the last completed sync cycle",
		}),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRound(round *types.ConsensusRound) {
	if m == nil {
		return
	}
	m.ConsensusRounds.WithLabelValues(string(round.Resolution)).Inc()
	if round.Resolution != types.InsufficientNodes {
		m.AgreementRatio.Observe(round.AgreementPercentage)
	}
}

func (m *Metrics) ObserveAdjustment(adj types.TrustAdjustment) {
	if m == nil {
		return
	}
	m.TrustAdjustments.WithLabelValues(adj.Reason).Inc()
	m.TrustScore.WithLabelValues(string(adj.NodeID)).Set(adj.New)
	if adj.Reason == types.ReasonByzantine {
		m.ByzantineDetections.Inc()
	}
}

func (m *Metrics) SetTrust(nodeID types.NodeID, score float64) {
	if m == nil {
		return
	}
	m.TrustScore.WithLabelValues(string(nodeID)).Set(score)
}

func (m *Metrics) ObserveProposal(outcome string) {
	if m == nil {
		return
	}
	m.AnchorProposals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSignature(outcome string) {
	if m == nil {
		return
	}
	m.SignaturesReceived.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAnchorVerified() {
	if m == nil {
		return
	}
	m.AnchorsVerified.Inc()
}

func (m *Metrics) ObservePeerSync(outcome string, fetch time.Duration) {
	if m == nil {
		return
	}
	m.PeerSyncs.WithLabelValues(outcome).Inc()
	if fetch > 0 {
		m.FetchLatency.Observe(fetch.Seconds())
	}
}

func (m *Metrics) ObserveSyncCycle(outcome string, at time.Time) {
	if m == nil {
		return
	}
	m.SyncCycles.WithLabelValues(outcome).Inc()
	m.LastSync.Set(float64(at.Unix()))
}

func (m *Metrics) ObserveEventApplied(lowAssurance bool) {
	if m == nil {
		return
	}
	m.EventsApplied.Inc()
	if lowAssurance {
		m.LowAssuranceAccepted.Inc()
	}
}

func (m *Metrics) ObserveEventRejected(reason string) {
	if m == nil {
		return
	}
	m.EventsRejected.WithLabelValues(reason).Inc()
}
