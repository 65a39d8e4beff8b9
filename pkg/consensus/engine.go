// Package consensus implements hash-majority voting over peer-reported
// event hashes with trust feedback.
package consensus

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"fedtrust/pkg/metrics"
	"fedtrust/pkg/types"
)

const (
	DefaultMinParticipants = 2
	DefaultThreshold       = 0.66
	DefaultAgreeReward     = 2.0
	DefaultDisagreePenalty = 5.0
)

// ScoreKeeper applies trust deltas and records the round in the bounded
// consensus history as one serialized step.
type ScoreKeeper interface {
	ApplyRound(round *types.ConsensusRound, deltas map[types.NodeID]float64) ([]types.TrustAdjustment, error)
}

type Config struct {
	MinParticipants int
	Threshold       float64
	AgreeReward     float64
	DisagreePenalty float64
}

func DefaultConfig() Config {
	return Config{
		MinParticipants: DefaultMinParticipants,
		Threshold:       DefaultThreshold,
		AgreeReward:     DefaultAgreeReward,
		DisagreePenalty: DefaultDisagreePenalty,
	}
}

// Engine runs consensus rounds. It never fails: every outcome is a round
// resolution.
type Engine struct {
	// mu keeps rounds in submission order.
	mu sync.Mutex

	cfg     Config
	trust   ScoreKeeper
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewEngine(cfg Config, trust ScoreKeeper, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.MinParticipants <= 0 {
		cfg.MinParticipants = defaults.MinParticipants
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = defaults.Threshold
	}
	if cfg.AgreeReward == 0 {
		cfg.AgreeReward = defaults.AgreeReward
	}
	if cfg.DisagreePenalty == 0 {
		cfg.DisagreePenalty = defaults.DisagreePenalty
	}

	return &Engine{
		cfg:     cfg,
		trust:   trust,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Validate runs a round with the configured participation minimum and threshold.
func (e *Engine) Validate(eventHash types.Hash, reported map[types.NodeID]types.Hash) *types.ConsensusRound {
	return e.ValidateWith(eventHash, reported, e.cfg.MinParticipants, e.cfg.Threshold)
}

// ValidateWith runs one hash-majority round over the peer-reported hashes.
// Peers reporting an empty hash are treated as absent.
func (e *Engine) ValidateWith(eventHash types.Hash, reported map[types.NodeID]types.Hash, minParticipants int, threshold float64) *types.ConsensusRound {
	if minParticipants <= 0 {
		minParticipants = e.cfg.MinParticipants
	}
	if threshold <= 0 || threshold > 1 {
		threshold = e.cfg.Threshold
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	round := &types.ConsensusRound{
		EventHash:      eventHash,
		InitiatedAt:    e.now(),
		ReportedHashes: make(map[types.NodeID]types.Hash, len(reported)),
		Threshold:      threshold,
	}
	for id, h := range reported {
		if h == "" {
			continue
		}
		round.ReportedHashes[id] = h
		round.ParticipatingNodes = append(round.ParticipatingNodes, id)
	}
	sortNodeIDs(round.ParticipatingNodes)

	var deltas map[types.NodeID]float64

	if len(round.ParticipatingNodes) < minParticipants {
		round.Resolution = types.InsufficientNodes
	} else {
		round.MajorityHash, round.MajorityCount = Tally(round.ReportedHashes)
		round.AgreementPercentage = float64(round.MajorityCount) / float64(len(round.ParticipatingNodes))
		round.Achieved = round.AgreementPercentage >= threshold

		for _, id := range round.ParticipatingNodes {
			if round.ReportedHashes[id] != round.MajorityHash {
				round.DisagreeingNodes = append(round.DisagreeingNodes, id)
			}
		}

		if round.Achieved {
			round.Resolution = types.ConsensusAchieved
			deltas = e.deltas(round)
		} else {
			// Ambiguous outcomes punish nobody.
			round.Resolution = types.ConsensusFailed
		}
	}
	round.CompletedAt = e.now()

	e.record(round, deltas)
	return round
}

func (e *Engine) deltas(round *types.ConsensusRound) map[types.NodeID]float64 {
	deltas := make(map[types.NodeID]float64, len(round.ParticipatingNodes))
	for _, id := range round.ParticipatingNodes {
		if round.ReportedHashes[id] == round.MajorityHash {
			deltas[id] = e.cfg.AgreeReward
		} else {
			deltas[id] = -e.cfg.DisagreePenalty
		}
	}
	return deltas
}

func (e *Engine) record(round *types.ConsensusRound, deltas map[types.NodeID]float64) {
	e.metrics.ObserveRound(round)

	fields := []zap.Field{
		zap.String("event_hash", string(round.EventHash)),
		zap.String("resolution", string(round.Resolution)),
		zap.Int("participants", len(round.ParticipatingNodes)),
		zap.Float64("agreement", round.AgreementPercentage),
	}
	if round.Resolution == types.ConsensusAchieved {
		e.logger.Debug("Consensus round completed", fields...)
	} else {
		e.logger.Info("Consensus round not achieved", fields...)
	}

	if e.trust == nil {
		return
	}
	if _, err := e.trust.ApplyRound(round, deltas); err != nil {
		e.logger.Error("Failed to record consensus round",
			zap.String("event_hash", string(round.EventHash)),
			zap.Error(err))
	}
}

// Tally returns the most reported hash and its count. Ties go to the
// lexicographically smallest hash.
func Tally(reported map[types.NodeID]types.Hash) (types.Hash, int) {
	counts := make(map[types.Hash]int, len(reported))
	for _, h := range reported {
		counts[h]++
	}

	var (
		majority types.Hash
		best     int
	)
	for h, c := range counts {
		if c > best || (c == best && h < majority) {
			majority, best = h, c
		}
	}
	return majority, best
}

func sortNodeIDs(ids []types.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
