package federation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"fedtrust/pkg/metrics"
	"fedtrust/pkg/signing"
	"fedtrust/pkg/storage"
	"fedtrust/pkg/types"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrPeerExists  = errors.New("peer already registered")
)

const (
	peerKeyPrefix  = "peer/"
	roundsKey      = "meta/rounds"
	auditKey       = "meta/audit"
	byzantineKey   = "meta/byzantine"
	defaultHistory = 100
	defaultAudit   = 500
)

// TrustStoreOptions configures bounds and defaults of the trust registry.
type TrustStoreOptions struct {
	HistorySize  int     // consensus rounds retained, oldest evicted first
	AuditSize    int     // trust adjustments retained, oldest evicted first
	InitialScore float64 // score assigned on registration
}

// TrustStore is the persisted registry of peer nodes and their trust scores,
// together with the bounded consensus history and trust audit trail.
//
// Readers share the lock. Every mutation builds the new state on copies,
// persists it in one batch and only then swaps it in, all under the
// exclusive lock, so concurrent rounds touching the same peer cannot lose
// updates.
type TrustStore struct {
	mu sync.RWMutex

	store   storage.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	peers          map[types.NodeID]*types.PeerNode
	rounds         []*types.ConsensusRound
	audit          []types.TrustAdjustment
	byzantineCount uint64

	historySize  int
	auditSize    int
	initialScore float64
}

// NewTrustStore loads the registry from store.
func NewTrustStore(store storage.Store, opts TrustStoreOptions, logger *zap.Logger) (*TrustStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistory
	}
	if opts.AuditSize <= 0 {
		opts.AuditSize = defaultAudit
	}
	if opts.InitialScore == 0 {
		opts.InitialScore = types.InitialTrustScore
	}

	ts := &TrustStore{
		store:        store,
		logger:       logger,
		now:          time.Now,
		peers:        make(map[types.NodeID]*types.PeerNode),
		historySize:  opts.HistorySize,
		auditSize:    opts.AuditSize,
		initialScore: types.ClampTrust(opts.InitialScore),
	}

	if err := ts.load(); err != nil {
		return nil, err
	}
	return ts, nil
}

// SetMetrics attaches metrics and publishes the current scores.
func (ts *TrustStore) SetMetrics(m *metrics.Metrics) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.metrics = m
	for id, peer := range ts.peers {
		m.SetTrust(id, peer.TrustScore)
	}
}

func (ts *TrustStore) load() error {
	err := ts.store.Iterate([]byte(peerKeyPrefix), func(key, value []byte) error {
		var peer types.PeerNode
		if err := json.Unmarshal(value, &peer); err != nil {
			return fmt.Errorf("failed to decode peer %s: %w", key, err)
		}
		peer.SetTrust(peer.TrustScore)
		ts.peers[peer.NodeID] = &peer
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load peers: %w", err)
	}

	if err := ts.loadJSON(roundsKey, &ts.rounds); err != nil {
		return fmt.Errorf("failed to load consensus history: %w", err)
	}
	if err := ts.loadJSON(auditKey, &ts.audit); err != nil {
		return fmt.Errorf("failed to load trust audit: %w", err)
	}
	if err := ts.loadJSON(byzantineKey, &ts.byzantineCount); err != nil {
		return fmt.Errorf("failed to load byzantine counter: %w", err)
	}

	ts.rounds = trimRounds(ts.rounds, ts.historySize)
	ts.audit = trimAudit(ts.audit, ts.auditSize)
	return nil
}

func (ts *TrustStore) loadJSON(key string, v interface{}) error {
	data, err := ts.store.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Register adds a peer. The node ID is derived from the public key
// fingerprint; the score starts at the configured initial value and the
// peer is active.
func (ts *TrustStore) Register(peer types.PeerNode) (*types.PeerNode, error) {
	if peer.PublicKeyFingerprint == "" {
		return nil, fmt.Errorf("peer public key fingerprint is required")
	}
	derived := signing.NodeIDFromFingerprint(peer.PublicKeyFingerprint)
	if peer.NodeID != "" && peer.NodeID != derived {
		return nil, fmt.Errorf("node id %s does not match fingerprint (expected %s)", peer.NodeID, derived)
	}
	peer.NodeID = derived
	peer.TrustScore = ts.initialScore
	peer.Status = types.PeerActive
	peer.LastSeen = nil

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, exists := ts.peers[peer.NodeID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPeerExists, peer.NodeID)
	}

	kv, err := peerKV(&peer)
	if err != nil {
		return nil, err
	}
	if err := ts.store.WriteBatch([]storage.KeyValue{kv}); err != nil {
		return nil, fmt.Errorf("failed to persist peer: %w", err)
	}

	ts.peers[peer.NodeID] = &peer
	ts.metrics.SetTrust(peer.NodeID, peer.TrustScore)

	ts.logger.Info("Registered peer",
		zap.String("node_id", string(peer.NodeID)),
		zap.String("organization", peer.Organization),
		zap.String("endpoint", peer.Endpoint))

	return peer.Clone(), nil
}

// Get returns a copy of a peer record.
func (ts *TrustStore) Get(nodeID types.NodeID) (*types.PeerNode, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	peer, exists := ts.peers[nodeID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, nodeID)
	}
	return peer.Clone(), nil
}

// TrustScore returns a peer's current score.
func (ts *TrustStore) TrustScore(nodeID types.NodeID) (float64, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	peer, exists := ts.peers[nodeID]
	if !exists {
		return 0, false
	}
	return peer.TrustScore, true
}

// IsKnown reports whether the node is registered.
func (ts *TrustStore) IsKnown(nodeID types.NodeID) bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	_, exists := ts.peers[nodeID]
	return exists
}

// List returns copies of all peers sorted by node ID.
func (ts *TrustStore) List() []*types.PeerNode {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.listLocked(func(*types.PeerNode) bool { return true })
}

// ActivePeers returns copies of peers whose status is active.
func (ts *TrustStore) ActivePeers() []*types.PeerNode {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.listLocked(func(p *types.PeerNode) bool { return p.Status == types.PeerActive })
}

// listLocked must be called with the lock held.
func (ts *TrustStore) listLocked(keep func(*types.PeerNode) bool) []*types.PeerNode {
	peers := make([]*types.PeerNode, 0, len(ts.peers))
	for _, peer := range ts.peers {
		if keep(peer) {
			peers = append(peers, peer.Clone())
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].NodeID < peers[j].NodeID })
	return peers
}

// SetStatus transitions a peer. Peers are never deleted.
func (ts *TrustStore) SetStatus(nodeID types.NodeID, status types.PeerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid peer status %q", status)
	}
	return ts.mutatePeer(nodeID, func(p *types.PeerNode) {
		p.Status = status
	})
}

// MarkSeen records a successful contact: last_seen is set and the peer is
// reactivated.
func (ts *TrustStore) MarkSeen(nodeID types.NodeID, at time.Time) error {
	return ts.mutatePeer(nodeID, func(p *types.PeerNode) {
		seen := at
		p.LastSeen = &seen
		p.Status = types.PeerActive
	})
}

func (ts *TrustStore) mutatePeer(nodeID types.NodeID, fn func(*types.PeerNode)) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	current, exists := ts.peers[nodeID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, nodeID)
	}

	updated := current.Clone()
	fn(updated)

	kv, err := peerKV(updated)
	if err != nil {
		return err
	}
	if err := ts.store.WriteBatch([]storage.KeyValue{kv}); err != nil {
		return fmt.Errorf("failed to persist peer: %w", err)
	}

	ts.peers[nodeID] = updated
	return nil
}

// ApplyRound adds score deltas for the participants of a consensus round and
// appends the round to the bounded history in a single persisted step.
// Deltas for unregistered nodes are ignored.
func (ts *TrustStore) ApplyRound(round *types.ConsensusRound, deltas map[types.NodeID]float64) ([]types.TrustAdjustment, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	updated := make(map[types.NodeID]*types.PeerNode, len(deltas))
	var adjustments []types.TrustAdjustment

	// Deterministic audit order
	ids := make([]types.NodeID, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		delta := deltas[id]
		current, exists := ts.peers[id]
		if !exists || delta == 0 {
			continue
		}

		peer := current.Clone()
		peer.SetTrust(current.TrustScore + delta)
		updated[id] = peer

		reason := types.ReasonConsensusAgree
		if delta < 0 {
			reason = types.ReasonConsensusDisagree
		}
		adjustments = append(adjustments, types.TrustAdjustment{
			NodeID: id,
			Old:    current.TrustScore,
			New:    peer.TrustScore,
			Reason: reason,
			Ref:    string(round.EventHash),
			At:     now,
		})
	}

	rounds := trimRounds(append(append([]*types.ConsensusRound(nil), ts.rounds...), round), ts.historySize)
	audit := trimAudit(append(append([]types.TrustAdjustment(nil), ts.audit...), adjustments...), ts.auditSize)

	if err := ts.persistLocked(updated, rounds, audit, ts.byzantineCount); err != nil {
		return nil, err
	}

	for id, peer := range updated {
		ts.peers[id] = peer
	}
	ts.rounds = rounds
	ts.audit = audit
	for _, adj := range adjustments {
		ts.metrics.ObserveAdjustment(adj)
	}

	return adjustments, nil
}

// PenalizeByzantine multiplies a peer's score by factor and increments the
// Byzantine-detection counter by exactly one.
func (ts *TrustStore) PenalizeByzantine(nodeID types.NodeID, factor float64, ref string) (types.TrustAdjustment, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	current, exists := ts.peers[nodeID]
	if !exists {
		return types.TrustAdjustment{}, fmt.Errorf("%w: %s", ErrUnknownPeer, nodeID)
	}

	peer := current.Clone()
	peer.SetTrust(current.TrustScore * factor)

	adj := types.TrustAdjustment{
		NodeID: nodeID,
		Old:    current.TrustScore,
		New:    peer.TrustScore,
		Reason: types.ReasonByzantine,
		Ref:    ref,
		At:     ts.now(),
	}
	audit := trimAudit(append(append([]types.TrustAdjustment(nil), ts.audit...), adj), ts.auditSize)
	count := ts.byzantineCount + 1

	if err := ts.persistLocked(map[types.NodeID]*types.PeerNode{nodeID: peer}, ts.rounds, audit, count); err != nil {
		return types.TrustAdjustment{}, err
	}

	ts.peers[nodeID] = peer
	ts.audit = audit
	ts.byzantineCount = count
	ts.metrics.ObserveAdjustment(adj)

	ts.logger.Warn("Byzantine signature detected, trust halved",
		zap.String("node_id", string(nodeID)),
		zap.Float64("old_trust", adj.Old),
		zap.Float64("trust_score", adj.New),
		zap.String("ref", ref))

	return adj, nil
}

// persistLocked writes the changed peers and the manifest lists in one
// batch (must be called with lock held).
func (ts *TrustStore) persistLocked(peers map[types.NodeID]*types.PeerNode, rounds []*types.ConsensusRound, audit []types.TrustAdjustment, byzantine uint64) error {
	pairs := make([]storage.KeyValue, 0, len(peers)+3)
	for _, peer := range peers {
		kv, err := peerKV(peer)
		if err != nil {
			return err
		}
		pairs = append(pairs, kv)
	}

	for key, v := range map[string]interface{}{roundsKey: rounds, auditKey: audit, byzantineKey: byzantine} {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
		pairs = append(pairs, storage.KeyValue{Key: []byte(key), Value: data})
	}

	if err := ts.store.WriteBatch(pairs); err != nil {
		return fmt.Errorf("failed to persist trust state: %w", err)
	}
	return nil
}

// Rounds returns the retained consensus history, oldest first.
func (ts *TrustStore) Rounds() []*types.ConsensusRound {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return append([]*types.ConsensusRound(nil), ts.rounds...)
}

// Audit returns the retained trust adjustments, oldest first.
func (ts *TrustStore) Audit() []types.TrustAdjustment {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return append([]types.TrustAdjustment(nil), ts.audit...)
}

func (ts *TrustStore) ByzantineCount() uint64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.byzantineCount
}

// TrustSnapshot is a consistent read of the registry.
type TrustSnapshot struct {
	Peers               []*types.PeerNode       `json:"peers"`
	ByzantineDetections uint64                  `json:"byzantine_detections"`
	Rounds              []*types.ConsensusRound `json:"rounds"`
	Audit               []types.TrustAdjustment `json:"audit"`
}

// Snapshot returns peers, counters and history under one read lock.
func (ts *TrustStore) Snapshot() TrustSnapshot {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	return TrustSnapshot{
		Peers:               ts.listLocked(func(*types.PeerNode) bool { return true }),
		ByzantineDetections: ts.byzantineCount,
		Rounds:              append([]*types.ConsensusRound(nil), ts.rounds...),
		Audit:               append([]types.TrustAdjustment(nil), ts.audit...),
	}
}

func peerKV(peer *types.PeerNode) (storage.KeyValue, error) {
	data, err := json.Marshal(peer)
	if err != nil {
		return storage.KeyValue{}, fmt.Errorf("failed to encode peer: %w", err)
	}
	return storage.KeyValue{Key: []byte(peerKeyPrefix + string(peer.NodeID)), Value: data}, nil
}

func trimRounds(rounds []*types.ConsensusRound, limit int) []*types.ConsensusRound {
	if len(rounds) > limit {
		return rounds[len(rounds)-limit:]
	}
	return rounds
}

func trimAudit(audit []types.TrustAdjustment, limit int) []types.TrustAdjustment {
	if len(audit) > limit {
		return audit[len(audit)-limit:]
	}
	return audit
}
