package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fedtrust/pkg/metrics"
	"fedtrust/pkg/signing"
	"fedtrust/pkg/storage"
	"fedtrust/pkg/types"
)

const (
	syncStateKey      = "meta/sync"
	decisionKeyPrefix = "round/"
)

const (
	DefaultSyncInterval     = 60 * time.Minute
	DefaultFetchTimeout     = 30 * time.Second
	DefaultSyncWorkers      = 4
	DefaultFallbackMinTrust = 50.0
	DefaultMinParticipants  = 2
)

// DefaultQuorumKinds are the event kinds validated through anchor sign-off.
var DefaultQuorumKinds = []string{"anchor"}

// PeerSyncState is a step of the per-peer sync state machine.
type PeerSyncState string

const (
	SyncIdle       PeerSyncState = "idle"
	SyncFetching   PeerSyncState = "fetching"
	SyncDiffing    PeerSyncState = "diffing"
	SyncValidating PeerSyncState = "validating"
	SyncApplying   PeerSyncState = "applying"
	SyncFailed     PeerSyncState = "failed"
)

// Event rejection reasons.
const (
	RejectHashMismatch     = "hash_mismatch"
	RejectConsensus        = "consensus_not_achieved"
	RejectAnchorUnverified = "anchor_unverified"
	RejectLowTrust         = "low_trust"
)

// EventValidator runs a hash-majority round over peer-reported hashes.
type EventValidator interface {
	Validate(eventHash types.Hash, reported map[types.NodeID]types.Hash) *types.ConsensusRound
}

// AnchorRegistry reports whether an anchor reached signature quorum.
type AnchorRegistry interface {
	IsVerified(anchorHash types.Hash) bool
}

type SyncOptions struct {
	LocalNodeID      types.NodeID
	Interval         time.Duration
	FetchTimeout     time.Duration
	Workers          int
	FallbackMinTrust float64
	MinParticipants  int
	QuorumKinds      []string
}

// SyncState is the persisted cycle bookkeeping.
type SyncState struct {
	LastSync        *time.Time                      `json:"last_sync,omitempty"`
	SuccessfulSyncs uint64                          `json:"successful_syncs"`
	FailedSyncs     uint64                          `json:"failed_syncs"`
	Peers           map[types.NodeID]PeerSyncStatus `json:"peers"`
}

// PeerSyncStatus is the last known sync position of one peer.
type PeerSyncStatus struct {
	State       PeerSyncState `json:"state"`
	LastAttempt time.Time     `json:"last_attempt"`
	LastSuccess *time.Time    `json:"last_success,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

// PeerSyncResult is the outcome of one peer within a cycle.
type PeerSyncResult struct {
	NodeID       types.NodeID  `json:"node_id"`
	Endpoint     string        `json:"endpoint"`
	State        PeerSyncState `json:"state"`
	Fetched      int           `json:"fetched"`
	New          int           `json:"new"`
	Applied      int           `json:"applied"`
	LowAssurance int           `json:"low_assurance"`
	Rejected     int           `json:"rejected"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// SyncSummary is the outcome of SyncAll. Rounds lists only the rounds run
// in this cycle; outcomes reused from earlier cycles are not repeated.
type SyncSummary struct {
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
	Skipped     bool                    `json:"skipped"`
	Succeeded   int                     `json:"succeeded"`
	Failed      int                     `json:"failed"`
	PerPeer     []PeerSyncResult        `json:"per_peer"`
	Rounds      []*types.ConsensusRound `json:"rounds,omitempty"`
}

// SyncManager drives fetch, diff, validate and apply across active peers.
// Fetches run concurrently; validation and appends go through the
// serialized TrustStore and EventLog.
type SyncManager struct {
	// cycle admits one SyncAll at a time.
	cycle sync.Mutex
	mu    sync.RWMutex

	opts      SyncOptions
	store     storage.Store
	log       *EventLog
	trust     *TrustStore
	transport Transport
	validator EventValidator
	anchors   AnchorRegistry
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	state SyncState
}

func NewSyncManager(opts SyncOptions, store storage.Store, log *EventLog, trust *TrustStore, transport Transport, validator EventValidator, anchors AnchorRegistry, m *metrics.Metrics, logger *zap.Logger) (*SyncManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultSyncInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultSyncWorkers
	}
	if opts.FallbackMinTrust == 0 {
		opts.FallbackMinTrust = DefaultFallbackMinTrust
	}
	if opts.MinParticipants <= 0 {
		opts.MinParticipants = DefaultMinParticipants
	}
	if opts.QuorumKinds == nil {
		opts.QuorumKinds = DefaultQuorumKinds
	}

	sm := &SyncManager{
		opts:      opts,
		store:     store,
		log:       log,
		trust:     trust,
		transport: transport,
		validator: validator,
		anchors:   anchors,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		state:     SyncState{Peers: make(map[types.NodeID]PeerSyncStatus)},
	}

	data, err := store.Get([]byte(syncStateKey))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	default:
		if err := json.Unmarshal(data, &sm.state); err != nil {
			return nil, fmt.Errorf("failed to decode sync state: %w", err)
		}
		if sm.state.Peers == nil {
			sm.state.Peers = make(map[types.NodeID]PeerSyncStatus)
		}
	}

	return sm, nil
}

// State returns a copy of the sync bookkeeping.
func (sm *SyncManager) State() SyncState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	c := sm.state
	if sm.state.LastSync != nil {
		ts := *sm.state.LastSync
		c.LastSync = &ts
	}
	c.Peers = make(map[types.NodeID]PeerSyncStatus, len(sm.state.Peers))
	for id, p := range sm.state.Peers {
		c.Peers[id] = p
	}
	return c
}

// IsDue reports whether the interval since the last sync has elapsed.
func (sm *SyncManager) IsDue(now time.Time) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.LastSync == nil || now.Sub(*sm.state.LastSync) >= sm.opts.Interval
}

type fetchResult struct {
	peer    *types.PeerNode
	events  []types.Event
	err     error
	elapsed time.Duration
}

// SyncAll runs one cycle against every active peer. Unless force is set,
// the cycle is skipped when the interval has not elapsed. Peer failures are
// reported per peer; the returned error is reserved for failures to
// persist the cycle.
func (sm *SyncManager) SyncAll(ctx context.Context, force bool) (*SyncSummary, error) {
	sm.cycle.Lock()
	defer sm.cycle.Unlock()

	started := sm.now()
	summary := &SyncSummary{StartedAt: started}

	if !force && !sm.IsDue(started) {
		summary.Skipped = true
		summary.CompletedAt = started
		sm.metrics.ObserveSyncCycle("skipped", started)
		sm.logger.Debug("Sync not due", zap.Duration("interval", sm.opts.Interval))
		return summary, nil
	}

	var peers []*types.PeerNode
	for _, p := range sm.trust.ActivePeers() {
		if p.NodeID == sm.opts.LocalNodeID || p.Endpoint == "" {
			continue
		}
		peers = append(peers, p)
	}

	fetched := sm.fetchAll(ctx, peers)
	v := newCycleValidation(sm, fetched)

	for _, f := range fetched {
		result := sm.processPeer(v, f)
		summary.PerPeer = append(summary.PerPeer, result)
		if result.State == SyncFailed {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}
	summary.Rounds = v.ordered

	completed := sm.now()
	summary.CompletedAt = completed

	if err := sm.persist(completed, summary); err != nil {
		return summary, err
	}

	outcome := "success"
	if summary.Failed > 0 {
		outcome = "partial"
	}
	if summary.Failed > 0 && summary.Succeeded == 0 {
		outcome = "failed"
	}
	sm.metrics.ObserveSyncCycle(outcome, completed)

	sm.logger.Info("Sync cycle completed",
		zap.Int("peers", len(peers)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", completed.Sub(started)))

	return summary, nil
}

func (sm *SyncManager) fetchAll(ctx context.Context, peers []*types.PeerNode) []*fetchResult {
	results := make([]*fetchResult, len(peers))

	g := new(errgroup.Group)
	g.SetLimit(sm.opts.Workers)
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			sm.setPeerState(peer.NodeID, SyncFetching, "")

			fetchCtx, cancel := context.WithTimeout(ctx, sm.opts.FetchTimeout)
			defer cancel()

			start := time.Now()
			events, err := sm.transport.FetchRemoteLog(fetchCtx, peer.Endpoint)
			results[i] = &fetchResult{peer: peer, events: events, err: err, elapsed: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (sm *SyncManager) processPeer(v *cycleValidation, f *fetchResult) PeerSyncResult {
	peer := f.peer
	result := PeerSyncResult{
		NodeID:   peer.NodeID,
		Endpoint: peer.Endpoint,
		Duration: f.elapsed,
	}

	if f.err != nil {
		result.State = SyncFailed
		result.Error = f.err.Error()
		sm.setPeerState(peer.NodeID, SyncFailed, result.Error)
		sm.metrics.ObservePeerSync("failed", f.elapsed)
		sm.logger.Warn("Peer sync failed",
			zap.String("peer", string(peer.NodeID)),
			zap.String("endpoint", peer.Endpoint),
			zap.Bool("timeout", errors.Is(f.err, ErrTimeout)),
			zap.Error(f.err))
		return result
	}
	result.Fetched = len(f.events)

	sm.setPeerState(peer.NodeID, SyncDiffing, "")
	missing := sm.log.Diff(f.events)
	result.New = len(missing)

	sm.setPeerState(peer.NodeID, SyncValidating, "")
	var toApply []types.Event
	lowAssurance := make(map[types.Hash]bool)
	for _, e := range missing {
		ok, low, reason := v.accept(peer, &e)
		if !ok {
			result.Rejected++
			sm.metrics.ObserveEventRejected(reason)
			sm.logger.Debug("Rejected remote event",
				zap.String("peer", string(peer.NodeID)),
				zap.String("event_hash", string(e.Hash)),
				zap.String("reason", reason))
			continue
		}
		toApply = append(toApply, e)
		if low {
			lowAssurance[e.Hash] = true
		}
	}

	// One batch per peer, so a failed write leaves none of its events applied.
	sm.setPeerState(peer.NodeID, SyncApplying, "")
	added, err := sm.log.AppendAll(toApply)
	if err != nil {
		result.State = SyncFailed
		result.Error = err.Error()
		sm.setPeerState(peer.NodeID, SyncFailed, result.Error)
		sm.metrics.ObservePeerSync("failed", f.elapsed)
		sm.logger.Error("Failed to apply remote events",
			zap.String("peer", string(peer.NodeID)),
			zap.Int("events", len(toApply)),
			zap.Error(err))
		return result
	}
	for _, h := range added {
		result.Applied++
		if lowAssurance[h] {
			result.LowAssurance++
		}
		sm.metrics.ObserveEventApplied(lowAssurance[h])
	}

	if err := sm.trust.MarkSeen(peer.NodeID, sm.now().UTC()); err != nil {
		sm.logger.Error("Failed to mark peer seen",
			zap.String("peer", string(peer.NodeID)),
			zap.Error(err))
	}

	result.State = SyncIdle
	sm.setPeerState(peer.NodeID, SyncIdle, "")
	sm.metrics.ObservePeerSync("success", f.elapsed)

	sm.logger.Info("Peer synced",
		zap.String("peer", string(peer.NodeID)),
		zap.Int("fetched", result.Fetched),
		zap.Int("new", result.New),
		zap.Int("applied", result.Applied),
		zap.Int("rejected", result.Rejected))

	return result
}

// setPeerState records a transition. Counters are updated in persist.
func (sm *SyncManager) setPeerState(id types.NodeID, state PeerSyncState, errMsg string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	status := sm.state.Peers[id]
	status.State = state
	if state == SyncFetching {
		status.LastAttempt = sm.now().UTC()
	}
	switch state {
	case SyncFailed:
		status.LastError = errMsg
	case SyncIdle:
		now := sm.now().UTC()
		status.LastSuccess = &now
		status.LastError = ""
	}
	sm.state.Peers[id] = status
}

func (sm *SyncManager) persist(completed time.Time, summary *SyncSummary) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	next := sm.state
	ts := completed.UTC()
	next.LastSync = &ts
	next.SuccessfulSyncs += uint64(summary.Succeeded)
	next.FailedSyncs += uint64(summary.Failed)

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode sync state: %w", err)
	}
	if err := sm.store.Put([]byte(syncStateKey), data); err != nil {
		return fmt.Errorf("failed to persist sync state: %w", err)
	}
	sm.state = next
	return nil
}

// eventSlot is what an event claims to be. Peers holding different hashes
// for the same slot disagree about it.
type eventSlot struct {
	kind      string
	version   string
	reference string
}

func slotOf(e *types.Event) eventSlot {
	return eventSlot{kind: e.Kind, version: e.Version, reference: e.Reference}
}

// cycleValidation builds per-event report sets from the fetched logs and
// runs at most one consensus round per distinct report set. Decided rounds
// are persisted so unchanged reports are never voted on twice.
type cycleValidation struct {
	sm *SyncManager

	// held is the set of verified hashes in each peer's fetched log.
	held map[types.NodeID]map[types.Hash]struct{}
	// slots keeps, per slot, the smallest verified hash each peer holds.
	slots map[eventSlot]map[types.NodeID]types.Hash

	rounds  map[string]*types.ConsensusRound
	ordered []*types.ConsensusRound
}

func newCycleValidation(sm *SyncManager, fetched []*fetchResult) *cycleValidation {
	v := &cycleValidation{
		sm:     sm,
		held:   make(map[types.NodeID]map[types.Hash]struct{}),
		slots:  make(map[eventSlot]map[types.NodeID]types.Hash),
		rounds: make(map[string]*types.ConsensusRound),
	}
	for _, f := range fetched {
		if f.err != nil {
			continue
		}
		id := f.peer.NodeID
		held := make(map[types.Hash]struct{}, len(f.events))
		for i := range f.events {
			e := &f.events[i]
			if !sm.log.Verify(e) {
				continue
			}
			held[e.Hash] = struct{}{}

			slot := slotOf(e)
			reports, ok := v.slots[slot]
			if !ok {
				reports = make(map[types.NodeID]types.Hash)
				v.slots[slot] = reports
			}
			if cur, ok := reports[id]; !ok || e.Hash < cur {
				reports[id] = e.Hash
			}
		}
		v.held[id] = held
	}
	return v
}

// reportsFor returns what each peer reports for e's slot: e's own hash when
// its log holds e, otherwise the conflicting hash it holds instead.
func (v *cycleValidation) reportsFor(e *types.Event) map[types.NodeID]types.Hash {
	reports := make(map[types.NodeID]types.Hash)
	for id, h := range v.slots[slotOf(e)] {
		if _, ok := v.held[id][e.Hash]; ok {
			h = e.Hash
		}
		reports[id] = h
	}
	return reports
}

// accept decides one new event from peer. Returns whether it is accepted,
// whether acceptance came from the low-assurance trust gate, and the
// rejection reason otherwise.
func (v *cycleValidation) accept(peer *types.PeerNode, e *types.Event) (bool, bool, string) {
	sm := v.sm

	if !sm.log.Verify(e) {
		return false, false, RejectHashMismatch
	}

	if sm.isQuorumKind(e.Kind) {
		if sm.anchors != nil && sm.anchors.IsVerified(types.Hash(e.Reference)) {
			return true, false, ""
		}
		return false, false, RejectAnchorUnverified
	}

	reports := v.reportsFor(e)
	if len(reports) >= sm.opts.MinParticipants && sm.validator != nil {
		round := v.round(e, reports)
		if round.Achieved && round.MajorityHash == e.Hash {
			return true, false, ""
		}
		return false, false, RejectConsensus
	}

	// Lower-assurance fallback for events without enough reporters.
	score, _ := sm.trust.TrustScore(peer.NodeID)
	if score < sm.opts.FallbackMinTrust {
		return false, false, RejectLowTrust
	}
	sm.logger.Warn("Accepted event through trust gate",
		zap.Bool("trust_boundary", true),
		zap.String("peer", string(peer.NodeID)),
		zap.Float64("trust_score", score),
		zap.String("event_hash", string(e.Hash)),
		zap.Int("reporters", len(reports)))
	return true, true, ""
}

// round returns the outcome for a report set, running the validator only
// when neither this cycle nor an earlier one decided the same set.
func (v *cycleValidation) round(e *types.Event, reports map[types.NodeID]types.Hash) *types.ConsensusRound {
	key := reportDigest(v.sm.log.hasher, reports)
	if round, ok := v.rounds[key]; ok {
		return round
	}
	if round, ok := v.sm.loadDecision(key); ok {
		v.rounds[key] = round
		return round
	}

	round := v.sm.validator.Validate(e.Hash, reports)
	v.rounds[key] = round
	v.ordered = append(v.ordered, round)
	if round.Resolution != types.InsufficientNodes {
		v.sm.saveDecision(key, round)
	}
	return round
}

// reportDigest hashes a report set independently of map order.
func reportDigest(h signing.Hasher, reports map[types.NodeID]types.Hash) string {
	ids := make([]string, 0, len(reports))
	for id := range reports {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('=')
		b.WriteString(string(reports[types.NodeID(id)]))
		b.WriteByte('\n')
	}
	return string(h.Hash([]byte(b.String())))
}

func (sm *SyncManager) loadDecision(key string) (*types.ConsensusRound, bool) {
	data, err := sm.store.Get([]byte(decisionKeyPrefix + key))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			sm.logger.Warn("Failed to read round decision", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var round types.ConsensusRound
	if err := json.Unmarshal(data, &round); err != nil {
		sm.logger.Warn("Failed to decode round decision", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &round, true
}

func (sm *SyncManager) saveDecision(key string, round *types.ConsensusRound) {
	data, err := json.Marshal(round)
	if err == nil {
		err = sm.store.Put([]byte(decisionKeyPrefix+key), data)
	}
	if err != nil {
		sm.logger.Error("Failed to persist round decision",
			zap.String("event_hash", string(round.EventHash)),
			zap.Error(err))
	}
}

func (sm *SyncManager) isQuorumKind(kind string) bool {
	for _, k := range sm.opts.QuorumKinds {
		if k == kind {
			return true
		}
	}
	return false
}
