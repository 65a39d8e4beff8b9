package federation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedtrust/pkg/consensus"
	"fedtrust/pkg/signing"
	"fedtrust/pkg/storage"
	"fedtrust/pkg/types"
)

// fakeTransport serves canned logs per endpoint. Blocking endpoints wait
// for the fetch deadline.
type fakeTransport struct {
	mu     sync.Mutex
	logs   map[string][]types.Event
	errs   map[string]error
	blocks map[string]bool
	calls  map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		logs:   make(map[string][]types.Event),
		errs:   make(map[string]error),
		blocks: make(map[string]bool),
		calls:  make(map[string]int),
	}
}

func (f *fakeTransport) FetchRemoteLog(ctx context.Context, endpoint string) ([]types.Event, error) {
	f.mu.Lock()
	f.calls[endpoint]++
	events, err, block := f.logs[endpoint], f.errs[endpoint], f.blocks[endpoint]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, classifyFetchError(ctx, ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	return append([]types.Event(nil), events...), nil
}

func (f *fakeTransport) serve(endpoint string, events ...types.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[endpoint] = events
}

func (f *fakeTransport) callCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

type anchorSet map[types.Hash]bool

func (s anchorSet) IsVerified(h types.Hash) bool { return s[h] }

type syncFixture struct {
	store     storage.Store
	trust     *TrustStore
	log       *EventLog
	transport *fakeTransport
	anchors   anchorSet
	sm        *SyncManager
	peers     []*types.PeerNode
}

func newSyncFixture(t *testing.T, peers int) *syncFixture {
	t.Helper()
	f := &syncFixture{
		store:     openMemStore(t),
		transport: newFakeTransport(),
		anchors:   anchorSet{},
	}

	var err error
	f.trust, err = NewTrustStore(f.store, TrustStoreOptions{}, nil)
	require.NoError(t, err)
	f.log, err = NewEventLog(f.store, nil)
	require.NoError(t, err)

	for _, id := range registerPeers(t, f.trust, peers) {
		peer, err := f.trust.Get(id)
		require.NoError(t, err)
		f.peers = append(f.peers, peer)
	}

	f.sm = f.newManager(t)
	return f
}

func (f *syncFixture) newManager(t *testing.T) *SyncManager {
	t.Helper()
	engine := consensus.NewEngine(consensus.DefaultConfig(), f.trust, nil, nil)
	sm, err := NewSyncManager(SyncOptions{FetchTimeout: 50 * time.Millisecond}, f.store, f.log, f.trust, f.transport, engine, f.anchors, nil, nil)
	require.NoError(t, err)
	return sm
}

func (f *syncFixture) score(id types.NodeID) float64 {
	s, _ := f.trust.TrustScore(id)
	return s
}

func remoteEvent(kind, reference, origin string, at time.Time) types.Event {
	e := types.Event{
		Timestamp: at,
		Kind:      kind,
		Version:   "1",
		Reference: reference,
		Origin:    origin,
		EmittedBy: "node-remote",
	}
	e.Hash = ComputeEventHash(signing.Blake3Hasher{}, &e)
	return e
}

func resultFor(summary *SyncSummary, id types.NodeID) PeerSyncResult {
	for _, r := range summary.PerPeer {
		if r.NodeID == id {
			return r
		}
	}
	return PeerSyncResult{}
}

func TestSyncAll_TimeoutLeavesStateUntouched(t *testing.T) {
	f := newSyncFixture(t, 1)
	peer := f.peers[0]
	f.transport.blocks[peer.Endpoint] = true

	summary, err := f.sm.SyncAll(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	result := resultFor(summary, peer.NodeID)
	assert.Equal(t, SyncFailed, result.State)
	assert.Contains(t, result.Error, ErrTimeout.Error())

	state := f.sm.State()
	assert.Equal(t, uint64(1), state.FailedSyncs)
	assert.Equal(t, uint64(0), state.SuccessfulSyncs)
	assert.Equal(t, SyncFailed, state.Peers[peer.NodeID].State)

	after, err := f.trust.Get(peer.NodeID)
	require.NoError(t, err)
	assert.Equal(t, peer.TrustScore, after.TrustScore)
	assert.Equal(t, types.PeerActive, after.Status)
	assert.Nil(t, after.LastSeen)
	assert.Zero(t, f.log.Len())
}

func TestSyncAll_ConsensusAcceptsMajorityHash(t *testing.T) {
	f := newSyncFixture(t, 3)
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	majority := remoteEvent("scan", "release-7", "ci", at)
	minority := remoteEvent("scan", "release-7", "tampered-ci", at)

	f.transport.serve(f.peers[0].Endpoint, majority)
	f.transport.serve(f.peers[1].Endpoint, majority)
	f.transport.serve(f.peers[2].Endpoint, minority)

	summary, err := f.sm.SyncAll(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Succeeded)

	require.Len(t, summary.Rounds, 1)
	round := summary.Rounds[0]
	assert.True(t, round.Achieved)
	assert.Equal(t, majority.Hash, round.MajorityHash)

	assert.True(t, f.log.Has(majority.Hash))
	assert.False(t, f.log.Has(minority.Hash))
	assert.Equal(t, 1, f.log.Len())

	assert.Equal(t, 52.0, f.score(f.peers[0].NodeID))
	assert.Equal(t, 52.0, f.score(f.peers[1].NodeID))
	assert.Equal(t, 45.0, f.score(f.peers[2].NodeID))
	assert.Equal(t, 1, resultFor(summary, f.peers[2].NodeID).Rejected)
}

func TestSyncAll_SameReferenceEventsAllReplicate(t *testing.T) {
	f := newSyncFixture(t, 3)
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	v1 := remoteEvent("scan", "release-7", "ci", at)
	rebuilt := remoteEvent("scan", "release-7", "ci", at.Add(time.Minute))
	v2 := remoteEvent("scan", "release-7", "ci", at.Add(2*time.Minute))
	v2.Version = "2"
	v2.Hash = ComputeEventHash(signing.Blake3Hasher{}, &v2)

	for _, p := range f.peers {
		f.transport.serve(p.Endpoint, v1, rebuilt, v2)
	}

	summary, err := f.sm.SyncAll(context.Background(), true)
	require.NoError(t, err)

	assert.True(t, f.log.Has(v1.Hash))
	assert.True(t, f.log.Has(rebuilt.Hash))
	assert.True(t, f.log.Has(v2.Hash))
	assert.Len(t, summary.Rounds, 3)
	for _, p := range f.peers {
		assert.Zero(t, resultFor(summary, p.NodeID).Rejected)
	}
}

func TestSyncAll_DecidedRoundsAreNotRevoted(t *testing.T) {
	f := newSyncFixture(t, 3)
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	majority := remoteEvent("scan", "release-7", "ci", at)
	minority := remoteEvent("scan", "release-7", "tampered-ci", at)

	f.transport.serve(f.peers[0].Endpoint, majority)
	f.transport.serve(f.peers[1].Endpoint, majority)
	f.transport.serve(f.peers[2].Endpoint, minority)

	first, err := f.sm.SyncAll(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, first.Rounds, 1)

	for i := 0; i < 2; i++ {
		summary, err := f.sm.SyncAll(context.Background(), true)
		require.NoError(t, err)
		assert.Empty(t, summary.Rounds)
		assert.Equal(t, 1, resultFor(summary, f.peers[2].NodeID).Rejected)
	}

	// Decisions survive a restart.
	summary, err := f.newManager(t).SyncAll(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, summary.Rounds)

	assert.Equal(t, 52.0, f.score(f.peers[0].NodeID))
	assert.Equal(t, 52.0, f.score(f.peers[1].NodeID))
	assert.Equal(t, 45.0, f.score(f.peers[2].NodeID))
	assert.False(t, f.log.Has(minority.Hash))

	// A new report set is fresh evidence and gets its own round.
	f.transport.serve(f.peers[2].Endpoint, majority)
	f.transport.serve(f.peers[0].Endpoint, majority, minority)
	summary, err = f.sm.SyncAll(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, summary.Rounds, 1)
}

func TestSyncAll_FailedApplyLeavesPeerUnapplied(t *testing.T) {
	f := newSyncFixture(t, 1)
	store := &failingStore{Store: f.store, failBatches: true}
	var err error
	f.log, err = NewEventLog(store, nil)
	require.NoError(t, err)
	f.sm = f.newManager(t)

	peer := f.peers[0]
	events := make([]types.Event, 3)
	for i := range events {
		events[i] = remoteEvent("scan", fmt.Sprintf("ref-%d", i), "ci", time.Now().UTC())
	}
	f.transport.serve(peer.Endpoint, events...)

	summary, err := f.sm.SyncAll(context.Background(), true)
	require.NoError(t, err)
	result := resultFor(summary, peer.NodeID)
	assert.Equal(t, SyncFailed, result.State)
	assert.Zero(t, result.Applied)
	assert.Zero(t, f.log.Len())

	store.failBatches = false
	summary, err = f.sm.SyncAll(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 3, resultFor(summary, peer.NodeID).Applied)
	assert.Equal(t, 3, f.log.Len())
}

func TestSyncAll_TrustGateFallback(t *testing.T) {
	f := newSyncFixture(t, 2)
	trusted, distrusted := f.peers[0], f.peers[1]

	_, err := f.trust.ApplyRound(&types.ConsensusRound{EventHash: "setup"}, map[types.NodeID]float64{distrusted.NodeID: -15})
	require.NoError(t, err)

	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	single := remoteEvent("scan", "only-from-trusted", "ci", at)
	shady := remoteEvent("scan", "only-from-distrusted", "ci", at)
	f.transport.serve(trusted.Endpoint, single)
	f.transport.serve(distrusted.Endpoint, shady)

	summary, err := f.sm.SyncAll(context.Background(), true)
	require.NoError(t, err)

	assert.True(t, f.log.Has(single.Hash))
	assert.False(t, f.log.Has(shady.Hash))
	assert.Equal(t, 1, resultFor(summary, trusted.NodeID).LowAssurance)
	assert.Equal(t, 1, resultFor(summary, distrusted.NodeID).Rejected)
	assert.Empty(t, summary.Rounds)
}

func TestSyncAll_RejectsHashMismatch(t *testing.T) {
	f := newSyncFixture(t, 1)
	e := remoteEvent("scan", "ref", "ci", time.Now().UTC())
	e.Origin = "rewritten"
	f.transport.serve(f.peers[0].Endpoint, e)

	summary, err := f.sm.SyncAll(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, resultFor(summary, f.peers[0].NodeID).Rejected)
	assert.Zero(t, f.log.Len())
}

func TestSyncAll_QuorumKindRequiresVerifiedAnchor(t *testing.T) {
	f := newSyncFixture(t, 1)
	at := time.Now().UTC()
	verified := remoteEvent("anchor", "anchor-verified", "crosssign", at)
	pending := remoteEvent("anchor", "anchor-pending", "crosssign", at)
	f.anchors["anchor-verified"] = true
	f.transport.serve(f.peers[0].Endpoint, verified, pending)

	summary, err := f.sm.SyncAll(context.Background(), true)
	require.NoError(t, err)

	assert.True(t, f.log.Has(verified.Hash))
	assert.False(t, f.log.Has(pending.Hash))
	result := resultFor(summary, f.peers[0].NodeID)
	assert.Equal(t, 1, result.Applied)
	assert.Zero(t, result.LowAssurance)
}

func TestSyncAll_IdempotentAndMarksSeen(t *testing.T) {
	f := newSyncFixture(t, 1)
	peer := f.peers[0]
	events := make([]types.Event, 3)
	for i := range events {
		events[i] = remoteEvent("scan", fmt.Sprintf("ref-%d", i), "ci", time.Now().UTC())
	}
	f.transport.serve(peer.Endpoint, events...)

	first, err := f.sm.SyncAll(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 3, resultFor(first, peer.NodeID).Applied)

	second, err := f.sm.SyncAll(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 0, resultFor(second, peer.NodeID).New)
	assert.Equal(t, 3, f.log.Len())

	after, err := f.trust.Get(peer.NodeID)
	require.NoError(t, err)
	assert.NotNil(t, after.LastSeen)
	assert.Equal(t, uint64(2), f.sm.State().SuccessfulSyncs)
}

func TestSyncAll_SkipsInactivePeers(t *testing.T) {
	f := newSyncFixture(t, 2)
	require.NoError(t, f.trust.SetStatus(f.peers[1].NodeID, types.PeerSuspended))

	summary, err := f.sm.SyncAll(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, summary.PerPeer, 1)
	assert.Zero(t, f.transport.callCount(f.peers[1].Endpoint))
}

func TestSyncAll_RespectsInterval(t *testing.T) {
	f := newSyncFixture(t, 1)
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f.sm.now = func() time.Time { return clock }

	summary, err := f.sm.SyncAll(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, summary.Skipped)

	clock = clock.Add(30 * time.Minute)
	summary, err = f.sm.SyncAll(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Equal(t, 1, f.transport.callCount(f.peers[0].Endpoint))

	summary, err = f.sm.SyncAll(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, summary.Skipped)

	// Sync state survives a restart.
	reopened := f.newManager(t)
	assert.False(t, reopened.IsDue(clock.Add(59*time.Minute)))
	assert.True(t, reopened.IsDue(clock.Add(61*time.Minute)))
	assert.Equal(t, uint64(2), reopened.State().SuccessfulSyncs)
}
