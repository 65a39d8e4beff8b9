package consensus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedtrust/pkg/types"
)

// memoryKeeper applies deltas to an in-memory score table.
type memoryKeeper struct {
	mu     sync.Mutex
	scores map[types.NodeID]float64
	rounds []*types.ConsensusRound
}

func newMemoryKeeper(ids ...types.NodeID) *memoryKeeper {
	k := &memoryKeeper{scores: make(map[types.NodeID]float64)}
	for _, id := range ids {
		k.scores[id] = types.InitialTrustScore
	}
	return k
}

func (k *memoryKeeper) ApplyRound(round *types.ConsensusRound, deltas map[types.NodeID]float64) ([]types.TrustAdjustment, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var adjustments []types.TrustAdjustment
	for id, d := range deltas {
		old, ok := k.scores[id]
		if !ok {
			continue
		}
		k.scores[id] = types.ClampTrust(old + d)
		adjustments = append(adjustments, types.TrustAdjustment{NodeID: id, Old: old, New: k.scores[id]})
	}
	k.rounds = append(k.rounds, round)
	return adjustments, nil
}

func (k *memoryKeeper) score(id types.NodeID) float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.scores[id]
}

func reports(hashes ...types.Hash) map[types.NodeID]types.Hash {
	m := make(map[types.NodeID]types.Hash, len(hashes))
	for i, h := range hashes {
		m[types.NodeID(fmt.Sprintf("n%d", i+1))] = h
	}
	return m
}

func TestValidate_UnanimousAgreement(t *testing.T) {
	keeper := newMemoryKeeper("n1", "n2", "n3", "n4")
	engine := NewEngine(DefaultConfig(), keeper, nil, nil)

	round := engine.Validate("h", reports("h", "h", "h", "h"))

	assert.True(t, round.Achieved)
	assert.Equal(t, types.ConsensusAchieved, round.Resolution)
	assert.Equal(t, 1.0, round.AgreementPercentage)
	assert.Equal(t, types.Hash("h"), round.MajorityHash)
	assert.Empty(t, round.DisagreeingNodes)
	for _, id := range []types.NodeID{"n1", "n2", "n3", "n4"} {
		assert.Equal(t, 52.0, keeper.score(id), "node %s", id)
	}
	require.Len(t, keeper.rounds, 1)
}

func TestValidate_TieBrokenLexicographicallyWithoutTrustChange(t *testing.T) {
	keeper := newMemoryKeeper("n1", "n2", "n3", "n4")
	engine := NewEngine(DefaultConfig(), keeper, nil, nil)

	round := engine.Validate("h1", reports("h2", "h2", "h1", "h1"))

	assert.Equal(t, types.Hash("h1"), round.MajorityHash)
	assert.Equal(t, 0.5, round.AgreementPercentage)
	assert.False(t, round.Achieved)
	assert.Equal(t, types.ConsensusFailed, round.Resolution)
	assert.ElementsMatch(t, []types.NodeID{"n1", "n2"}, round.DisagreeingNodes)
	for _, id := range []types.NodeID{"n1", "n2", "n3", "n4"} {
		assert.Equal(t, types.InitialTrustScore, keeper.score(id))
	}
}

func TestValidate_InsufficientParticipants(t *testing.T) {
	keeper := newMemoryKeeper("n1")
	engine := NewEngine(DefaultConfig(), keeper, nil, nil)

	round := engine.Validate("h", reports("h"))

	assert.Equal(t, types.InsufficientNodes, round.Resolution)
	assert.False(t, round.Achieved)
	assert.Empty(t, round.MajorityHash)
	assert.Equal(t, types.InitialTrustScore, keeper.score("n1"))
	require.Len(t, keeper.rounds, 1, "insufficient rounds are still recorded")

	round = engine.ValidateWith("h", reports("h", "h"), 3, 0.66)
	assert.Equal(t, types.InsufficientNodes, round.Resolution)
}

func TestValidate_MajorityRewardsAndPenalties(t *testing.T) {
	keeper := newMemoryKeeper("n1", "n2", "n3", "n4")
	engine := NewEngine(DefaultConfig(), keeper, nil, nil)

	round := engine.Validate("good", reports("good", "good", "good", "bad"))

	assert.True(t, round.Achieved)
	assert.Equal(t, 0.75, round.AgreementPercentage)
	assert.Equal(t, []types.NodeID{"n4"}, round.DisagreeingNodes)
	assert.Equal(t, 52.0, keeper.score("n1"))
	assert.Equal(t, 52.0, keeper.score("n2"))
	assert.Equal(t, 52.0, keeper.score("n3"))
	assert.Equal(t, 45.0, keeper.score("n4"))
}

func TestValidate_ScoresStayBounded(t *testing.T) {
	keeper := newMemoryKeeper("n1", "n2", "n3")
	keeper.scores["n1"] = 99
	keeper.scores["n3"] = 3
	engine := NewEngine(DefaultConfig(), keeper, nil, nil)

	engine.Validate("x", reports("x", "x", "y"))

	assert.Equal(t, 100.0, keeper.score("n1"))
	assert.Equal(t, 0.0, keeper.score("n3"))
}

func TestValidate_EmptyReportsAreIgnored(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil, nil, nil)

	round := engine.Validate("x", map[types.NodeID]types.Hash{"n1": "x", "n2": ""})

	assert.Equal(t, types.InsufficientNodes, round.Resolution)
	assert.Equal(t, []types.NodeID{"n1"}, round.ParticipatingNodes)
}

func TestValidate_ThresholdBoundary(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil, nil, nil)

	// 2/3 clears 0.66
	round := engine.Validate("a", reports("a", "a", "b"))
	assert.True(t, round.Achieved)

	round = engine.ValidateWith("a", reports("a", "a", "b"), 2, 0.7)
	assert.False(t, round.Achieved)
	assert.Equal(t, 0.7, round.Threshold)

	// invalid threshold falls back to the configured one
	round = engine.ValidateWith("a", reports("a", "a", "b"), 2, 1.5)
	assert.Equal(t, DefaultThreshold, round.Threshold)
}

func TestTally(t *testing.T) {
	tests := []struct {
		name     string
		reported map[types.NodeID]types.Hash
		majority types.Hash
		count    int
	}{
		{"empty", nil, "", 0},
		{"single", reports("a"), "a", 1},
		{"clear majority", reports("b", "a", "b"), "b", 2},
		{"three-way tie", reports("c", "b", "a"), "a", 1},
		{"two-way tie", reports("z", "y", "z", "y"), "y", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			majority, count := Tally(tt.reported)
			assert.Equal(t, tt.majority, majority)
			assert.Equal(t, tt.count, count)
		})
	}
}

func TestValidate_ConcurrentRoundsDoNotLoseUpdates(t *testing.T) {
	keeper := newMemoryKeeper("n1", "n2")
	engine := NewEngine(DefaultConfig(), keeper, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := types.Hash(fmt.Sprintf("h%d", i))
			engine.Validate(h, map[types.NodeID]types.Hash{"n1": h, "n2": h})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 70.0, keeper.score("n1"))
	assert.Equal(t, 70.0, keeper.score("n2"))
	assert.Len(t, keeper.rounds, 10)
}
