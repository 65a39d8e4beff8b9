package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"fedtrust/pkg/types"
)

func TestMetrics_Creation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	if m.ConsensusRounds == nil {
		t.Error("ConsensusRounds metric not created")
	}
	if m.ByzantineDetections == nil {
		t.Error("ByzantineDetections metric not created")
	}
	if m.PeerSyncs == nil {
		t.Error("PeerSyncs metric not created")
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics

	// none of these may panic
	m.ObserveRound(&types.ConsensusRound{Resolution: types.ConsensusAchieved})
	m.ObserveAdjustment(types.TrustAdjustment{NodeID: "n1", Reason: types.ReasonByzantine})
	m.ObserveProposal("accepted")
	m.ObserveSignature("accepted")
	m.ObserveAnchorVerified()
	m.ObservePeerSync("failed", time.Second)
	m.ObserveSyncCycle("completed", time.Now())
	m.ObserveEventApplied(true)
	m.ObserveEventRejected("hash_mismatch")
	m.SetTrust("n1", 50)
}

func TestMetrics_Recording(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRound(&types.ConsensusRound{Resolution: types.ConsensusAchieved, AgreementPercentage: 1})
	m.ObserveRound(&types.ConsensusRound{Resolution: types.InsufficientNodes})
	m.ObserveAdjustment(types.TrustAdjustment{NodeID: "n1", New: 25, Reason: types.ReasonByzantine})
	m.ObserveEventApplied(true)

	if got := testutil.ToFloat64(m.ConsensusRounds.WithLabelValues("consensus_achieved")); got != 1 {
		t.Errorf("Expected 1 achieved round, got %f", got)
	}
	if got := testutil.ToFloat64(m.ByzantineDetections); got != 1 {
		t.Errorf("Expected 1 byzantine detection, got %f", got)
	}
	if got := testutil.ToFloat64(m.TrustScore.WithLabelValues("n1")); got != 25 {
		t.Errorf("Expected trust gauge 25, got %f", got)
	}
	if got := testutil.ToFloat64(m.LowAssuranceAccepted); got != 1 {
		t.Errorf("Expected 1 low-assurance acceptance, got %f", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New(nil)
	m.ObserveSyncCycle("completed", time.Now())

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "fedtrust_sync_cycles_total") {
		t.Error("Expected sync cycle metric in scrape output")
	}
}
