package node

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"fedtrust/pkg/crosssign"
	"fedtrust/pkg/federation"
	"fedtrust/pkg/types"
)

// Status is the outcome class every operation reports.
type Status string

const (
	StatusAchieved          Status = "achieved"
	StatusRejected          Status = "rejected"
	StatusFailedTransiently Status = "failed_transiently"
	StatusSkipped           Status = "skipped"
)

// ExitCode maps a status to a process exit code: zero only when the
// operation fully succeeded or had nothing to do.
func (s Status) ExitCode() int {
	switch s {
	case StatusAchieved, StatusSkipped:
		return 0
	case StatusRejected:
		return 1
	default:
		return 2
	}
}

type SyncResult struct {
	Status  Status                  `json:"status"`
	Summary *federation.SyncSummary `json:"summary"`
}

func (r *SyncResult) ExitCode() int { return r.Status.ExitCode() }

type ValidateResult struct {
	Status Status                `json:"status"`
	Round  *types.ConsensusRound `json:"round"`
}

func (r *ValidateResult) ExitCode() int { return r.Status.ExitCode() }

type ProposeResult struct {
	Status    Status        `json:"status"`
	Anchor    *types.Anchor `json:"anchor,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Remaining int           `json:"remaining_proposals"`

	// Err is the rejection cause, for callers that map it onto a protocol.
	Err error `json:"-"`
}

func (r *ProposeResult) ExitCode() int { return r.Status.ExitCode() }

type InspectResult struct {
	Status              Status                  `json:"status"`
	NodeID              types.NodeID            `json:"node_id"`
	Peers               []*types.PeerNode       `json:"peers"`
	ByzantineDetections uint64                  `json:"byzantine_detections"`
	Rounds              []*types.ConsensusRound `json:"rounds"`
	Audit               []types.TrustAdjustment `json:"audit"`
	Sync                federation.SyncState    `json:"sync"`
	Events              int                     `json:"events"`
	PendingAnchors      int                     `json:"pending_anchors"`
	VerifiedAnchors     int                     `json:"verified_anchors"`
}

func (r *InspectResult) ExitCode() int { return r.Status.ExitCode() }

// Sync runs one federation sync cycle. Unless force is set the cycle is
// skipped when the interval has not elapsed. Any unreachable or timed out
// peer makes the result failed_transiently; events rejected by validation
// are counted in the summary.
func (n *Node) Sync(ctx context.Context, force bool) (*SyncResult, error) {
	summary, err := n.sync.SyncAll(ctx, force)
	if err != nil {
		return nil, fmt.Errorf("sync cycle failed: %w", err)
	}

	result := &SyncResult{Status: StatusAchieved, Summary: summary}
	switch {
	case summary.Skipped:
		result.Status = StatusSkipped
	case summary.Failed > 0:
		result.Status = StatusFailedTransiently
	}
	return result, nil
}

// ValidateEvent runs one consensus round over hashes reported by peers.
// Insufficient participation and failed consensus are reported as rejected.
func (n *Node) ValidateEvent(eventHash types.Hash, peerHashes map[types.NodeID]types.Hash) (*ValidateResult, error) {
	if eventHash == "" {
		return nil, fmt.Errorf("event hash is required")
	}

	round := n.engine.Validate(eventHash, peerHashes)
	result := &ValidateResult{Status: StatusRejected, Round: round}
	if round.Achieved {
		result.Status = StatusAchieved
	}

	n.logger.Info("Event validated",
		zap.String("event_hash", string(eventHash)),
		zap.String("resolution", string(round.Resolution)),
		zap.Float64("agreement", round.AgreementPercentage))

	return result, nil
}

// NewLocalAnchor builds and signs an anchor proposed by this node.
func (n *Node) NewLocalAnchor(payloadDigest map[string]string) (*types.Anchor, error) {
	return crosssign.NewAnchor(n.codec, n.nodeID, payloadDigest, n.now())
}

// ProposeAnchor adds an anchor to the pending set. Rate-limited, duplicate
// and malformed proposals are rejected with no state change.
func (n *Node) ProposeAnchor(anchor *types.Anchor) (*ProposeResult, error) {
	_, err := n.anchors.Propose(anchor)

	result := &ProposeResult{Status: StatusAchieved}
	if anchor != nil {
		result.Remaining = n.anchors.RemainingProposals(anchor.ProposerNodeID)
	}

	switch {
	case err == nil:
		stored, _ := n.anchors.Get(anchor.AnchorHash)
		result.Anchor = stored
	case errors.Is(err, crosssign.ErrRateLimited),
		errors.Is(err, crosssign.ErrDuplicateAnchor),
		errors.Is(err, crosssign.ErrInvalidAnchor):
		result.Status = StatusRejected
		result.Reason = err.Error()
		result.Err = err
		result.Anchor = anchor
	default:
		return nil, err
	}
	return result, nil
}

// SignAnchor verifies a peer's anchor locally and records this node's
// signed verdict.
func (n *Node) SignAnchor(anchorHash types.Hash) (*types.CrossSignature, error) {
	return n.anchors.VerifyAndSign(anchorHash, n.nodeID)
}

// ReceiveSignature records a peer's cross-signature on a known anchor.
// sender is the authenticated node that delivered it, empty when the
// channel carries no identity; only a sender signing in its own name can be
// penalized for an invalid signature.
func (n *Node) ReceiveSignature(anchorHash types.Hash, sig *types.CrossSignature, sender types.NodeID) (bool, error) {
	return n.anchors.ReceiveSignatureFrom(anchorHash, sig, sender)
}

// InspectTrust reports peers, the Byzantine counter and the bounded
// consensus and audit histories together with sync bookkeeping.
func (n *Node) InspectTrust() *InspectResult {
	snap := n.trust.Snapshot()
	return &InspectResult{
		Status:              StatusAchieved,
		NodeID:              n.nodeID,
		Peers:               snap.Peers,
		ByzantineDetections: snap.ByzantineDetections,
		Rounds:              snap.Rounds,
		Audit:               snap.Audit,
		Sync:                n.sync.State(),
		Events:              n.events.Len(),
		PendingAnchors:      len(n.anchors.Pending()),
		VerifiedAnchors:     len(n.anchors.Verified()),
	}
}
