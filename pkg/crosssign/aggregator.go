// Package crosssign collects independent peer verifications and signatures
// for proposed anchors until a quorum of passing verdicts finalizes them.
package crosssign

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fedtrust/pkg/metrics"
	"fedtrust/pkg/signing"
	"fedtrust/pkg/types"
)

var (
	ErrRateLimited       = errors.New("proposal rate limit exceeded")
	ErrDuplicateAnchor   = errors.New("anchor already proposed")
	ErrUnknownAnchor     = errors.New("unknown anchor")
	ErrInvalidAnchor     = errors.New("invalid anchor")
	ErrInvalidSignature  = errors.New("cross-signature failed cryptographic verification")
	ErrSelfCertification = errors.New("proposer cannot cross-sign its own anchor")
	ErrUnknownSigner     = errors.New("signer is not a registered peer")
)

const (
	DefaultMinPeerSignatures  = 3
	DefaultMaxAnchorsPerHour  = 10
	DefaultTimestampTolerance = 300 * time.Second
	DefaultByzantineFactor    = 0.5

	proposalWindow = time.Hour
)

// DefaultRequiredEvidenceFields are the payload digest fields an anchor
// must carry to pass the structural completeness check.
var DefaultRequiredEvidenceFields = []string{"evidence_root", "rule_set", "scanner_version", "summary"}

// TrustLedger is the slice of the trust registry the aggregator needs.
type TrustLedger interface {
	IsKnown(nodeID types.NodeID) bool
	PenalizeByzantine(nodeID types.NodeID, factor float64, ref string) (types.TrustAdjustment, error)
}

type Config struct {
	MinPeerSignatures      int
	MaxAnchorsPerHour      int
	TimestampTolerance     time.Duration
	ByzantineFactor        float64
	RequiredEvidenceFields []string
}

func DefaultConfig() Config {
	return Config{
		MinPeerSignatures:      DefaultMinPeerSignatures,
		MaxAnchorsPerHour:      DefaultMaxAnchorsPerHour,
		TimestampTolerance:     DefaultTimestampTolerance,
		ByzantineFactor:        DefaultByzantineFactor,
		RequiredEvidenceFields: DefaultRequiredEvidenceFields,
	}
}

// Aggregator owns the pending and verified anchor sets. An anchor is a
// member of exactly one of them. All signature handling runs under one
// lock, so a single anchor's signature history is processed in arrival
// order.
type Aggregator struct {
	mu sync.Mutex

	cfg      Config
	codec    *signing.Codec
	verifier *Verifier
	trust    TrustLedger
	limiter  *proposalLimiter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	pending  map[types.Hash]*types.Anchor
	verified map[types.Hash]*types.Anchor
	store    AnchorStore

	onVerified func(anchor *types.Anchor)
}

func NewAggregator(cfg Config, codec *signing.Codec, policy PolicyChecker, trust TrustLedger, m *metrics.Metrics, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.MinPeerSignatures <= 0 {
		cfg.MinPeerSignatures = defaults.MinPeerSignatures
	}
	if cfg.TimestampTolerance <= 0 {
		cfg.TimestampTolerance = defaults.TimestampTolerance
	}
	if cfg.ByzantineFactor <= 0 || cfg.ByzantineFactor >= 1 {
		cfg.ByzantineFactor = defaults.ByzantineFactor
	}
	if cfg.RequiredEvidenceFields == nil {
		cfg.RequiredEvidenceFields = defaults.RequiredEvidenceFields
	}

	return &Aggregator{
		cfg:      cfg,
		codec:    codec,
		verifier: NewVerifier(codec, policy, cfg.RequiredEvidenceFields, cfg.TimestampTolerance),
		trust:    trust,
		limiter:  newProposalLimiter(cfg.MaxAnchorsPerHour, proposalWindow),
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		pending:  make(map[types.Hash]*types.Anchor),
		verified: make(map[types.Hash]*types.Anchor),
	}
}

// SetClock replaces the time source of the aggregator and its verifier.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
	a.verifier.now = now
}

// Restore loads persisted anchors into the pending and verified sets and
// keeps store as the write-through target of later mutations. Proposals
// still inside the rate-limit window count against their proposers.
func (a *Aggregator) Restore(store AnchorStore) error {
	anchors, err := store.LoadAnchors()
	if err != nil {
		return fmt.Errorf("failed to load anchors: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	sort.Slice(anchors, func(i, j int) bool { return anchors[i].CreatedAt.Before(anchors[j].CreatedAt) })
	for _, anchor := range anchors {
		if anchor.ConsensusReached {
			a.verified[anchor.AnchorHash] = anchor
		} else {
			a.pending[anchor.AnchorHash] = anchor
		}
		if now.Sub(anchor.CreatedAt) < proposalWindow {
			a.limiter.Record(anchor.ProposerNodeID, anchor.CreatedAt)
		}
	}
	a.store = store

	a.logger.Info("Restored anchors",
		zap.Int("pending", len(a.pending)),
		zap.Int("verified", len(a.verified)))
	return nil
}

// saveLocked writes the anchor through to the store, if any (must be called
// with lock held).
func (a *Aggregator) saveLocked(anchor *types.Anchor) error {
	if a.store == nil {
		return nil
	}
	return a.store.SaveAnchor(anchor)
}

// OnVerified registers a callback invoked once per anchor, after it reaches
// quorum. The callback runs outside the aggregator lock.
func (a *Aggregator) OnVerified(fn func(anchor *types.Anchor)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onVerified = fn
}

// Propose adds an anchor to the pending set. Rate-limited or duplicate
// proposals are rejected without any state change.
func (a *Aggregator) Propose(anchor *types.Anchor) (bool, error) {
	if anchor == nil || anchor.AnchorHash == "" || anchor.ProposerNodeID == "" {
		a.metrics.ObserveProposal("invalid")
		return false, fmt.Errorf("%w: hash and proposer are required", ErrInvalidAnchor)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if !a.limiter.Allowed(anchor.ProposerNodeID, now) {
		a.metrics.ObserveProposal("rate_limited")
		a.logger.Warn("Anchor proposal rate limited",
			zap.String("node_id", string(anchor.ProposerNodeID)),
			zap.String("anchor_hash", string(anchor.AnchorHash)))
		return false, fmt.Errorf("%w: %s may propose %d anchors per hour",
			ErrRateLimited, anchor.ProposerNodeID, a.cfg.MaxAnchorsPerHour)
	}
	if _, exists := a.pending[anchor.AnchorHash]; exists {
		a.metrics.ObserveProposal("duplicate")
		return false, fmt.Errorf("%w: %s", ErrDuplicateAnchor, anchor.AnchorHash)
	}
	if _, exists := a.verified[anchor.AnchorHash]; exists {
		a.metrics.ObserveProposal("duplicate")
		return false, fmt.Errorf("%w: %s", ErrDuplicateAnchor, anchor.AnchorHash)
	}

	stored := anchor.Clone()
	stored.State = types.AnchorPending
	stored.ConsensusReached = false
	stored.DistributedHash = ""
	stored.ReachedAt = nil
	stored.Signatures = nil
	stored.History = nil

	if err := a.saveLocked(stored); err != nil {
		return false, fmt.Errorf("failed to persist anchor: %w", err)
	}
	a.limiter.Record(anchor.ProposerNodeID, now)
	a.pending[stored.AnchorHash] = stored
	a.metrics.ObserveProposal("accepted")

	a.logger.Info("Anchor proposed",
		zap.String("anchor_hash", string(stored.AnchorHash)),
		zap.String("node_id", string(stored.ProposerNodeID)))

	return true, nil
}

// RemainingProposals reports how many proposals the node may still make in
// the current window (-1 when unlimited).
func (a *Aggregator) RemainingProposals(nodeID types.NodeID) int {
	a.mu.Lock()
	now := a.now()
	a.mu.Unlock()
	return a.limiter.Remaining(nodeID, now)
}

// VerifyAndSign verifies the anchor locally, never relying on other peers'
// verdicts, signs the verdict as localNodeID and records it.
func (a *Aggregator) VerifyAndSign(anchorHash types.Hash, localNodeID types.NodeID) (*types.CrossSignature, error) {
	a.mu.Lock()

	anchor, ok := a.lookupLocked(anchorHash)
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownAnchor, anchorHash)
	}
	if anchor.ProposerNodeID == localNodeID {
		a.mu.Unlock()
		return nil, ErrSelfCertification
	}

	result, details := a.verifier.Check(anchor)
	sig := &types.CrossSignature{
		AnchorHash:         anchorHash,
		SignerNodeID:       localNodeID,
		VerificationResult: result,
		VerifiedAt:         a.now().UTC(),
		Details:            details,
	}
	if err := a.codec.SignCrossSignature(sig); err != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("failed to sign verdict: %w", err)
	}

	reached := a.recordLocked(anchor, sig)
	callback := a.onVerified
	a.mu.Unlock()

	a.logger.Info("Anchor verified locally",
		zap.String("anchor_hash", string(anchorHash)),
		zap.String("result", string(result)))

	if reached != nil && callback != nil {
		callback(reached)
	}
	return sig.Clone(), nil
}

// ReceiveSignature records a cross-signature delivered over a channel the
// caller has already authenticated as the signer, so an invalid signature
// is attributed to it.
func (a *Aggregator) ReceiveSignature(anchorHash types.Hash, sig *types.CrossSignature) (bool, error) {
	if sig == nil {
		a.metrics.ObserveSignature("invalid")
		return false, fmt.Errorf("%w: nil signature", ErrInvalidSignature)
	}
	return a.ReceiveSignatureFrom(anchorHash, sig, sig.SignerNodeID)
}

// ReceiveSignatureFrom records a peer's cross-signature. sender is the
// authenticated identity of the delivering peer, empty when unknown. A
// signature that fails cryptographic verification is always discarded; the
// signer's trust is cut by the Byzantine factor only when sender is the
// signer, since anyone can forge a bad signature in another node's name.
// Re-delivery of the signer's current signature is accepted as a no-op.
func (a *Aggregator) ReceiveSignatureFrom(anchorHash types.Hash, sig *types.CrossSignature, sender types.NodeID) (bool, error) {
	if sig == nil {
		a.metrics.ObserveSignature("invalid")
		return false, fmt.Errorf("%w: nil signature", ErrInvalidSignature)
	}
	switch sig.VerificationResult {
	case types.VerificationPass, types.VerificationFail, types.VerificationPending:
	default:
		a.metrics.ObserveSignature("invalid")
		return false, fmt.Errorf("invalid verification result %q", sig.VerificationResult)
	}

	a.mu.Lock()

	anchor, ok := a.lookupLocked(anchorHash)
	if !ok {
		a.mu.Unlock()
		a.metrics.ObserveSignature("unknown_anchor")
		return false, fmt.Errorf("%w: %s", ErrUnknownAnchor, anchorHash)
	}
	if sig.SignerNodeID == anchor.ProposerNodeID {
		a.mu.Unlock()
		a.metrics.ObserveSignature("self_certification")
		return false, ErrSelfCertification
	}
	if a.trust != nil && !a.trust.IsKnown(sig.SignerNodeID) {
		a.mu.Unlock()
		a.metrics.ObserveSignature("unknown_signer")
		return false, fmt.Errorf("%w: %s", ErrUnknownSigner, sig.SignerNodeID)
	}
	if sig.AnchorHash != anchorHash || !a.codec.VerifyCrossSignature(sig) {
		a.mu.Unlock()
		if sender == "" || sender != sig.SignerNodeID {
			a.metrics.ObserveSignature("unattributed")
			a.logger.Warn("Discarded invalid signature from unauthenticated sender",
				zap.String("anchor_hash", string(anchorHash)),
				zap.String("claimed_signer", string(sig.SignerNodeID)),
				zap.String("sender", string(sender)))
			return false, fmt.Errorf("%w: claimed signer %s", ErrInvalidSignature, sig.SignerNodeID)
		}
		a.metrics.ObserveSignature("byzantine")
		a.penalize(sig.SignerNodeID, anchorHash)
		return false, fmt.Errorf("%w: signer %s", ErrInvalidSignature, sig.SignerNodeID)
	}
	if prior := anchor.SignatureFrom(sig.SignerNodeID); prior != nil && bytes.Equal(prior.Signature, sig.Signature) {
		a.mu.Unlock()
		a.metrics.ObserveSignature("duplicate")
		return true, nil
	}

	reached := a.recordLocked(anchor, sig.Clone())
	callback := a.onVerified
	a.mu.Unlock()

	a.metrics.ObserveSignature("accepted")
	if reached != nil && callback != nil {
		callback(reached)
	}
	return true, nil
}

func (a *Aggregator) penalize(signer types.NodeID, anchorHash types.Hash) {
	if a.trust == nil {
		return
	}
	if _, err := a.trust.PenalizeByzantine(signer, a.cfg.ByzantineFactor, string(anchorHash)); err != nil {
		a.logger.Error("Failed to apply byzantine penalty",
			zap.String("node_id", string(signer)),
			zap.Error(err))
	}
}

// recordLocked replaces the signer's prior vote, appends to the audit
// history and runs the quorum check. Returns a copy of the anchor when this
// signature moved it to the verified set (must be called with lock held).
func (a *Aggregator) recordLocked(anchor *types.Anchor, sig *types.CrossSignature) *types.Anchor {
	replaced := false
	for i, existing := range anchor.Signatures {
		if existing.SignerNodeID == sig.SignerNodeID {
			anchor.Signatures[i] = sig
			replaced = true
			break
		}
	}
	if !replaced {
		anchor.Signatures = append(anchor.Signatures, sig)
	}
	anchor.History = append(anchor.History, sig)

	if anchor.ConsensusReached || anchor.PassCount() < a.cfg.MinPeerSignatures {
		// Late signatures on verified anchors are kept for audit only.
		a.persistLocked(anchor)
		return nil
	}

	now := a.now().UTC()
	anchor.ConsensusReached = true
	anchor.State = types.AnchorConsensusReached
	anchor.DistributedHash = a.distributedHash(anchor)
	anchor.ReachedAt = &now

	delete(a.pending, anchor.AnchorHash)
	a.verified[anchor.AnchorHash] = anchor
	a.persistLocked(anchor)
	a.metrics.ObserveAnchorVerified()

	a.logger.Info("Anchor reached signature quorum",
		zap.String("anchor_hash", string(anchor.AnchorHash)),
		zap.Int("pass_signatures", anchor.PassCount()),
		zap.String("distributed_hash", string(anchor.DistributedHash)))

	return anchor.Clone()
}

// persistLocked saves a mutated anchor. Failures are logged; the in-memory
// state stays authoritative for this process.
func (a *Aggregator) persistLocked(anchor *types.Anchor) {
	if err := a.saveLocked(anchor); err != nil {
		a.logger.Error("Failed to persist anchor",
			zap.String("anchor_hash", string(anchor.AnchorHash)),
			zap.Error(err))
	}
}

// distributedHash hashes the anchor hash concatenated with the sorted,
// hex-encoded pass signatures.
func (a *Aggregator) distributedHash(anchor *types.Anchor) types.Hash {
	var sigs []string
	for _, s := range anchor.Signatures {
		if s.VerificationResult == types.VerificationPass {
			sigs = append(sigs, hex.EncodeToString(s.Signature))
		}
	}
	sort.Strings(sigs)
	return a.codec.Hasher().Hash([]byte(string(anchor.AnchorHash) + strings.Join(sigs, "")))
}

// lookupLocked must be called with the lock held.
func (a *Aggregator) lookupLocked(hash types.Hash) (*types.Anchor, bool) {
	if anchor, ok := a.pending[hash]; ok {
		return anchor, true
	}
	anchor, ok := a.verified[hash]
	return anchor, ok
}

// Get returns a copy of the anchor from either set.
func (a *Aggregator) Get(hash types.Hash) (*types.Anchor, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	anchor, ok := a.lookupLocked(hash)
	if !ok {
		return nil, false
	}
	return anchor.Clone(), true
}

// IsVerified reports whether the anchor has reached quorum.
func (a *Aggregator) IsVerified(hash types.Hash) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.verified[hash]
	return ok
}

func (a *Aggregator) Pending() []*types.Anchor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedAnchors(a.pending)
}

func (a *Aggregator) Verified() []*types.Anchor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedAnchors(a.verified)
}

func sortedAnchors(set map[types.Hash]*types.Anchor) []*types.Anchor {
	out := make([]*types.Anchor, 0, len(set))
	for _, anchor := range set {
		out = append(out, anchor.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].AnchorHash < out[j].AnchorHash
	})
	return out
}
