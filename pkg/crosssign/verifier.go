package crosssign

import (
	"encoding/json"
	"time"

	"fedtrust/pkg/signing"
	"fedtrust/pkg/types"
)

// Verification check names, reported in CrossSignature.Details.
const (
	CheckProposerSignature = "proposer_signature"
	CheckAnchorIntegrity   = "anchor_hash_integrity"
	CheckPayloadComplete   = "payload_complete"
	CheckTimestamp         = "timestamp_within_tolerance"
	CheckPolicyCompliant   = "policy_compliant"
)

// PolicyChecker is the policy-compliance collaborator.
type PolicyChecker interface {
	IsCompliant(payloadDigest map[string]string) bool
}

// PolicyFunc adapts a function to PolicyChecker.
type PolicyFunc func(payloadDigest map[string]string) bool

func (f PolicyFunc) IsCompliant(payloadDigest map[string]string) bool {
	return f(payloadDigest)
}

// AllowAll accepts every payload.
var AllowAll = PolicyFunc(func(map[string]string) bool { return true })

type canonicalAnchor struct {
	Proposer      types.NodeID      `json:"proposer"`
	PayloadDigest map[string]string `json:"payload_digest"`
	CreatedAt     string            `json:"created_at"`
}

// ComputeAnchorHash hashes proposer, payload digest and creation time.
// Map keys are serialized in sorted order.
func ComputeAnchorHash(h signing.Hasher, proposer types.NodeID, digest map[string]string, createdAt time.Time) types.Hash {
	data, _ := json.Marshal(canonicalAnchor{
		Proposer:      proposer,
		PayloadDigest: digest,
		CreatedAt:     createdAt.UTC().Format(time.RFC3339Nano),
	})
	return h.Hash(data)
}

// NewAnchor builds a pending anchor and signs it as proposer.
func NewAnchor(codec *signing.Codec, proposer types.NodeID, digest map[string]string, createdAt time.Time) (*types.Anchor, error) {
	anchor := &types.Anchor{
		ProposerNodeID: proposer,
		PayloadDigest:  digest,
		CreatedAt:      createdAt.UTC(),
		State:          types.AnchorPending,
	}
	anchor.AnchorHash = ComputeAnchorHash(codec.Hasher(), proposer, digest, anchor.CreatedAt)
	if err := codec.SignAnchor(anchor); err != nil {
		return nil, err
	}
	return anchor, nil
}

// Verifier runs the independent per-node verification of an anchor.
type Verifier struct {
	codec          *signing.Codec
	policy         PolicyChecker
	requiredFields []string
	tolerance      time.Duration
	now            func() time.Time
}

func NewVerifier(codec *signing.Codec, policy PolicyChecker, requiredFields []string, tolerance time.Duration) *Verifier {
	if policy == nil {
		policy = AllowAll
	}
	return &Verifier{
		codec:          codec,
		policy:         policy,
		requiredFields: requiredFields,
		tolerance:      tolerance,
		now:            time.Now,
	}
}

// Check evaluates every check and returns the verdict with per-check details.
// The verdict is pass only when all checks succeed.
func (v *Verifier) Check(anchor *types.Anchor) (types.VerificationResult, map[string]bool) {
	details := map[string]bool{
		CheckProposerSignature: v.codec.VerifyAnchor(anchor),
		CheckAnchorIntegrity:   ComputeAnchorHash(v.codec.Hasher(), anchor.ProposerNodeID, anchor.PayloadDigest, anchor.CreatedAt) == anchor.AnchorHash,
		CheckPayloadComplete:   v.payloadComplete(anchor.PayloadDigest),
		CheckTimestamp:         v.withinTolerance(anchor.CreatedAt),
		CheckPolicyCompliant:   v.policy.IsCompliant(anchor.PayloadDigest),
	}

	for _, ok := range details {
		if !ok {
			return types.VerificationFail, details
		}
	}
	return types.VerificationPass, details
}

func (v *Verifier) payloadComplete(digest map[string]string) bool {
	for _, field := range v.requiredFields {
		if digest[field] == "" {
			return false
		}
	}
	return true
}

func (v *Verifier) withinTolerance(createdAt time.Time) bool {
	skew := v.now().Sub(createdAt)
	if skew < 0 {
		skew = -skew
	}
	return skew <= v.tolerance
}
