package types

import (
	"fmt"
	"time"
)

type NodeID string
type Hash string

const (
	MinTrustScore     = 0.0
	MaxTrustScore     = 100.0
	InitialTrustScore = 50.0
)

// ClampTrust bounds a score to [0,100].
func ClampTrust(score float64) float64 {
	if score < MinTrustScore {
		return MinTrustScore
	}
	if score > MaxTrustScore {
		return MaxTrustScore
	}
	return score
}

type PeerStatus string

const (
	PeerActive    PeerStatus = "active"
	PeerInactive  PeerStatus = "inactive"
	PeerSuspended PeerStatus = "suspended"
)

func (s PeerStatus) Valid() bool {
	switch s {
	case PeerActive, PeerInactive, PeerSuspended:
		return true
	}
	return false
}

// PeerNode is one entry of the peer manifest.
type PeerNode struct {
	NodeID               NodeID     `json:"node_id"`
	DisplayName          string     `json:"display_name"`
	Organization         string     `json:"organization"`
	Endpoint             string     `json:"endpoint"`
	PublicKeyFingerprint string     `json:"public_key_fingerprint"`
	TrustScore           float64    `json:"trust_score"`
	Status               PeerStatus `json:"status"`
	LastSeen             *time.Time `json:"last_seen,omitempty"`
}

// SetTrust writes a clamped score.
func (p *PeerNode) SetTrust(score float64) {
	p.TrustScore = ClampTrust(score)
}

func (p *PeerNode) Clone() *PeerNode {
	c := *p
	if p.LastSeen != nil {
		ts := *p.LastSeen
		c.LastSeen = &ts
	}
	return &c
}

// Event is an immutable content-addressed log entry. Hash covers
// timestamp, kind, version, reference and origin only.
type Event struct {
	Hash      Hash      `json:"event_hash"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Version   string    `json:"version"`
	Reference string    `json:"reference"`
	Origin    string    `json:"origin"`
	EmittedBy NodeID    `json:"emitted_by"`
}

type Resolution string

const (
	ConsensusAchieved Resolution = "consensus_achieved"
	ConsensusFailed   Resolution = "consensus_failed"
	InsufficientNodes Resolution = "insufficient_nodes"
)

// ConsensusRound records one hash-majority vote. Never mutated after completion.
type ConsensusRound struct {
	EventHash           Hash            `json:"event_hash"`
	InitiatedAt         time.Time       `json:"initiated_at"`
	CompletedAt         time.Time       `json:"completed_at"`
	ParticipatingNodes  []NodeID        `json:"participating_nodes"`
	ReportedHashes      map[NodeID]Hash `json:"reported_hashes"`
	MajorityHash        Hash            `json:"majority_hash,omitempty"`
	MajorityCount       int             `json:"majority_count"`
	AgreementPercentage float64         `json:"agreement_percentage"`
	Threshold           float64         `json:"threshold"`
	Achieved            bool            `json:"achieved"`
	DisagreeingNodes    []NodeID        `json:"disagreeing_nodes"`
	Resolution          Resolution      `json:"resolution"`
}

type VerificationResult string

const (
	VerificationPass    VerificationResult = "pass"
	VerificationFail    VerificationResult = "fail"
	VerificationPending VerificationResult = "pending"
)

// CrossSignature is a peer's verdict on an anchor plus its signature
// over SigningBytes.
type CrossSignature struct {
	AnchorHash         Hash               `json:"anchor_hash"`
	SignerNodeID       NodeID             `json:"signer_node_id"`
	VerificationResult VerificationResult `json:"verification_result"`
	Signature          []byte             `json:"signature"`
	VerifiedAt         time.Time          `json:"verified_at"`
	Details            map[string]bool    `json:"details,omitempty"`
}

// SigningBytes is the message a signer signs: anchor hash, signer, verdict
// and verification time at second precision.
func (s *CrossSignature) SigningBytes() []byte {
	return []byte(fmt.Sprintf("crosssign|%s|%s|%s|%d",
		s.AnchorHash, s.SignerNodeID, s.VerificationResult, s.VerifiedAt.Unix()))
}

func (s *CrossSignature) Clone() *CrossSignature {
	return cloneSignatures([]*CrossSignature{s})[0]
}

type AnchorState string

const (
	AnchorPending          AnchorState = "pending"
	AnchorConsensusReached AnchorState = "consensus_reached"
)

// Anchor is a proposed artifact awaiting quorum sign-off.
type Anchor struct {
	AnchorHash        Hash              `json:"anchor_hash"`
	ProposerNodeID    NodeID            `json:"proposer_node_id"`
	PayloadDigest     map[string]string `json:"payload_digest"`
	CreatedAt         time.Time         `json:"created_at"`
	ProposerSignature []byte            `json:"proposer_signature"`

	State            AnchorState       `json:"state"`
	ConsensusReached bool              `json:"consensus_reached"`
	DistributedHash  Hash              `json:"distributed_hash,omitempty"`
	ReachedAt        *time.Time        `json:"reached_at,omitempty"`
	Signatures       []*CrossSignature `json:"signatures"`
	History          []*CrossSignature `json:"history"`
}

// PassCount counts current pass votes.
func (a *Anchor) PassCount() int {
	n := 0
	for _, s := range a.Signatures {
		if s.VerificationResult == VerificationPass {
			n++
		}
	}
	return n
}

// SignatureFrom returns the signer's current vote, if any.
func (a *Anchor) SignatureFrom(id NodeID) *CrossSignature {
	for _, s := range a.Signatures {
		if s.SignerNodeID == id {
			return s
		}
	}
	return nil
}

// TrustAdjustment is an audit record for one trust-score mutation.
type TrustAdjustment struct {
	NodeID NodeID    `json:"node_id"`
	Old    float64   `json:"old"`
	New    float64   `json:"new"`
	Reason string    `json:"reason"`
	Ref    string    `json:"ref,omitempty"`
	At     time.Time `json:"at"`
}

const (
	ReasonConsensusAgree    = "consensus_agree"
	ReasonConsensusDisagree = "consensus_disagree"
	ReasonByzantine         = "byzantine_signature"
)

// Clone copies the anchor including its signature lists.
func (a *Anchor) Clone() *Anchor {
	c := *a
	c.PayloadDigest = make(map[string]string, len(a.PayloadDigest))
	for k, v := range a.PayloadDigest {
		c.PayloadDigest[k] = v
	}
	c.ProposerSignature = append([]byte(nil), a.ProposerSignature...)
	if a.ReachedAt != nil {
		ts := *a.ReachedAt
		c.ReachedAt = &ts
	}
	c.Signatures = cloneSignatures(a.Signatures)
	c.History = cloneSignatures(a.History)
	return &c
}

func cloneSignatures(sigs []*CrossSignature) []*CrossSignature {
	if sigs == nil {
		return nil
	}
	out := make([]*CrossSignature, len(sigs))
	for i, s := range sigs {
		c := *s
		c.Signature = append([]byte(nil), s.Signature...)
		if s.Details != nil {
			c.Details = make(map[string]bool, len(s.Details))
			for k, v := range s.Details {
				c.Details[k] = v
			}
		}
		out[i] = &c
	}
	return out
}
