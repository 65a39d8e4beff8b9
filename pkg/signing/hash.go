package signing

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"fedtrust/pkg/types"
)

// Hasher is the hashing collaborator.
type Hasher interface {
	Hash(data []byte) types.Hash
}

// Blake3Hasher hashes with blake3-256 and hex-encodes the digest.
type Blake3Hasher struct{}

func (Blake3Hasher) Hash(data []byte) types.Hash {
	sum := blake3.Sum256(data)
	return types.Hash(hex.EncodeToString(sum[:]))
}

// Fingerprint returns the hex fingerprint of a public key.
func Fingerprint(publicKey []byte) string {
	sum := blake3.Sum256(publicKey)
	return hex.EncodeToString(sum[:20])
}

// NodeIDFromFingerprint derives the stable node identifier from a key fingerprint.
func NodeIDFromFingerprint(fingerprint string) types.NodeID {
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	return types.NodeID("node-" + fingerprint)
}
