package signing

import (
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"fedtrust/pkg/types"
)

const defaultVerifyCacheSize = 4096

// Codec signs and verifies cross-signatures and anchor proposals through a
// KeyManager. Verification outcomes are cached by (signer, message, signature).
type Codec struct {
	keys   KeyManager
	hasher Hasher
	cache  *lru.Cache
	logger *zap.Logger
}

// NewCodec creates a codec. A nil hasher selects blake3.
func NewCodec(keys KeyManager, hasher Hasher, logger *zap.Logger) *Codec {
	if hasher == nil {
		hasher = Blake3Hasher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// lru.New only fails for a non-positive size
	cache, _ := lru.New(defaultVerifyCacheSize)

	return &Codec{
		keys:   keys,
		hasher: hasher,
		cache:  cache,
		logger: logger,
	}
}

func (c *Codec) Hasher() Hasher {
	return c.hasher
}

func (c *Codec) Sign(nodeID types.NodeID, data []byte) ([]byte, error) {
	return c.keys.Sign(nodeID, data)
}

func (c *Codec) Verify(nodeID types.NodeID, data, signature []byte) bool {
	if len(signature) == 0 {
		return false
	}

	key := c.cacheKey(nodeID, data, signature)
	if v, ok := c.cache.Get(key); ok {
		return v.(bool)
	}

	valid := c.keys.Verify(nodeID, data, signature)
	c.cache.Add(key, valid)

	if !valid {
		c.logger.Debug("Signature verification failed", zap.String("node_id", string(nodeID)))
	}
	return valid
}

// SignCrossSignature fills sig.Signature using the signer's key.
func (c *Codec) SignCrossSignature(sig *types.CrossSignature) error {
	signature, err := c.keys.Sign(sig.SignerNodeID, sig.SigningBytes())
	if err != nil {
		return err
	}
	sig.Signature = signature
	return nil
}

func (c *Codec) VerifyCrossSignature(sig *types.CrossSignature) bool {
	return c.Verify(sig.SignerNodeID, sig.SigningBytes(), sig.Signature)
}

// SignAnchor signs the anchor hash with the proposer's key.
func (c *Codec) SignAnchor(anchor *types.Anchor) error {
	signature, err := c.keys.Sign(anchor.ProposerNodeID, []byte(anchor.AnchorHash))
	if err != nil {
		return err
	}
	anchor.ProposerSignature = signature
	return nil
}

func (c *Codec) VerifyAnchor(anchor *types.Anchor) bool {
	return c.Verify(anchor.ProposerNodeID, []byte(anchor.AnchorHash), anchor.ProposerSignature)
}

func (c *Codec) cacheKey(nodeID types.NodeID, data, signature []byte) string {
	buf := make([]byte, 0, len(nodeID)+len(data)+len(signature)+2)
	buf = append(buf, nodeID...)
	buf = append(buf, 0)
	buf = append(buf, data...)
	buf = append(buf, 0)
	buf = append(buf, signature...)
	return string(c.hasher.Hash(buf))
}
