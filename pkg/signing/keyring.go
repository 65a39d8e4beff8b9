package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"fedtrust/pkg/types"
)

var ErrNoPrivateKey = errors.New("signing: no private key for node")

// KeyManager is the key-management collaborator.
type KeyManager interface {
	Sign(nodeID types.NodeID, data []byte) ([]byte, error)
	Verify(nodeID types.NodeID, data, signature []byte) bool
}

// Keyring is an ed25519 KeyManager holding the local node's private key and
// the public keys of registered peers.
type Keyring struct {
	mu      sync.RWMutex
	private map[types.NodeID]ed25519.PrivateKey
	public  map[types.NodeID]ed25519.PublicKey
}

func NewKeyring() *Keyring {
	return &Keyring{
		private: make(map[types.NodeID]ed25519.PrivateKey),
		public:  make(map[types.NodeID]ed25519.PublicKey),
	}
}

// Generate creates a fresh key pair and returns the derived node ID.
func (k *Keyring) Generate() (types.NodeID, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return k.addPrivate(priv, pub), nil
}

func (k *Keyring) addPrivate(priv ed25519.PrivateKey, pub ed25519.PublicKey) types.NodeID {
	id := NodeIDFromFingerprint(Fingerprint(pub))

	k.mu.Lock()
	defer k.mu.Unlock()
	k.private[id] = priv
	k.public[id] = pub
	return id
}

// LoadOrCreate reads a hex-encoded ed25519 seed from path, generating and
// atomically writing one when the file does not exist.
func (k *Keyring) LoadOrCreate(path string) (types.NodeID, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return "", fmt.Errorf("failed to generate seed: %w", err)
		}
		if err := renameio.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0600); err != nil {
			return "", fmt.Errorf("failed to write key file: %w", err)
		}
		data = []byte(hex.EncodeToString(seed))
	} else if err != nil {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("invalid key file %s", path)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return k.addPrivate(priv, priv.Public().(ed25519.PublicKey)), nil
}

// AddPublicKey registers a peer's public key and returns its derived node ID.
func (k *Keyring) AddPublicKey(publicKey []byte) (types.NodeID, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid public key length %d", len(publicKey))
	}
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, publicKey)
	id := NodeIDFromFingerprint(Fingerprint(pub))

	k.mu.Lock()
	defer k.mu.Unlock()
	k.public[id] = pub
	return id, nil
}

// PublicKey returns the registered public key for a node.
func (k *Keyring) PublicKey(nodeID types.NodeID) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.public[nodeID]
	return pub, ok
}

func (k *Keyring) Sign(nodeID types.NodeID, data []byte) ([]byte, error) {
	k.mu.RLock()
	priv, ok := k.private[nodeID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoPrivateKey, nodeID)
	}
	return ed25519.Sign(priv, data), nil
}

func (k *Keyring) Verify(nodeID types.NodeID, data, signature []byte) bool {
	k.mu.RLock()
	pub, ok := k.public[nodeID]
	k.mu.RUnlock()
	if !ok || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, signature)
}
