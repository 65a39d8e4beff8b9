// Package node assembles the trust, event, consensus, cross-signing and
// sync components of one federation member and exposes its operations.
package node

import (
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"fedtrust/pkg/auth"
	"fedtrust/pkg/config"
	"fedtrust/pkg/consensus"
	"fedtrust/pkg/crosssign"
	"fedtrust/pkg/federation"
	"fedtrust/pkg/metrics"
	"fedtrust/pkg/signing"
	"fedtrust/pkg/storage"
	"fedtrust/pkg/types"
)

const (
	publicKeyPrefix = "pubkey/"

	AnchorEventKind    = "anchor"
	anchorEventVersion = "1"
)

// Options overrides collaborators, mostly for tests and embedding.
type Options struct {
	// Transport defaults to the scheme router (file, http(s), grpc).
	Transport federation.Transport
	// Policy defaults to accepting every payload.
	Policy crosssign.PolicyChecker
	// Registry defaults to a fresh prometheus registry.
	Registry *prometheus.Registry
}

type Node struct {
	cfg    *config.Config
	nodeID types.NodeID
	logger *zap.Logger

	store     storage.Store
	keys      *signing.Keyring
	codec     *signing.Codec
	metrics   *metrics.Metrics
	trust     *federation.TrustStore
	events    *federation.EventLog
	engine    *consensus.Engine
	anchors   *crosssign.Aggregator
	transport federation.Transport
	sync      *federation.SyncManager

	serverTLS  *tls.Config
	httpClient *http.Client
}

// New opens the node's state and wires its components. The node key is
// loaded from cfg.KeyFile, or generated on first start.
func New(cfg *config.Config, opts Options, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	keys := signing.NewKeyring()
	nodeID, err := keys.LoadOrCreate(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load node key: %w", err)
	}
	if cfg.NodeID != "" && types.NodeID(cfg.NodeID) != nodeID {
		return nil, fmt.Errorf("configured node_id %s does not match key %s (%s)", cfg.NodeID, cfg.KeyFile, nodeID)
	}
	logger = logger.With(zap.String("node_id", string(nodeID)))

	store, err := storage.Open(cfg.Storage.Engine, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		nodeID:  nodeID,
		logger:  logger,
		store:   store,
		keys:    keys,
		metrics: metrics.New(opts.Registry),
	}
	if err := n.wire(opts); err != nil {
		store.Close()
		return nil, err
	}

	logger.Info("Node initialized",
		zap.String("storage_engine", cfg.Storage.Engine),
		zap.String("storage_path", cfg.Storage.Path),
		zap.Int("peers", len(n.trust.List())),
		zap.Int("events", n.events.Len()))

	return n, nil
}

func (n *Node) wire(opts Options) error {
	cfg := n.cfg
	var err error

	n.codec = signing.NewCodec(n.keys, signing.Blake3Hasher{}, n.logger.Named("signing"))
	federation.SetMaxBatchSize(cfg.Sync.MaxBatchBytes())

	n.trust, err = federation.NewTrustStore(n.store, federation.TrustStoreOptions{
		HistorySize:  cfg.Consensus.HistorySize,
		AuditSize:    cfg.Trust.AuditSize,
		InitialScore: cfg.Trust.InitialScore,
	}, n.logger.Named("trust"))
	if err != nil {
		return err
	}
	n.trust.SetMetrics(n.metrics)

	if err := n.loadPublicKeys(); err != nil {
		return err
	}
	for _, p := range cfg.Peers {
		_, err := n.AddPeer(p.DisplayName, p.Organization, p.Endpoint, p.PublicKey)
		if err != nil && !errors.Is(err, federation.ErrPeerExists) {
			return fmt.Errorf("failed to register configured peer %q: %w", p.DisplayName, err)
		}
	}

	n.events, err = federation.NewEventLog(n.store, n.codec.Hasher())
	if err != nil {
		return err
	}

	n.engine = consensus.NewEngine(consensus.Config{
		MinParticipants: cfg.Consensus.MinParticipants,
		Threshold:       cfg.Consensus.Threshold,
		AgreeReward:     cfg.Consensus.AgreeReward,
		DisagreePenalty: cfg.Consensus.DisagreePenalty,
	}, n.trust, n.metrics, n.logger.Named("consensus"))

	n.anchors = crosssign.NewAggregator(crosssign.Config{
		MinPeerSignatures:      cfg.CrossSign.MinPeerSignatures,
		MaxAnchorsPerHour:      cfg.CrossSign.MaxAnchorsPerHour,
		TimestampTolerance:     cfg.CrossSign.TimestampTolerance,
		ByzantineFactor:        cfg.CrossSign.ByzantineFactor,
		RequiredEvidenceFields: cfg.CrossSign.RequiredEvidenceFields,
	}, n.codec, opts.Policy, n.trust, n.metrics, n.logger.Named("crosssign"))
	if err := n.anchors.Restore(crosssign.NewKVAnchorStore(n.store)); err != nil {
		return err
	}
	n.anchors.OnVerified(n.emitAnchorEvent)

	clientTLS, err := auth.ClientTLS(&cfg.Server.TLS)
	if err != nil {
		return err
	}
	if n.serverTLS, err = auth.ServerTLS(&cfg.Server.TLS); err != nil {
		return err
	}
	n.httpClient = federation.HTTPClient(clientTLS)

	n.transport = opts.Transport
	if n.transport == nil {
		n.transport = federation.NewRouter(clientTLS, n.logger.Named("transport"))
	}

	n.sync, err = federation.NewSyncManager(federation.SyncOptions{
		LocalNodeID:      n.nodeID,
		Interval:         cfg.Sync.Interval(),
		FetchTimeout:     cfg.Sync.FetchTimeout,
		Workers:          cfg.Sync.Workers,
		FallbackMinTrust: cfg.Sync.FallbackMinTrust,
		MinParticipants:  cfg.Consensus.MinParticipants,
		QuorumKinds:      cfg.Sync.QuorumKinds,
	}, n.store, n.events, n.trust, n.transport, n.engine, n.anchors, n.metrics, n.logger.Named("sync"))
	return err
}

// emitAnchorEvent records a verified anchor in the local log so peers can
// pick it up on their next sync. Only the proposer records it; every other
// member reaches quorum on the same signatures and accepts that one event.
func (n *Node) emitAnchorEvent(anchor *types.Anchor) {
	if anchor.ProposerNodeID != n.nodeID {
		return
	}
	e, err := n.events.Emit(AnchorEventKind, anchorEventVersion, string(anchor.AnchorHash), string(anchor.ProposerNodeID), n.nodeID)
	if err != nil {
		n.logger.Error("Failed to record verified anchor",
			zap.String("anchor_hash", string(anchor.AnchorHash)),
			zap.Error(err))
		return
	}
	n.logger.Info("Recorded verified anchor",
		zap.String("anchor_hash", string(anchor.AnchorHash)),
		zap.String("event_hash", string(e.Hash)))
}

// AddPeer registers a peer from its hex-encoded ed25519 public key. The key
// is kept so the peer's signatures can be verified after restarts.
func (n *Node) AddPeer(displayName, organization, endpoint, publicKeyHex string) (*types.PeerNode, error) {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	id, err := n.keys.AddPublicKey(pub)
	if err != nil {
		return nil, err
	}
	if id == n.nodeID {
		return nil, fmt.Errorf("cannot register the local node as a peer")
	}

	peer, err := n.trust.Register(types.PeerNode{
		NodeID:               id,
		DisplayName:          displayName,
		Organization:         organization,
		Endpoint:             endpoint,
		PublicKeyFingerprint: signing.Fingerprint(pub),
	})
	if err != nil {
		return nil, err
	}

	if err := n.store.Put([]byte(publicKeyPrefix+string(id)), []byte(publicKeyHex)); err != nil {
		return nil, fmt.Errorf("failed to persist public key: %w", err)
	}
	return peer, nil
}

func (n *Node) loadPublicKeys() error {
	return n.store.Iterate([]byte(publicKeyPrefix), func(key, value []byte) error {
		pub, err := hex.DecodeString(string(value))
		if err != nil {
			return fmt.Errorf("corrupt public key %s: %w", key, err)
		}
		_, err = n.keys.AddPublicKey(pub)
		return err
	})
}

// SetPeerStatus transitions a peer; peers are never deleted.
func (n *Node) SetPeerStatus(nodeID types.NodeID, status types.PeerStatus) error {
	return n.trust.SetStatus(nodeID, status)
}

func (n *Node) ID() types.NodeID {
	return n.nodeID
}

// PublicKey returns the hex-encoded public key peers need to register this
// node.
func (n *Node) PublicKey() string {
	pub, _ := n.keys.PublicKey(n.nodeID)
	return hex.EncodeToString(pub)
}

func (n *Node) Peers() []*types.PeerNode {
	return n.trust.List()
}

func (n *Node) Events() *federation.EventLog {
	return n.events
}

func (n *Node) Anchors() *crosssign.Aggregator {
	return n.anchors
}

func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// EmitEvent appends a locally originated event.
func (n *Node) EmitEvent(kind, version, reference, origin string) (*types.Event, error) {
	return n.events.Emit(kind, version, reference, origin, n.nodeID)
}

// ExportEvents atomically writes the local log to path for file-based peers.
func (n *Node) ExportEvents(path string) (int, error) {
	batch := federation.NewEventBatch(n.nodeID, n.events)
	if err := federation.ExportFile(path, batch); err != nil {
		return 0, err
	}
	n.logger.Info("Exported event log", zap.String("path", path), zap.Int("events", len(batch.Events)))
	return len(batch.Events), nil
}

func (n *Node) Close() error {
	var errs []error
	if c, ok := n.transport.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, n.store.Close())
	return errors.Join(errs...)
}

func (n *Node) now() time.Time {
	return time.Now().UTC()
}
