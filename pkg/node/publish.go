package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"fedtrust/pkg/crosssign"
	"fedtrust/pkg/federation"
	"fedtrust/pkg/types"
)

// PublishResult is the delivery outcome for one peer.
type PublishResult struct {
	NodeID   types.NodeID `json:"node_id"`
	Endpoint string       `json:"endpoint"`
	Status   int          `json:"status,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// PublishAnchor pushes a pending anchor to every active peer with an HTTP
// endpoint so they can verify and sign it.
func (n *Node) PublishAnchor(ctx context.Context, anchorHash types.Hash) ([]PublishResult, error) {
	anchor, ok := n.anchors.Get(anchorHash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", crosssign.ErrUnknownAnchor, anchorHash)
	}
	anchor.Signatures = nil
	anchor.History = nil

	var results []PublishResult
	for _, peer := range n.trust.ActivePeers() {
		result := PublishResult{NodeID: peer.NodeID, Endpoint: peer.Endpoint}

		status, err := n.post(ctx, peer.Endpoint, AnchorsPath, anchor)
		result.Status = status
		if err != nil {
			result.Error = err.Error()
			n.logger.Warn("Failed to publish anchor",
				zap.String("peer", string(peer.NodeID)),
				zap.String("anchor_hash", string(anchorHash)),
				zap.Error(err))
		}
		results = append(results, result)
	}
	return results, nil
}

// SendSignature delivers this node's verdict to every active peer, the
// proposer included, so each member can reach quorum on its own copy of the
// anchor and later accept the proposer's anchor event through sync. The
// error joins every failed delivery; results cover all attempts.
func (n *Node) SendSignature(ctx context.Context, sig *types.CrossSignature) ([]PublishResult, error) {
	if _, ok := n.anchors.Get(sig.AnchorHash); !ok {
		return nil, fmt.Errorf("%w: %s", crosssign.ErrUnknownAnchor, sig.AnchorHash)
	}

	path := AnchorsPath + "/" + url.PathEscape(string(sig.AnchorHash)) + "/signatures"
	var (
		results []PublishResult
		errs    []error
	)
	for _, peer := range n.trust.ActivePeers() {
		status, err := n.post(ctx, peer.Endpoint, path, sig)
		result := PublishResult{NodeID: peer.NodeID, Endpoint: peer.Endpoint, Status: status}
		if err != nil {
			result.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", peer.NodeID, err))
			n.logger.Warn("Failed to deliver signature",
				zap.String("peer", string(peer.NodeID)),
				zap.String("anchor_hash", string(sig.AnchorHash)),
				zap.Error(err))
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

func (n *Node) post(ctx context.Context, endpoint, path string, body interface{}) (int, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return 0, fmt.Errorf("%w: %s", federation.ErrUnsupportedEndpoint, endpoint)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.Sync.FetchTimeout)
	defer cancel()

	target := strings.TrimRight(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: %v", federation.ErrTimeout, err)
		}
		return 0, fmt.Errorf("%w: %v", federation.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("%s returned %s: %s", target, resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp.StatusCode, nil
}
