package node

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"fedtrust/pkg/crosssign"
	"fedtrust/pkg/federation"
	"fedtrust/pkg/types"
)

const (
	AnchorsPath = "/v1/anchors"
	TrustPath   = "/v1/trust"

	maxRequestBody  = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Handler exposes the event log, trust state, anchors and metrics over HTTP.
func (n *Node) Handler() http.Handler {
	r := mux.NewRouter()
	federation.RegisterEventRoutes(r, n.nodeID, n.events)

	r.HandleFunc(TrustPath, n.handleTrust).Methods(http.MethodGet)
	r.HandleFunc(AnchorsPath, n.handleListAnchors).Methods(http.MethodGet)
	r.HandleFunc(AnchorsPath, n.handleProposeAnchor).Methods(http.MethodPost)
	r.HandleFunc(AnchorsPath+"/{hash}", n.handleGetAnchor).Methods(http.MethodGet)
	r.HandleFunc(AnchorsPath+"/{hash}/signatures", n.handleSignature).Methods(http.MethodPost)
	r.Handle("/metrics", n.metrics.Handler())

	return r
}

func (n *Node) handleTrust(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, n.InspectTrust())
}

func (n *Node) handleListAnchors(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"pending":  n.anchors.Pending(),
		"verified": n.anchors.Verified(),
	})
}

func (n *Node) handleGetAnchor(w http.ResponseWriter, req *http.Request) {
	anchor, ok := n.anchors.Get(types.Hash(mux.Vars(req)["hash"]))
	if !ok {
		respondError(w, http.StatusNotFound, crosssign.ErrUnknownAnchor)
		return
	}
	respond(w, http.StatusOK, anchor)
}

func (n *Node) handleProposeAnchor(w http.ResponseWriter, req *http.Request) {
	var anchor types.Anchor
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody)).Decode(&anchor); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid anchor: %w", err))
		return
	}

	result, err := n.ProposeAnchor(&anchor)
	if err != nil {
		n.logger.Error("Failed to store proposed anchor", zap.Error(err))
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	status := http.StatusAccepted
	switch {
	case errors.Is(result.Err, crosssign.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(result.Err, crosssign.ErrDuplicateAnchor):
		status = http.StatusConflict
	case result.Err != nil:
		status = http.StatusBadRequest
	}
	respond(w, status, result)
}

func (n *Node) handleSignature(w http.ResponseWriter, req *http.Request) {
	hash := types.Hash(mux.Vars(req)["hash"])

	var sig types.CrossSignature
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody)).Decode(&sig); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid signature: %w", err))
		return
	}

	_, err := n.ReceiveSignature(hash, &sig, peerIdentity(req))
	switch {
	case errors.Is(err, crosssign.ErrUnknownAnchor):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, crosssign.ErrSelfCertification), errors.Is(err, crosssign.ErrUnknownSigner):
		respondError(w, http.StatusForbidden, err)
	case err != nil:
		respondError(w, http.StatusBadRequest, err)
	default:
		anchor, _ := n.anchors.Get(hash)
		respond(w, http.StatusOK, map[string]interface{}{
			"consensus_reached": anchor != nil && anchor.ConsensusReached,
			"anchor":            anchor,
		})
	}
}

// peerIdentity is the node ID carried as common name by a verified client
// certificate, or empty for requests without one.
func peerIdentity(req *http.Request) types.NodeID {
	if req.TLS == nil || len(req.TLS.VerifiedChains) == 0 || len(req.TLS.VerifiedChains[0]) == 0 {
		return ""
	}
	return types.NodeID(req.TLS.VerifiedChains[0][0].Subject.CommonName)
}

func respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respond(w, status, map[string]string{"error": err.Error()})
}

// Serve runs the HTTP API, the gRPC event exchange and the periodic sync
// loop until ctx is cancelled. An empty address disables that listener.
func (n *Node) Serve(ctx context.Context) error {
	var httpListener, grpcListener net.Listener
	var err error

	if addr := n.cfg.Server.HTTPAddress; addr != "" {
		if httpListener, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
	}
	if addr := n.cfg.Server.GRPCAddress; addr != "" {
		if grpcListener, err = net.Listen("tcp", addr); err != nil {
			if httpListener != nil {
				httpListener.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
	}

	if n.serverTLS != nil && httpListener != nil {
		httpListener = tls.NewListener(httpListener, n.serverTLS)
	}

	g, ctx := errgroup.WithContext(ctx)

	if httpListener != nil {
		server := &http.Server{
			Handler:           n.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		n.logger.Info("HTTP API listening",
			zap.String("address", httpListener.Addr().String()),
			zap.Bool("tls", n.serverTLS != nil))

		g.Go(func() error {
			if err := server.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if grpcListener != nil {
		var serverOpts []grpc.ServerOption
		if n.serverTLS != nil {
			serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(n.serverTLS)))
		}
		server := grpc.NewServer(serverOpts...)
		federation.RegisterEventExchange(server, federation.NewEventExchange(n.nodeID, n.events, n.logger.Named("grpc")))
		n.logger.Info("gRPC event exchange listening", zap.String("address", grpcListener.Addr().String()))

		g.Go(func() error {
			if err := server.Serve(grpcListener); err != nil {
				return fmt.Errorf("grpc server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			server.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		n.syncLoop(ctx)
		return nil
	})

	return g.Wait()
}
