package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"fedtrust/pkg/types"
)

const EventsPath = "/v1/events"

// HTTPTransport pulls the log from a peer's GET /v1/events endpoint.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport uses http.DefaultClient when client is nil. Timeouts
// come from the caller's context.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) FetchRemoteLog(ctx context.Context, endpoint string) ([]types.Event, error) {
	target := strings.TrimRight(endpoint, "/")
	if !strings.HasSuffix(target, EventsPath) {
		target += EventsPath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEndpoint, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyFetchError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%w: %s returned %s", ErrTimeout, target, resp.Status)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s returned %s", ErrUnreachable, target, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected response from %s: %s", target, resp.Status)
	}

	var batch EventBatch
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxBatchSize())).Decode(&batch); err != nil {
		return nil, classifyBodyError(ctx, err)
	}
	return batch.Events, nil
}

func classifyBodyError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return classifyFetchError(ctx, err)
	}
	return fmt.Errorf("failed to decode event batch: %w", err)
}

// RegisterEventRoutes mounts the log export endpoints on r.
func RegisterEventRoutes(r *mux.Router, nodeID types.NodeID, log *EventLog) {
	r.HandleFunc(EventsPath, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, NewEventBatch(nodeID, log))
	}).Methods(http.MethodGet)

	r.HandleFunc(EventsPath+"/{hash}", func(w http.ResponseWriter, req *http.Request) {
		hash := types.Hash(mux.Vars(req)["hash"])
		event, ok := log.Get(hash)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
			return
		}
		writeJSON(w, http.StatusOK, event)
	}).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
