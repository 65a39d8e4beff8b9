package federation

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"fedtrust/pkg/types"
)

func seededLog(t *testing.T, n int) *EventLog {
	t.Helper()
	log, err := NewEventLog(openMemStore(t), nil)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		e := newTestEvent(i, "ref")
		_, err := log.Append(&e)
		require.NoError(t, err)
	}
	return log
}

func TestBatchRoundTrip(t *testing.T) {
	log := seededLog(t, 3)
	data, err := EncodeBatch(NewEventBatch("node-a", log))
	require.NoError(t, err)

	batch, err := DecodeBatch(data)
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("node-a"), batch.NodeID)
	assert.Len(t, batch.Events, 3)

	_, err = DecodeBatch([]byte("not zstd"))
	assert.Error(t, err)
}

func TestBatchSizeLimit(t *testing.T) {
	data, err := EncodeBatch(NewEventBatch("node-a", seededLog(t, 40)))
	require.NoError(t, err)

	SetMaxBatchSize(1 << 10)
	defer SetMaxBatchSize(0)
	assert.Equal(t, int64(1<<10), MaxBatchSize())

	_, err = DecodeBatch(data)
	assert.Error(t, err)

	SetMaxBatchSize(0)
	assert.Equal(t, int64(DefaultMaxBatchSize), MaxBatchSize())
	_, err = DecodeBatch(data)
	assert.NoError(t, err)
}

func TestFileTransport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exports", "events.zst")
	require.NoError(t, ExportFile(path, NewEventBatch("node-a", seededLog(t, 2))))

	transport := NewFileTransport()
	events, err := transport.FetchRemoteLog(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	_, err = transport.FetchRemoteLog(context.Background(), "file://"+filepath.Join(dir, "missing.zst"))
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = transport.FetchRemoteLog(context.Background(), "ftp://host/file")
	assert.ErrorIs(t, err, ErrUnsupportedEndpoint)
}

func TestFileTransportEmptyLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.zst")
	require.NoError(t, ExportFile(path, NewEventBatch("node-a", seededLog(t, 0))))

	events, err := NewFileTransport().FetchRemoteLog(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHTTPTransport(t *testing.T) {
	log := seededLog(t, 4)
	r := mux.NewRouter()
	RegisterEventRoutes(r, "node-a", log)
	srv := httptest.NewServer(r)
	defer srv.Close()

	transport := NewHTTPTransport(srv.Client())
	events, err := transport.FetchRemoteLog(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, events, 4)

	resp, err := srv.Client().Get(srv.URL + EventsPath + "/" + string(events[0].Hash))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + EventsPath + "/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPTransportFailures(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	transport := NewHTTPTransport(nil)

	_, err := transport.FetchRemoteLog(context.Background(), down.URL)
	assert.ErrorIs(t, err, ErrUnreachable)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = transport.FetchRemoteLog(ctx, slow.URL)
	assert.ErrorIs(t, err, ErrTimeout)

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	_, err = transport.FetchRemoteLog(context.Background(), closed.URL)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func startBufconnServer(t *testing.T, source EventSource) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterEventExchange(srv, NewEventExchange("node-a", source, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func TestGRPCTransport(t *testing.T) {
	lis := startBufconnServer(t, seededLog(t, 3))

	transport := NewGRPCTransport(nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	defer transport.Close()

	events, err := transport.FetchRemoteLog(context.Background(), "grpc://bufnet")
	require.NoError(t, err)
	assert.Len(t, events, 3)

	// Cached connection is reused.
	_, err = transport.FetchRemoteLog(context.Background(), "grpc://bufnet")
	require.NoError(t, err)
	assert.Len(t, transport.conns, 1)
}

func TestGRPCTransportHonorsBatchLimit(t *testing.T) {
	lis := startBufconnServer(t, seededLog(t, 50))

	transport := NewGRPCTransport(nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	defer transport.Close()

	SetMaxBatchSize(64)
	t.Cleanup(func() { SetMaxBatchSize(0) })

	_, err := transport.FetchRemoteLog(context.Background(), "grpc://bufnet")
	assert.ErrorIs(t, err, ErrBatchTooLarge)

	SetMaxBatchSize(0)
	events, err := transport.FetchRemoteLog(context.Background(), "grpc://bufnet")
	require.NoError(t, err)
	assert.Len(t, events, 50)
}

func TestGRPCTransportUnavailable(t *testing.T) {
	transport := NewGRPCTransport(nil, grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: assert.AnError}
	}))
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := transport.FetchRemoteLog(ctx, "grpc://offline:9090")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout), err.Error())

	_, err = transport.FetchRemoteLog(ctx, "grpc://")
	assert.ErrorIs(t, err, ErrUnsupportedEndpoint)
}

func TestRouter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.zst")
	require.NoError(t, ExportFile(path, NewEventBatch("node-a", seededLog(t, 1))))

	r := NewRouter(nil, nil)
	defer r.Close()

	events, err := r.FetchRemoteLog(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = r.FetchRemoteLog(context.Background(), "gopher://peer")
	assert.ErrorIs(t, err, ErrUnsupportedEndpoint)

	_, err = r.FetchRemoteLog(context.Background(), "no-scheme")
	assert.ErrorIs(t, err, ErrUnsupportedEndpoint)
}
