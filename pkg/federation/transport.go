package federation

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"fedtrust/pkg/types"
)

// Transport failures are distinct from an empty log, which is a nil error
// with no events.
var (
	ErrUnreachable         = errors.New("peer unreachable")
	ErrTimeout             = errors.New("peer fetch timed out")
	ErrUnsupportedEndpoint = errors.New("unsupported peer endpoint")
	ErrBatchTooLarge       = errors.New("peer batch exceeds size limit")
)

// Transport fetches a peer's complete event log.
type Transport interface {
	FetchRemoteLog(ctx context.Context, endpoint string) ([]types.Event, error)
}

// EventSource exposes the local log to serving transports.
type EventSource interface {
	Events() []types.Event
}

// Router dispatches fetches to a transport by endpoint scheme.
type Router struct {
	mu         sync.RWMutex
	transports map[string]Transport
	logger     *zap.Logger
}

// NewRouter creates a router with the file, http(s) and grpc transports
// registered. A non-nil tlsConfig is used for https and grpc.
func NewRouter(tlsConfig *tls.Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		transports: make(map[string]Transport),
		logger:     logger,
	}

	httpTransport := NewHTTPTransport(HTTPClient(tlsConfig))
	var grpcOptions []grpc.DialOption
	if tlsConfig != nil {
		grpcOptions = append(grpcOptions, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}

	r.Handle("file", NewFileTransport())
	r.Handle("http", httpTransport)
	r.Handle("https", httpTransport)
	r.Handle("grpc", NewGRPCTransport(logger, grpcOptions...))
	return r
}

// HTTPClient returns http.DefaultClient, or a client presenting tlsConfig.
func HTTPClient(tlsConfig *tls.Config) *http.Client {
	if tlsConfig == nil {
		return http.DefaultClient
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return &http.Client{Transport: transport}
}

// Handle registers or replaces the transport for a scheme.
func (r *Router) Handle(scheme string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[strings.ToLower(scheme)] = t
}

func (r *Router) FetchRemoteLog(ctx context.Context, endpoint string) ([]types.Event, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEndpoint, endpoint)
	}

	r.mu.RLock()
	t, ok := r.transports[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedEndpoint, u.Scheme)
	}

	r.logger.Debug("Fetching remote log", zap.String("endpoint", endpoint))
	return t.FetchRemoteLog(ctx, endpoint)
}

// Close releases transports holding connections.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	seen := make(map[Transport]bool)
	for _, t := range r.transports {
		if seen[t] {
			continue
		}
		seen[t] = true
		if c, ok := t.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// classifyFetchError maps a transport error onto the timeout/unreachable
// taxonomy.
func classifyFetchError(ctx context.Context, err error) error {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
