package federation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"fedtrust/pkg/types"
)

const (
	EventExchangeService = "fedtrust.v1.EventExchange"
	exportLogMethod      = "/" + EventExchangeService + "/ExportLog"
)

// EventExchangeServer serves the local log as a zstd-compressed batch.
type EventExchangeServer interface {
	ExportLog(ctx context.Context, in *emptypb.Empty) (*wrapperspb.BytesValue, error)
}

var eventExchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: EventExchangeService,
	HandlerType: (*EventExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ExportLog",
			Handler:    exportLogHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fedtrust/v1/event_exchange.proto",
}

func exportLogHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventExchangeServer).ExportLog(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: exportLogMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EventExchangeServer).ExportLog(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterEventExchange registers the export service on s.
func RegisterEventExchange(s grpc.ServiceRegistrar, srv EventExchangeServer) {
	s.RegisterService(&eventExchangeServiceDesc, srv)
}

// EventExchange implements EventExchangeServer over an EventSource.
type EventExchange struct {
	nodeID types.NodeID
	source EventSource
	logger *zap.Logger
}

func NewEventExchange(nodeID types.NodeID, source EventSource, logger *zap.Logger) *EventExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventExchange{nodeID: nodeID, source: source, logger: logger}
}

func (e *EventExchange) ExportLog(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	data, err := EncodeBatch(NewEventBatch(e.nodeID, e.source))
	if err != nil {
		e.logger.Error("Failed to export log", zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to export log")
	}
	return wrapperspb.Bytes(data), nil
}

// GRPCTransport fetches logs over the EventExchange service, caching one
// client connection per target.
type GRPCTransport struct {
	mu          sync.Mutex
	conns       map[string]*grpc.ClientConn
	dialOptions []grpc.DialOption
	logger      *zap.Logger
}

// NewGRPCTransport creates a transport using insecure credentials unless
// dial options override them.
func NewGRPCTransport(logger *zap.Logger, opts ...grpc.DialOption) *GRPCTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialOptions := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	return &GRPCTransport{
		conns:       make(map[string]*grpc.ClientConn),
		dialOptions: dialOptions,
		logger:      logger,
	}
}

func (t *GRPCTransport) FetchRemoteLog(ctx context.Context, endpoint string) ([]types.Event, error) {
	target, err := grpcTarget(endpoint)
	if err != nil {
		return nil, err
	}

	conn, err := t.connection(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, exportLogMethod, &emptypb.Empty{}, out, grpc.MaxCallRecvMsgSize(recvLimit())); err != nil {
		return nil, t.classify(ctx, target, err)
	}

	batch, err := DecodeBatch(out.GetValue())
	if err != nil {
		return nil, err
	}
	return batch.Events, nil
}

func (t *GRPCTransport) connection(target string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient("passthrough:///"+target, t.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	t.conns[target] = conn
	return conn, nil
}

func (t *GRPCTransport) classify(ctx context.Context, target string, err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case codes.Unavailable:
		// Drop the cached connection so the next cycle redials.
		t.mu.Lock()
		if conn, ok := t.conns[target]; ok {
			_ = conn.Close()
			delete(t.conns, target)
		}
		t.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	case codes.Canceled:
		return classifyFetchError(ctx, err)
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %v", ErrBatchTooLarge, err)
	}
	return fmt.Errorf("export log from %s: %w", target, err)
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for target, conn := range t.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(t.conns, target)
	}
	return errors.Join(errs...)
}

// recvLimit is the batch size limit as a gRPC message size.
func recvLimit() int {
	if n := MaxBatchSize(); n < math.MaxInt32 {
		return int(n)
	}
	return math.MaxInt32
}

func grpcTarget(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "grpc" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEndpoint, endpoint)
	}
	return u.Host, nil
}
