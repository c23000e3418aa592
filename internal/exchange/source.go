// Package exchange moves the result chunks of batch tasks between nodes.
// A consumer pulls one task sink chunk by chunk, either from a task on the
// same node or over gRPC from a remote one.
package exchange

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/metrics"
	"github.com/devrev/pairdb/streamstate/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultConnectTimeout bounds channel establishment to a remote task.
const DefaultConnectTimeout = 5 * time.Second

// ExchangeSource yields the output of one task. TakeData returns nil once
// the task has no more data.
type ExchangeSource interface {
	TakeData(ctx context.Context) (*types.DataChunk, error)
	Close() error
}

// LocalExchangeSource reads a sink of a task running on this node.
type LocalExchangeSource struct {
	sink    *TaskSink
	metrics *metrics.Metrics
}

// NewLocalExchangeSource takes the sink id from manager.
func NewLocalExchangeSource(manager *TaskManager, id TaskSinkID, m *metrics.Metrics) (*LocalExchangeSource, error) {
	sink, err := manager.TakeSink(id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	return &LocalExchangeSource{sink: sink, metrics: m}, nil
}

// TakeData returns the next chunk of the sink.
func (s *LocalExchangeSource) TakeData(ctx context.Context) (*types.DataChunk, error) {
	chunk, err := s.sink.DirectTakeData(ctx)
	if chunk != nil {
		s.metrics.RecordExchangeChunk("local")
	}
	return chunk, err
}

// Close is a no-op; the sink is released by its producer.
func (s *LocalExchangeSource) Close() error {
	return nil
}

// SourceFactory opens the sources of upstream sinks. Sinks served at
// localAddr are read from manager in process; any other address is dialed
// with the configured connect timeout.
type SourceFactory struct {
	manager   *TaskManager
	localAddr string
	timeout   time.Duration
	metrics   *metrics.Metrics
	opts      []Option
}

// NewSourceFactory creates a factory. manager may be nil on a node that
// hosts no tasks, in which case every source is remote.
func NewSourceFactory(manager *TaskManager, localAddr string, timeout time.Duration, m *metrics.Metrics, opts ...Option) *SourceFactory {
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	return &SourceFactory{
		manager:   manager,
		localAddr: localAddr,
		timeout:   timeout,
		metrics:   m,
		opts:      append([]Option{WithMetrics(m)}, opts...),
	}
}

// Create opens the source of sink id hosted at addr.
func (f *SourceFactory) Create(ctx context.Context, addr string, id TaskSinkID) (ExchangeSource, error) {
	if f.manager != nil && addr == f.localAddr {
		src, err := NewLocalExchangeSource(f.manager, id, f.metrics)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	src, err := CreateGrpcExchangeSource(ctx, addr, id, f.timeout, f.opts...)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// Option configures a GrpcExchangeSource.
type Option func(*grpcOptions)

type grpcOptions struct {
	dialOptions []grpc.DialOption
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// WithDialOptions appends options used when dialing the remote node.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *grpcOptions) {
		o.dialOptions = append(o.dialOptions, opts...)
	}
}

// WithLogger sets the source logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *grpcOptions) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics the source records received chunks on.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *grpcOptions) {
		o.metrics = m
	}
}

// GrpcExchangeSource streams a sink of a task on a remote node.
type GrpcExchangeSource struct {
	addr    string
	sinkID  TaskSinkID
	conn    *grpc.ClientConn
	stream  grpc.ClientStream
	cancel  context.CancelFunc
	logger  *zap.Logger
	metrics *metrics.Metrics
	done    bool
}

// CreateGrpcExchangeSource connects to addr and opens the data stream of
// sinkID. The stream lives until ctx is done or Close is called. Failing to
// connect within timeout, or to open the stream, is a ConnectionError and is
// not retried.
func CreateGrpcExchangeSource(ctx context.Context, addr string, sinkID TaskSinkID, timeout time.Duration, opts ...Option) (*GrpcExchangeSource, error) {
	o := &grpcOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewNopMetrics()
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, o.dialOptions...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		o.metrics.ExchangeConnectErrors.Inc()
		return nil, errors.Connection(addr, err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, timeout)
	defer dialCancel()
	if err := waitReady(dialCtx, conn); err != nil {
		conn.Close()
		o.metrics.ExchangeConnectErrors.Inc()
		return nil, errors.Connection(addr, fmt.Errorf("failed to connect: %w", err))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := openStream(streamCtx, conn, sinkID)
	if err != nil {
		cancel()
		conn.Close()
		o.metrics.ExchangeConnectErrors.Inc()
		return nil, errors.Connection(addr, fmt.Errorf("failed to create stream for sink %s: %w", sinkID, err))
	}

	o.logger.Debug("Exchange stream opened",
		zap.String("addr", addr),
		zap.Stringer("sink", sinkID))

	return &GrpcExchangeSource{
		addr:    addr,
		sinkID:  sinkID,
		conn:    conn,
		stream:  stream,
		cancel:  cancel,
		logger:  o.logger,
		metrics: o.metrics,
	}, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("channel is %s", state)
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

func openStream(ctx context.Context, conn *grpc.ClientConn, sinkID TaskSinkID) (grpc.ClientStream, error) {
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], getDataMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(wrapperspb.Bytes(encodeSinkID(sinkID))); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

// TakeData receives the next chunk. Abandoning a call through ctx tears the
// stream down.
func (s *GrpcExchangeSource) TakeData(ctx context.Context) (*types.DataChunk, error) {
	if s.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	msg := new(wrapperspb.BytesValue)
	if err := s.stream.RecvMsg(msg); err != nil {
		if stderrors.Is(err, io.EOF) {
			s.done = true
			return nil, nil
		}
		return nil, fmt.Errorf("failed to take data from stream (%s): %w", s.addr, err)
	}

	chunk, err := DecodeChunk(msg.GetValue())
	if err != nil {
		return nil, err
	}
	s.metrics.RecordExchangeChunk("grpc")
	return chunk, nil
}

// Close ends the stream and releases the connection.
func (s *GrpcExchangeSource) Close() error {
	s.cancel()
	return s.conn.Close()
}
