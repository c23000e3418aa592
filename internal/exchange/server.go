package exchange

import (
	stderrors "errors"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/metrics"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName   = "streamstate.exchange.ExchangeService"
	getDataMethod = "/" + ServiceName + "/GetData"
)

// exchangeService is the server-side contract of the exchange RPC. Requests
// and responses are BytesValue envelopes around the sink id and chunk
// encodings of this package.
type exchangeService interface {
	GetData(req *wrapperspb.BytesValue, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*exchangeService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "GetData",
			Handler:       getDataHandler,
			ServerStreams: true,
		},
	},
	Metadata: "exchange.proto",
}

func getDataHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(exchangeService).GetData(req, stream)
}

// ExchangeServer streams the output of local task sinks to remote consumers.
type ExchangeServer struct {
	manager *TaskManager
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewExchangeServer creates a server over manager's sinks.
func NewExchangeServer(manager *TaskManager, logger *zap.Logger, m *metrics.Metrics) *ExchangeServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	return &ExchangeServer{manager: manager, logger: logger, metrics: m}
}

// Register adds the exchange service to registrar.
func (s *ExchangeServer) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&serviceDesc, s)
}

// GetData takes the requested sink and streams it until the producer
// finishes.
func (s *ExchangeServer) GetData(req *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	id, err := decodeSinkID(req.GetValue())
	if err != nil {
		return toStatus(err)
	}

	sink, err := s.manager.TakeSink(id)
	if err != nil {
		s.logger.Warn("Exchange request for unknown sink", zap.Stringer("sink", id))
		return toStatus(err)
	}

	ctx := stream.Context()
	sent := 0
	for {
		chunk, err := sink.DirectTakeData(ctx)
		if err != nil {
			s.logger.Error("Task sink failed",
				zap.Stringer("sink", id),
				zap.Int("chunks_sent", sent),
				zap.Error(err))
			return toStatus(err)
		}
		if chunk == nil {
			break
		}

		payload, err := EncodeChunk(chunk)
		if err != nil {
			return toStatus(err)
		}
		if err := stream.SendMsg(wrapperspb.Bytes(payload)); err != nil {
			return err
		}
		sent++
	}

	s.logger.Debug("Task sink drained", zap.Stringer("sink", id), zap.Int("chunks", sent))
	return nil
}

func toStatus(err error) error {
	var se *errors.StateError
	if stderrors.As(err, &se) {
		return se.ToGRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}
