// Package grpc provides the gRPC API of the partition advisor.
//
// The service is described by a hand-written grpc.ServiceDesc. Requests and
// responses are google.protobuf.Struct values whose fields mirror the HTTP
// API, so no generated code is needed.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	apihttp "github.com/arkilian/partadvisor/internal/api/http"
	aerrors "github.com/arkilian/partadvisor/internal/errors"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "partadvisor.v1.Advisor"
	// RecommendMethod is the full method name of Recommend.
	RecommendMethod = "/" + ServiceName + "/Recommend"
)

// AdvisorServer is the server API of partadvisor.v1.Advisor.
type AdvisorServer interface {
	Recommend(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes partadvisor.v1.Advisor for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdvisorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Recommend", Handler: recommendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "partadvisor/v1/advisor.proto",
}

func recommendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdvisorServer).Recommend(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RecommendMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdvisorServer).Recommend(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server implements AdvisorServer on top of the advisor core.
type Server struct {
	advisor      apihttp.Advisor
	defaultTable string
	logger       *slog.Logger
}

// NewServer creates a gRPC advisor server.
func NewServer(adv apihttp.Advisor, defaultTable string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{advisor: adv, defaultTable: defaultTable, logger: logger}
}

// Register creates a grpc.Server with the advisor service and the logging
// interceptor installed.
func Register(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryInterceptor(srv.logger)))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, srv)
	return gs
}

// Recommend runs the core on caller-supplied SQL or usage records.
func (s *Server) Recommend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req apihttp.RecommendRequest
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if req.Table == "" {
		req.Table = s.defaultTable
	}
	if req.Table == "" {
		return nil, status.Error(codes.InvalidArgument, "table is required")
	}

	records, err := apihttp.DecodeRecords(req.Records)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	parsed := int64(len(records))
	var failed int64
	if len(req.SQL) > 0 {
		extracted, stats, err := s.advisor.Extract(ctx, req.Table, req.SQL)
		if err != nil {
			return nil, toStatus(err)
		}
		records = append(records, extracted...)
		parsed += stats.Parsed
		failed = stats.Failed
	}

	report, err := s.advisor.Recommend(ctx, req.Table, records, apihttp.ResolverFor(req.Cardinality))
	if err != nil {
		return nil, toStatus(err)
	}
	report.Extraction.Parsed = parsed
	report.Extraction.Failed = failed

	return toStruct(report)
}

// toStruct converts a JSON-encodable value into a Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// toStatus maps an advisor error to a gRPC status.
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	switch aerrors.GetCategory(err) {
	case aerrors.ErrCategoryValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case aerrors.ErrCategoryLogs, aerrors.ErrCategoryDDL, aerrors.ErrCategoryCardinality:
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// UnaryInterceptor attaches a request ID, recovers panics and logs each call.
func UnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		requestID := extractRequestID(ctx)
		grpc.SetHeader(ctx, metadata.Pairs("x-request-id", requestID))
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc: handler panicked", "request_id", requestID, "method", info.FullMethod, "panic", p)
				err = status.Error(codes.Internal, "internal server error")
			}
			logger.Debug("grpc: request",
				"request_id", requestID,
				"method", info.FullMethod,
				"code", status.Code(err).String(),
				"duration", time.Since(start))
		}()

		return handler(ctx, req)
	}
}

// extractRequestID extracts or generates a request ID from gRPC metadata.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}

// Client calls partadvisor.v1.Advisor over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Recommend invokes the Recommend RPC.
func (c *Client) Recommend(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, RecommendMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
