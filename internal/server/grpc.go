package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joseph-ayodele/image-batch/internal/common"
)

// JobsServiceName is the fully qualified gRPC service name.
const JobsServiceName = "imagebatch.v1.Jobs"

const requestIDMetadataKey = "x-request-id"

// JobsServer is the server API for the Jobs service. Messages are protobuf
// well-known types so no generated code is needed.
type JobsServer interface {
	GetStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	GetArtifact(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	ListJobs(ctx context.Context, req *emptypb.Empty) (*structpb.ListValue, error)
}

// JobsServiceDesc is registered by hand in place of protoc output.
var JobsServiceDesc = grpc.ServiceDesc{
	ServiceName: JobsServiceName,
	HandlerType: (*JobsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: jobsGetStatusHandler},
		{MethodName: "GetArtifact", Handler: jobsGetArtifactHandler},
		{MethodName: "ListJobs", Handler: jobsListJobsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "imagebatch/v1/jobs.proto",
}

func RegisterJobsServer(s grpc.ServiceRegistrar, srv JobsServer) {
	s.RegisterService(&JobsServiceDesc, srv)
}

func jobsGetStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobsServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + JobsServiceName + "/GetStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobsServer).GetStatus(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func jobsGetArtifactHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobsServer).GetArtifact(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + JobsServiceName + "/GetArtifact"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobsServer).GetArtifact(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func jobsListJobsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobsServer).ListJobs(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + JobsServiceName + "/ListJobs"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobsServer).ListJobs(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// JobsClient calls the Jobs service.
type JobsClient struct {
	cc grpc.ClientConnInterface
}

func NewJobsClient(cc grpc.ClientConnInterface) *JobsClient {
	return &JobsClient{cc: cc}
}

func (c *JobsClient) GetStatus(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+JobsServiceName+"/GetStatus", wrapperspb.String(id), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *JobsClient) GetArtifact(ctx context.Context, id string, opts ...grpc.CallOption) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+JobsServiceName+"/GetArtifact", wrapperspb.String(id), out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

func (c *JobsClient) ListJobs(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, "/"+JobsServiceName+"/ListJobs", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCService adapts the job service to JobsServer.
type GRPCService struct {
	svc    JobService
	logger *slog.Logger
}

func NewGRPCService(svc JobService, logger *slog.Logger) *GRPCService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCService{svc: svc, logger: logger}
}

// statusError logs causes that map to codes.Internal, since the caller only
// sees a fixed message.
func (s *GRPCService) statusError(ctx context.Context, event string, err error) error {
	out := common.GRPCStatus(err)
	if status.Code(out) == codes.Internal {
		common.LoggerFromContext(ctx, s.logger).Error(event, "err", err)
	}
	return out
}

func (s *GRPCService) GetStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := req.GetValue()
	if id == "" {
		return nil, common.InvalidArgumentError("request id is required")
	}
	st, err := s.svc.GetStatus(ctx, id)
	if err != nil {
		return nil, s.statusError(ctx, "grpc.get_status.failed", err)
	}
	m, err := toMap(st)
	if err != nil {
		return nil, common.InternalError("encode status")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, common.InternalError("encode status")
	}
	return out, nil
}

func (s *GRPCService) GetArtifact(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	id := req.GetValue()
	if id == "" {
		return nil, common.InvalidArgumentError("request id is required")
	}
	data, err := s.svc.GetArtifact(ctx, id)
	if err != nil {
		return nil, s.statusError(ctx, "grpc.get_artifact.failed", err)
	}
	return wrapperspb.Bytes(data), nil
}

func (s *GRPCService) ListJobs(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	jobs, err := s.svc.ListJobs(ctx, "", defaultListLimit, 0)
	if err != nil {
		return nil, s.statusError(ctx, "grpc.list_jobs.failed", err)
	}
	values := make([]any, 0, len(jobs))
	for _, st := range jobs {
		m, err := toMap(st)
		if err != nil {
			return nil, common.InternalError("encode job")
		}
		values = append(values, m)
	}
	out, err := structpb.NewList(values)
	if err != nil {
		return nil, common.InternalError("encode jobs")
	}
	return out, nil
}

// toMap round-trips v through JSON so field names match the HTTP API.
func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// UnaryLoggingInterceptor attaches a request id and logs each call.
func UnaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadataKey); len(vals) > 0 {
				id = vals[0]
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		ctx = common.WithRequestID(ctx, id)

		resp, err := handler(ctx, req)
		code := status.Code(err)
		log := common.LoggerFromContext(ctx, logger)
		if code == codes.OK {
			log.Info("grpc.request", "method", info.FullMethod, "duration_ms", time.Since(start).Milliseconds())
		} else {
			log.Warn("grpc.request", "method", info.FullMethod, "code", code.String(), "err", err,
				"duration_ms", time.Since(start).Milliseconds())
		}
		return resp, err
	}
}

// NewGRPCServer builds a server with the Jobs and health services registered.
func NewGRPCServer(svc JobService, logger *slog.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryLoggingInterceptor(logger)))
	RegisterJobsServer(srv, NewGRPCService(svc, logger))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(JobsServiceName, healthpb.HealthCheckResponse_SERVING)
	return srv, hs
}
