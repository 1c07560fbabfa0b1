package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name. Every method takes and
// returns a google.protobuf.Struct.
const ServiceName = "jobsched.v1.JobScheduler"

type JobSchedulerServer interface {
	CreateJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobTypes(context.Context, *structpb.Struct) (*structpb.Struct, error)

	ExecuteNow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestCancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestCancelType(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IsRunning(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRunningTypes(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCompletedTypes(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetProgress(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRunningProgress(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCompletedProgress(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetErrors(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FindRunErrors(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateProgress(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApplyCancellation(context.Context, *structpb.Struct) (*structpb.Struct, error)

	ListQueues(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetQueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateQueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateQueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteQueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(JobSchedulerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var methods = []struct {
	name string
	call unaryMethod
}{
	{"CreateJob", JobSchedulerServer.CreateJob},
	{"GetJob", JobSchedulerServer.GetJob},
	{"ListJobs", JobSchedulerServer.ListJobs},
	{"UpdateJob", JobSchedulerServer.UpdateJob},
	{"DeleteJob", JobSchedulerServer.DeleteJob},
	{"ListJobTypes", JobSchedulerServer.ListJobTypes},
	{"ExecuteNow", JobSchedulerServer.ExecuteNow},
	{"RequestCancel", JobSchedulerServer.RequestCancel},
	{"RequestCancelType", JobSchedulerServer.RequestCancelType},
	{"IsRunning", JobSchedulerServer.IsRunning},
	{"GetRunningTypes", JobSchedulerServer.GetRunningTypes},
	{"GetCompletedTypes", JobSchedulerServer.GetCompletedTypes},
	{"GetProgress", JobSchedulerServer.GetProgress},
	{"GetRunningProgress", JobSchedulerServer.GetRunningProgress},
	{"GetCompletedProgress", JobSchedulerServer.GetCompletedProgress},
	{"GetErrors", JobSchedulerServer.GetErrors},
	{"FindRunErrors", JobSchedulerServer.FindRunErrors},
	{"UpdateProgress", JobSchedulerServer.UpdateProgress},
	{"ApplyCancellation", JobSchedulerServer.ApplyCancellation},
	{"ListQueues", JobSchedulerServer.ListQueues},
	{"GetQueue", JobSchedulerServer.GetQueue},
	{"CreateQueue", JobSchedulerServer.CreateQueue},
	{"UpdateQueue", JobSchedulerServer.UpdateQueue},
	{"DeleteQueue", JobSchedulerServer.DeleteQueue},
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobSchedulerServer)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
	Metadata:    "jobsched/v1/jobsched.proto",
}

func methodDescs() []grpc.MethodDesc {
	out := make([]grpc.MethodDesc, 0, len(methods))
	for _, m := range methods {
		name, call := m.name, m.call
		out = append(out, grpc.MethodDesc{
			MethodName: name,
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return call(srv.(JobSchedulerServer), ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
				handler := func(ctx context.Context, req any) (any, error) {
					return call(srv.(JobSchedulerServer), ctx, req.(*structpb.Struct))
				}
				return interceptor(ctx, in, info, handler)
			},
		})
	}
	return out
}

func RegisterJobSchedulerServer(s grpc.ServiceRegistrar, srv JobSchedulerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// LoggingInterceptor logs every call with its code and duration.
func LoggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("took", time.Since(start)).
			Msg("grpc call")
		return resp, err
	}
}

// Client calls the service by method name with map shaped payloads.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Dial opens a plaintext connection to addr.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
