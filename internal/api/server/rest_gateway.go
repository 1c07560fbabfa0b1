package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type route struct {
	method  string
	pattern string
	rpc     string
	body    bool
}

var routes = []route{
	{http.MethodGet, "/v1/jobs", "ListJobs", false},
	{http.MethodPost, "/v1/jobs", "CreateJob", true},
	{http.MethodGet, "/v1/jobs/{id}", "GetJob", false},
	{http.MethodPut, "/v1/jobs/{id}", "UpdateJob", true},
	{http.MethodDelete, "/v1/jobs/{id}", "DeleteJob", false},
	{http.MethodPost, "/v1/jobs/{id}/run", "ExecuteNow", false},
	{http.MethodPost, "/v1/jobs/{id}/cancel", "RequestCancel", false},
	{http.MethodGet, "/v1/jobs/{id}/progress", "GetProgress", false},
	{http.MethodPost, "/v1/jobs/{id}/progress", "UpdateProgress", false},
	{http.MethodGet, "/v1/jobs/{id}/errors", "GetErrors", false},
	{http.MethodGet, "/v1/job-types", "ListJobTypes", false},
	{http.MethodGet, "/v1/errors", "FindRunErrors", false},

	{http.MethodGet, "/v1/types/running", "GetRunningTypes", false},
	{http.MethodGet, "/v1/types/completed", "GetCompletedTypes", false},
	{http.MethodGet, "/v1/types/{type}/running", "IsRunning", false},
	{http.MethodPost, "/v1/types/{type}/cancel", "RequestCancelType", false},
	{http.MethodGet, "/v1/types/{type}/progress/running", "GetRunningProgress", false},
	{http.MethodGet, "/v1/types/{type}/progress/completed", "GetCompletedProgress", false},
	{http.MethodPost, "/v1/cancellation/apply", "ApplyCancellation", false},

	{http.MethodGet, "/v1/queues", "ListQueues", false},
	{http.MethodPost, "/v1/queues", "CreateQueue", true},
	{http.MethodGet, "/v1/queues/{name}", "GetQueue", false},
	{http.MethodPut, "/v1/queues/{name}", "UpdateQueue", true},
	{http.MethodDelete, "/v1/queues/{name}", "DeleteQueue", false},
}

// NewGateway exposes srv as JSON over HTTP. Path parameters and query
// parameters are merged into the request Struct, path parameters last.
func NewGateway(srv JobSchedulerServer) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	marshaler := &runtime.JSONPb{}
	byName := make(map[string]unaryMethod, len(methods))
	for _, m := range methods {
		byName[m.name] = m.call
	}
	for _, rt := range routes {
		call, ok := byName[rt.rpc]
		if !ok {
			return nil, errors.Newf("route %s %s: unknown method %s", rt.method, rt.pattern, rt.rpc)
		}
		body := rt.body
		err := mux.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			req, err := requestStruct(r, marshaler, body, params)
			if err != nil {
				runtime.HTTPError(r.Context(), mux, marshaler, w, r, err)
				return
			}
			resp, err := call(srv, r.Context(), req)
			if err != nil {
				runtime.HTTPError(r.Context(), mux, marshaler, w, r, err)
				return
			}
			b, err := marshaler.Marshal(resp)
			if err != nil {
				runtime.HTTPError(r.Context(), mux, marshaler, w, r, status.Error(codes.Internal, err.Error()))
				return
			}
			w.Header().Set("Content-Type", marshaler.ContentType(resp))
			_, _ = w.Write(b)
		})
		if err != nil {
			return nil, errors.Wrapf(err, "route %s %s", rt.method, rt.pattern)
		}
	}
	return mux, nil
}

func requestStruct(r *http.Request, m runtime.Marshaler, body bool, params map[string]string) (*structpb.Struct, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if body {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
		}
		if len(b) > 0 {
			if err := m.Unmarshal(b, req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "body: %v", err)
			}
			if req.Fields == nil {
				req.Fields = map[string]*structpb.Value{}
			}
		}
	}
	for k, vs := range r.URL.Query() {
		if len(vs) == 0 {
			continue
		}
		switch vs[0] {
		case "true", "false":
			req.Fields[k] = structpb.NewBoolValue(vs[0] == "true")
		default:
			req.Fields[k] = structpb.NewStringValue(vs[0])
		}
	}
	for k, v := range params {
		req.Fields[k] = structpb.NewStringValue(v)
	}
	return req, nil
}

// HTTPHandler mounts the gateway under /v1/ next to the health endpoints.
func HTTPHandler(gw http.Handler, service string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/", gw)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "service": service})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve runs the gRPC server on grpcAddr and the REST gateway on httpAddr
// until ctx ends or one of them fails.
func Serve(ctx context.Context, srv *Server, grpcAddr, httpAddr string, log zerolog.Logger) error {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(log)))
	RegisterJobSchedulerServer(gs, srv)

	gw, err := NewGateway(srv)
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return errors.Wrapf(err, "grpc listen %s", grpcAddr)
	}
	hs := &http.Server{
		Addr:              httpAddr,
		Handler:           HTTPHandler(gw, "api"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", grpcAddr).Msg("gRPC listening")
		return gs.Serve(lis)
	})
	g.Go(func() error {
		log.Info().Str("addr", httpAddr).Msg("REST listening")
		if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		gs.GracefulStop()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(sctx)
	})
	return g.Wait()
}
