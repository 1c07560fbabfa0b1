package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rishansujesh/jobsched/internal/jobs"
	"github.com/rishansujesh/jobsched/internal/queue"
	"github.com/rishansujesh/jobsched/internal/service"
)

// Server implements JobSchedulerServer on top of the scheduling service.
type Server struct {
	svc *service.Service
	log zerolog.Logger
}

var _ JobSchedulerServer = (*Server)(nil)

func New(svc *service.Service, log zerolog.Logger) *Server {
	return &Server{svc: svc, log: log.With().Str("component", "api").Logger()}
}

// jobWire is the transport shape of a configuration: parameters travel as
// plain JSON and are decoded by the configuration's type.
type jobWire struct {
	jobs.Configuration
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

/******** Jobs ********/

func (s *Server) CreateJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cfg, err := s.decodeJob(req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	c, err := s.svc.CreateJob(ctx, cfg)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return encodeJob(c)
}

func (s *Server) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(req, "id")
	if err != nil {
		return nil, err
	}
	c, err := s.svc.GetJob(ctx, id)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return encodeJob(c)
}

func (s *Server) ListJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := jobs.Filter{
		QueueName: field(req, "queueName"),
		Type:      jobs.JobType(field(req, "type")),
	}
	if v, ok := req.GetFields()["enabled"]; ok {
		b := v.GetBoolValue()
		f.Enabled = &b
	}
	list, err := s.svc.ListJobs(ctx, f)
	if err != nil {
		return nil, s.toStatus(err)
	}
	out := make([]jobWire, 0, len(list))
	for _, c := range list {
		w, err := wire(c)
		if err != nil {
			return nil, s.toStatus(err)
		}
		out = append(out, w)
	}
	return toStruct(map[string]any{"jobs": out})
}

func (s *Server) UpdateJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := required(req, "id"); err != nil {
		return nil, err
	}
	cfg, err := s.decodeJob(req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	c, err := s.svc.UpdateJob(ctx, cfg)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return encodeJob(c)
}

func (s *Server) DeleteJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(req, "id")
	if err != nil {
		return nil, err
	}
	if err := s.svc.DeleteJob(ctx, id); err != nil {
		return nil, s.toStatus(err)
	}
	return &structpb.Struct{}, nil
}

type typeWire struct {
	Type             jobs.JobType      `json:"type"`
	Configurable     bool              `json:"configurable"`
	ParameterSchema  map[string]string `json:"parameterSchema,omitempty"`
	RelatedEndpoints map[string]string `json:"relatedEndpoints,omitempty"`
}

func (s *Server) ListJobTypes(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	ds := s.svc.JobTypes()
	out := make([]typeWire, 0, len(ds))
	for _, d := range ds {
		out = append(out, typeWire{
			Type: d.Type, Configurable: d.Configurable,
			ParameterSchema: d.ParameterSchema, RelatedEndpoints: d.RelatedEndpoints,
		})
	}
	return toStruct(map[string]any{"types": out})
}

/******** Scheduling ********/

func (s *Server) ExecuteNow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(req, "id")
	if err != nil {
		return nil, err
	}
	if err := s.svc.ExecuteNow(ctx, id); err != nil {
		return nil, s.toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) RequestCancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(req, "id")
	if err != nil {
		return nil, err
	}
	ok, err := s.svc.RequestCancel(ctx, id)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(map[string]any{"cancelled": ok})
}

func (s *Server) RequestCancelType(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	t, err := required(req, "type")
	if err != nil {
		return nil, err
	}
	ok, err := s.svc.RequestCancelType(ctx, jobs.JobType(t))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(map[string]any{"cancelled": ok})
}

func (s *Server) IsRunning(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	t, err := required(req, "type")
	if err != nil {
		return nil, err
	}
	ok, err := s.svc.IsRunning(ctx, jobs.JobType(t))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(map[string]any{"running": ok})
}

func (s *Server) GetRunningTypes(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ts, err := s.svc.GetRunningTypes(ctx)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(map[string]any{"types": nonNil(ts)})
}

func (s *Server) GetCompletedTypes(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ts, err := s.svc.GetCompletedTypes(ctx)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(map[string]any{"types": nonNil(ts)})
}

func (s *Server) GetProgress(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(req, "id")
	if err != nil {
		return nil, err
	}
	p, err := s.svc.GetProgress(ctx, id)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(map[string]any{"progress": p})
}

func (s *Server) GetRunningProgress(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	t, err := required(req, "type")
	if err != nil {
		return nil, err
	}
	p, err := s.svc.GetRunningProgress(ctx, jobs.JobType(t))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(map[string]any{"progress": p})
}

func (s *Server) GetCompletedProgress(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	t, err := required(req, "type")
	if err != nil {
		return nil, err
	}
	p, err := s.svc.GetCompletedProgress(ctx, jobs.JobType(t))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(map[string]any{"progress": p})
}

func (s *Server) GetErrors(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(req, "id")
	if err != nil {
		return nil, err
	}
	es, err := s.svc.GetErrors(ctx, id)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(map[string]any{"errors": nonNil(es)})
}

// FindRunErrors filters by id, user, from, to (RFC 3339), codes and types.
// codes and types are lists or comma separated strings.
func (s *Server) FindRunErrors(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := jobs.ErrorsFilter{
		ID:         field(req, "id"),
		ExecutedBy: field(req, "user"),
		Codes:      stringList(req, "codes"),
	}
	for _, t := range stringList(req, "types") {
		f.Types = append(f.Types, jobs.JobType(t))
	}
	var err error
	if f.From, err = instant(req, "from"); err != nil {
		return nil, err
	}
	if f.To, err = instant(req, "to"); err != nil {
		return nil, err
	}
	rs, err := s.svc.FindRunErrors(ctx, f)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(map[string]any{"runs": nonNil(rs)})
}

func (s *Server) UpdateProgress(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(req, "id")
	if err != nil {
		return nil, err
	}
	if err := s.svc.UpdateProgress(ctx, id); err != nil {
		return nil, s.toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) ApplyCancellation(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.svc.ApplyCancellation(ctx)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(map[string]any{"applied": n})
}

/******** Queues ********/

func (s *Server) ListQueues(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	names, err := s.svc.Queues.ListQueueNames(ctx)
	if err != nil {
		return nil, s.toStatus(err)
	}
	out := make([]*queue.Queue, 0, len(names))
	for _, n := range names {
		q, err := s.svc.Queues.GetQueueInfo(ctx, n)
		if jobs.IsNotFound(err) {
			continue // deleted meanwhile
		}
		if err != nil {
			return nil, s.toStatus(err)
		}
		out = append(out, q)
	}
	return toStruct(map[string]any{"queues": out})
}

func (s *Server) GetQueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := required(req, "name")
	if err != nil {
		return nil, err
	}
	members, err := s.svc.Queues.GetQueue(ctx, name)
	if err != nil {
		return nil, s.toStatus(err)
	}
	q, err := s.svc.Queues.GetQueueInfo(ctx, name)
	if err != nil {
		return nil, s.toStatus(err)
	}
	out := make([]jobWire, 0, len(members))
	for _, c := range members {
		w, err := wire(c)
		if err != nil {
			return nil, s.toStatus(err)
		}
		out = append(out, w)
	}
	return toStruct(map[string]any{"queue": q, "jobs": out})
}

func (s *Server) CreateQueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := required(req, "name")
	if err != nil {
		return nil, err
	}
	q, err := s.svc.Queues.CreateQueue(ctx, name, field(req, "cronExpression"), sequence(req))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(q)
}

func (s *Server) UpdateQueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := required(req, "name")
	if err != nil {
		return nil, err
	}
	newName := field(req, "newName")
	if newName == "" {
		newName = name
	}
	q, err := s.svc.Queues.UpdateQueue(ctx, name, newName, field(req, "cronExpression"), sequence(req))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(q)
}

func (s *Server) DeleteQueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := required(req, "name")
	if err != nil {
		return nil, err
	}
	if err := s.svc.Queues.DeleteQueue(ctx, name); err != nil {
		return nil, s.toStatus(err)
	}
	return &structpb.Struct{}, nil
}

/******** helpers ********/

// toStatus maps the error classes onto gRPC codes. Unclassified errors are
// logged and reported as Internal.
func (s *Server) toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, queue.ErrQueueExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case jobs.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case jobs.IsConflict(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	case jobs.IsValidation(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	s.log.Error().Err(err).Msg("request failed")
	return status.Error(codes.Internal, err.Error())
}

func (s *Server) decodeJob(req *structpb.Struct) (*jobs.Configuration, error) {
	raw, err := protojson.Marshal(req)
	if err != nil {
		return nil, jobs.AsValidation(err)
	}
	var w jobWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, jobs.AsValidation(errors.Wrap(err, "decode job"))
	}
	cfg := w.Configuration
	if cfg.Type == "" {
		return nil, jobs.Validationf("type is required")
	}
	p, err := jobs.DecodeParameters(s.svc.Registry, cfg.Type, w.Parameters)
	if err != nil {
		return nil, err
	}
	cfg.Parameters = p
	return &cfg, nil
}

func wire(c *jobs.Configuration) (jobWire, error) {
	raw, err := jobs.EncodeParameters(c.Parameters)
	if err != nil {
		return jobWire{}, err
	}
	return jobWire{Configuration: *c, Parameters: raw}, nil
}

func encodeJob(c *jobs.Configuration) (*structpb.Struct, error) {
	w, err := wire(c)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(w)
}

// toStruct renders v, which must encode as a JSON object, as a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func field(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func required(req *structpb.Struct, key string) (string, error) {
	v := field(req, key)
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s required", key)
	}
	return v, nil
}

func sequence(req *structpb.Struct) []string {
	vs := req.GetFields()["sequence"].GetListValue().GetValues()
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.GetStringValue())
	}
	return out
}

func stringList(req *structpb.Struct, key string) []string {
	v := req.GetFields()[key]
	if l := v.GetListValue(); l != nil {
		out := make([]string, 0, len(l.GetValues()))
		for _, e := range l.GetValues() {
			if s := e.GetStringValue(); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return strings.FieldsFunc(v.GetStringValue(), func(r rune) bool { return r == ',' || r == ' ' })
}

func instant(req *structpb.Struct, key string) (*time.Time, error) {
	v := field(req, key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
	}
	return &t, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
