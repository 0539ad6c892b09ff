// Package grpcapi exposes the study assistant over gRPC. The service is
// described by hand with well-known message types so no generated code is
// needed: requests and replies are google.protobuf.Struct, counts are
// Int64Value.
package grpcapi

import (
	"context"
	"errors"
	"strings"

	"github.com/studybuddy/gatekeeper/pkg/assistant"
	"github.com/studybuddy/gatekeeper/pkg/gate"
	"github.com/studybuddy/gatekeeper/pkg/inference"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "studybuddy.v1.StudyBuddy"

// Full method names, used for per-method policies and middleware.
const (
	MethodChat       = "/" + ServiceName + "/Chat"
	MethodListModels = "/" + ServiceName + "/ListModels"
	MethodClearCache = "/" + ServiceName + "/ClearCache"
)

// StudyBuddyServer is the server API of the service.
type StudyBuddyServer interface {
	// Chat takes {"message": string, "model": string} and answers
	// {"reply": string, "model": string}.
	Chat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// ListModels answers {"models": [name...], "default": string}.
	ListModels(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// ClearCache takes one of {"pattern"}, {"user"} or {"model"} and
	// returns the number of entries removed.
	ClearCache(context.Context, *structpb.Struct) (*wrapperspb.Int64Value, error)
}

// Service implements StudyBuddyServer.
type Service struct {
	assistant *assistant.Assistant
	gate      *gate.Gate
}

var _ StudyBuddyServer = (*Service)(nil)

// NewService creates the service.
func NewService(a *assistant.Assistant, g *gate.Gate) *Service {
	return &Service{assistant: a, gate: g}
}

func (s *Service) Chat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	message := strings.TrimSpace(fields["message"].GetStringValue())
	if message == "" {
		return nil, status.Error(codes.InvalidArgument, "message is required")
	}
	model := s.assistant.Model(fields["model"].GetStringValue())

	reply, err := s.assistant.Reply(ctx, model, message)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"reply": reply,
		"model": model,
	})
}

func (s *Service) ListModels(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	models, err := s.assistant.Models(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	names := make([]interface{}, len(models))
	for i, m := range models {
		names[i] = m.Name
	}
	return structpb.NewStruct(map[string]interface{}{
		"models":  names,
		"default": s.assistant.Model(""),
	})
}

func (s *Service) ClearCache(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int64Value, error) {
	fields := req.GetFields()

	var (
		n   int
		err error
	)
	switch {
	case fields["user"].GetStringValue() != "":
		n, err = s.gate.ClearUser(ctx, fields["user"].GetStringValue())
	case fields["model"].GetStringValue() != "":
		n, err = s.gate.ClearModel(ctx, fields["model"].GetStringValue())
	default:
		n, err = s.gate.ClearCache(ctx, fields["pattern"].GetStringValue())
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int64(int64(n)), nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	var se *inference.StatusError
	switch {
	case errors.Is(err, gate.ErrRateLimitExceeded):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, gate.ErrInvalidKey), errors.Is(err, gate.ErrInvalidPattern):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, gate.ErrStoreUnavailable), errors.Is(err, inference.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, assistant.ErrModelNotAllowed), errors.As(err, &se) && se.Code == 404:
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// RegisterStudyBuddyServer registers srv on s.
func RegisterStudyBuddyServer(s grpc.ServiceRegistrar, srv StudyBuddyServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func chatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StudyBuddyServer).Chat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodChat}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StudyBuddyServer).Chat(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listModelsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StudyBuddyServer).ListModels(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodListModels}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StudyBuddyServer).ListModels(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func clearCacheHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StudyBuddyServer).ClearCache(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodClearCache}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StudyBuddyServer).ClearCache(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the StudyBuddy service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StudyBuddyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Chat", Handler: chatHandler},
		{MethodName: "ListModels", Handler: listModelsHandler},
		{MethodName: "ClearCache", Handler: clearCacheHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "studybuddy/v1/studybuddy.proto",
}
