package rpc

import (
	"context"

	"github.com/terraskye/cqrs"
	"google.golang.org/grpc"
)

// Service names.
const (
	AggregateCoordinatorService = "cqrs.v1.AggregateCoordinator"
	SagaCoordinatorService      = "cqrs.v1.SagaCoordinator"
	ProjectorCoordinatorService = "cqrs.v1.ProjectorCoordinator"

	AggregateLogicService = "cqrs.v1.AggregateLogic"
	SagaLogicService      = "cqrs.v1.SagaLogic"
	ProjectorService      = "cqrs.v1.Projector"
)

// SagaResponse is the reply of SagaCoordinator.Handle and of the saga logic
// methods that produce commands.
type SagaResponse struct {
	Commands      []cqrs.CommandBook `json:"commands,omitempty"`
	Compensations []cqrs.CommandBook `json:"compensations,omitempty"`
	Skipped       bool               `json:"skipped,omitempty"`
}

// PrepareResponse lists the destination streams a two-phase saga needs.
type PrepareResponse struct {
	Destinations []cqrs.Cover `json:"destinations,omitempty"`
}

// ExecuteRequest carries the source book and the destination histories.
type ExecuteRequest struct {
	Source       cqrs.EventBook   `json:"source"`
	Destinations []cqrs.EventBook `json:"destinations,omitempty"`
}

// CompensateRequest carries the refused command and the refusal reason.
type CompensateRequest struct {
	Source   cqrs.EventBook   `json:"source"`
	Rejected cqrs.CommandBook `json:"rejected"`
	Reason   string           `json:"reason"`
}

// unary declares one method whose handler decodes Req and calls call on the
// registered implementation. Errors are converted with ToStatus.
func unary[S, Req, Resp any](service, method string, call func(srv S, ctx context.Context, req *Req) (*Resp, error)) grpc.MethodDesc {
	invoke := func(srv any, ctx context.Context, req *Req) (any, error) {
		resp, err := call(srv.(S), ctx, req)
		if err != nil {
			return nil, ToStatus(err)
		}
		return resp, nil
	}
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return invoke(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + service + "/" + method,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return invoke(srv, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

var aggregateCoordinatorDesc = grpc.ServiceDesc{
	ServiceName: AggregateCoordinatorService,
	HandlerType: (*cqrs.CommandHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary(AggregateCoordinatorService, "Handle", func(srv cqrs.CommandHandler, ctx context.Context, req *cqrs.CommandBook) (*cqrs.EventBook, error) {
			book, err := srv.Handle(ctx, *req)
			return &book, err
		}),
	},
	Metadata: "cqrs/v1/coordinator.proto",
}

var sagaCoordinatorDesc = grpc.ServiceDesc{
	ServiceName: SagaCoordinatorService,
	HandlerType: (*sagaHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary(SagaCoordinatorService, "Handle", func(srv sagaHandler, ctx context.Context, req *cqrs.EventBook) (*SagaResponse, error) {
			return srv.handle(ctx, *req)
		}),
	},
	Metadata: "cqrs/v1/coordinator.proto",
}

var projectorCoordinatorDesc = grpc.ServiceDesc{
	ServiceName: ProjectorCoordinatorService,
	HandlerType: (*cqrs.Projector)(nil),
	Methods: []grpc.MethodDesc{
		unary(ProjectorCoordinatorService, "Project", projectCall),
	},
	Metadata: "cqrs/v1/coordinator.proto",
}

var aggregateLogicDesc = grpc.ServiceDesc{
	ServiceName: AggregateLogicService,
	HandlerType: (*cqrs.AggregateLogic)(nil),
	Methods: []grpc.MethodDesc{
		unary(AggregateLogicService, "Handle", func(srv cqrs.AggregateLogic, ctx context.Context, req *cqrs.ContextualCommand) (*cqrs.Decision, error) {
			decision, err := srv.Handle(ctx, *req)
			return &decision, err
		}),
	},
	Metadata: "cqrs/v1/logic.proto",
}

var sagaLogicDesc = grpc.ServiceDesc{
	ServiceName: SagaLogicService,
	HandlerType: (*sagaLogic)(nil),
	Methods: []grpc.MethodDesc{
		unary(SagaLogicService, "React", func(srv sagaLogic, ctx context.Context, req *cqrs.EventBook) (*SagaResponse, error) {
			commands, err := srv.React(ctx, *req)
			return &SagaResponse{Commands: commands}, err
		}),
		unary(SagaLogicService, "Prepare", func(srv sagaLogic, ctx context.Context, req *cqrs.EventBook) (*PrepareResponse, error) {
			covers, err := srv.Prepare(ctx, *req)
			return &PrepareResponse{Destinations: covers}, err
		}),
		unary(SagaLogicService, "Execute", func(srv sagaLogic, ctx context.Context, req *ExecuteRequest) (*SagaResponse, error) {
			commands, err := srv.Execute(ctx, req.Source, req.Destinations)
			return &SagaResponse{Commands: commands}, err
		}),
		unary(SagaLogicService, "Compensate", func(srv sagaLogic, ctx context.Context, req *CompensateRequest) (*SagaResponse, error) {
			commands, err := srv.Compensate(ctx, req.Source, req.Rejected, req.Reason)
			return &SagaResponse{Commands: commands}, err
		}),
	},
	Metadata: "cqrs/v1/logic.proto",
}

var projectorDesc = grpc.ServiceDesc{
	ServiceName: ProjectorService,
	HandlerType: (*cqrs.Projector)(nil),
	Methods: []grpc.MethodDesc{
		unary(ProjectorService, "Project", projectCall),
	},
	Metadata: "cqrs/v1/logic.proto",
}

func projectCall(srv cqrs.Projector, ctx context.Context, req *cqrs.EventBook) (*cqrs.ProjectorOutput, error) {
	out, err := srv.Project(ctx, *req)
	return &out, err
}

// sagaLogic is served by SagaLogicServer; methods whose logic is absent
// answer Unimplemented.
type sagaLogic interface {
	cqrs.SagaReactor
	cqrs.SagaOrchestrator
	cqrs.SagaCompensator
}

type sagaHandler interface {
	handle(ctx context.Context, source cqrs.EventBook) (*SagaResponse, error)
}
