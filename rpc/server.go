package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/projector"
	"github.com/terraskye/cqrs/saga"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server hosts coordinator and business-logic services on one gRPC server
// with the health service registered.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *logrus.Entry
}

// NewServer creates a server with OTel stats handlers installed. Extra
// options are applied last.
func NewServer(logger *logrus.Entry, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	srv := grpc.NewServer(append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	return &Server{grpc: srv, health: hs, logger: logger}
}

func (s *Server) register(desc *grpc.ServiceDesc, impl any) {
	s.grpc.RegisterService(desc, impl)
	s.health.SetServingStatus(desc.ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// RegisterAggregateCoordinator exposes a command handler, normally an
// *aggregate.Coordinator, as AggregateCoordinator.Handle.
func (s *Server) RegisterAggregateCoordinator(h cqrs.CommandHandler) {
	s.register(&aggregateCoordinatorDesc, h)
}

// RegisterSagaCoordinator exposes c as SagaCoordinator.Handle.
func (s *Server) RegisterSagaCoordinator(c *saga.Coordinator) {
	s.register(&sagaCoordinatorDesc, sagaCoordinatorServer{c})
}

// RegisterProjectorCoordinator exposes d as ProjectorCoordinator.Project.
func (s *Server) RegisterProjectorCoordinator(d *projector.Dispatcher) {
	s.register(&projectorCoordinatorDesc, cqrs.ProjectorFunc(d.Handle))
}

// RegisterAggregateLogic serves in-process business logic to remote
// coordinators.
func (s *Server) RegisterAggregateLogic(logic cqrs.AggregateLogic) {
	s.register(&aggregateLogicDesc, logic)
}

// RegisterSagaLogic serves in-process saga logic. Any of the three may be
// nil; calls to a missing one answer Unimplemented.
func (s *Server) RegisterSagaLogic(reactor cqrs.SagaReactor, orchestrator cqrs.SagaOrchestrator, compensator cqrs.SagaCompensator) {
	s.register(&sagaLogicDesc, &sagaLogicServer{
		reactor:      reactor,
		orchestrator: orchestrator,
		compensator:  compensator,
	})
}

// RegisterProjector serves an in-process projector.
func (s *Server) RegisterProjector(p cqrs.Projector) {
	s.register(&projectorDesc, p)
}

// Serve accepts connections on lis until ctx is cancelled, then marks the
// server as not serving and stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Infof("rpc server listening at %v", lis.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// Stop closes every connection immediately.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

type sagaCoordinatorServer struct {
	c *saga.Coordinator
}

func (s sagaCoordinatorServer) handle(ctx context.Context, source cqrs.EventBook) (*SagaResponse, error) {
	resp, err := s.c.Handle(ctx, source)
	if err != nil {
		return nil, err
	}
	return &SagaResponse{
		Commands:      resp.Commands,
		Compensations: resp.Compensations,
		Skipped:       resp.Skipped,
	}, nil
}

type sagaLogicServer struct {
	reactor      cqrs.SagaReactor
	orchestrator cqrs.SagaOrchestrator
	compensator  cqrs.SagaCompensator
}

func (s *sagaLogicServer) React(ctx context.Context, source cqrs.EventBook) ([]cqrs.CommandBook, error) {
	if s.reactor == nil {
		return nil, fmt.Errorf("%w: saga has no reactor", cqrs.ErrUnsupported)
	}
	return s.reactor.React(ctx, source)
}

func (s *sagaLogicServer) Prepare(ctx context.Context, source cqrs.EventBook) ([]cqrs.Cover, error) {
	if s.orchestrator == nil {
		return nil, fmt.Errorf("%w: saga has no orchestrator", cqrs.ErrUnsupported)
	}
	return s.orchestrator.Prepare(ctx, source)
}

func (s *sagaLogicServer) Execute(ctx context.Context, source cqrs.EventBook, destinations []cqrs.EventBook) ([]cqrs.CommandBook, error) {
	if s.orchestrator == nil {
		return nil, fmt.Errorf("%w: saga has no orchestrator", cqrs.ErrUnsupported)
	}
	return s.orchestrator.Execute(ctx, source, destinations)
}

func (s *sagaLogicServer) Compensate(ctx context.Context, source cqrs.EventBook, rejected cqrs.CommandBook, reason string) ([]cqrs.CommandBook, error) {
	if s.compensator == nil {
		return nil, fmt.Errorf("%w: saga has no compensator", cqrs.ErrUnsupported)
	}
	return s.compensator.Compensate(ctx, source, rejected, reason)
}
