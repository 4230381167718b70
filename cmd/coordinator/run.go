package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/aggregate"
	"github.com/terraskye/cqrs/config"
	"github.com/terraskye/cqrs/logging"
	"github.com/terraskye/cqrs/otel"
	"github.com/terraskye/cqrs/projector"
	"github.com/terraskye/cqrs/rpc"
	"github.com/terraskye/cqrs/saga"
	"google.golang.org/grpc"
)

// process holds everything run opened, closed in reverse on the way out.
type process struct {
	logger  *logrus.Entry
	closers []func() error
}

func (p *process) onClose(fn func() error) {
	p.closers = append(p.closers, fn)
}

func (p *process) close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	return errors.Join(errs...)
}

func (p *process) dial(addr string) (*grpc.ClientConn, error) {
	conn, err := rpc.Dial(addr)
	if err != nil {
		return nil, err
	}
	p.onClose(conn.Close)
	return conn, nil
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Entry) (err error) {
	p := &process{logger: logger}
	defer func() {
		err = errors.Join(err, p.close())
	}()

	shutdown, err := setupTracing(ctx, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	p.onClose(func() error { return shutdown(context.Background()) })

	storage, err := config.OpenStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	p.onClose(storage.Close)

	bus, err := config.OpenBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	p.onClose(bus.Close)
	go func() {
		for err := range bus.Errors() {
			logger.WithError(err).Warn("event bus delivery failed")
		}
	}()

	telemetry := otel.NewLogicTelemetry()
	servers := make(map[int]*rpc.Server)
	server := func(port int) *rpc.Server {
		if servers[port] == nil {
			servers[port] = rpc.NewServer(logger.WithField("port", port))
		}
		return servers[port]
	}

	commands, err := p.commandHandler(cfg, storage, bus, telemetry)
	if err != nil {
		return err
	}
	if cfg.AggregatePort != 0 {
		if commands == nil {
			return errors.New("CQRS_AGGREGATE_PORT is set but CQRS_BUSINESS_LOGIC_ADDR is empty")
		}
		server(cfg.AggregatePort).RegisterAggregateCoordinator(commands)
	}

	for _, h := range cfg.Sagas {
		if commands == nil {
			return fmt.Errorf("saga %s: no aggregate coordinator, set CQRS_AGGREGATE_ADDR or CQRS_BUSINESS_LOGIC_ADDR", h.Name)
		}
		sc, err := p.saga(ctx, cfg, h, storage, bus, commands, telemetry)
		if err != nil {
			return err
		}
		if cfg.SagaPort != 0 {
			server(cfg.SagaPort).RegisterSagaCoordinator(sc)
		}
	}

	for _, h := range cfg.Projectors {
		d, err := p.projector(ctx, cfg, h, storage, bus, telemetry)
		if err != nil {
			return err
		}
		if cfg.ProjectorPort != 0 {
			server(cfg.ProjectorPort).RegisterProjectorCoordinator(d)
		}
	}

	return serve(ctx, servers)
}

// commandHandler returns the aggregate coordinator sagas submit to and the
// aggregate server exposes: remote when CQRS_AGGREGATE_ADDR is set,
// otherwise in-process over the configured business logic. It is nil when
// neither is configured.
func (p *process) commandHandler(cfg config.Config, storage cqrs.Storage, bus cqrs.EventBus, telemetry *otel.LogicTelemetry) (cqrs.CommandHandler, error) {
	if cfg.AggregateAddr != "" {
		conn, err := p.dial(cfg.AggregateAddr)
		if err != nil {
			return nil, err
		}
		return rpc.NewAggregateCoordinatorClient(conn, rpc.WithCallTimeout(cfg.RPCTimeout)), nil
	}
	if len(cfg.BusinessLogic) == 0 {
		return nil, nil
	}

	logic := make(map[string]cqrs.AggregateLogic, len(cfg.BusinessLogic))
	for domain, addr := range cfg.BusinessLogic {
		conn, err := p.dial(addr)
		if err != nil {
			return nil, fmt.Errorf("business logic %s: %w", domain, err)
		}
		client := rpc.NewAggregateLogicClient(conn, rpc.WithCallTimeout(cfg.RPCTimeout))
		logic[domain] = telemetry.Aggregate(domain,
			logging.WithAggregateLogging(p.logger.WithField("domain", domain), client))
	}

	coord := aggregate.NewCoordinator(storage, logic,
		aggregate.WithPublisher(bus),
		aggregate.WithLogger(p.logger.WithField("component", "aggregate")),
		aggregate.WithTimeout(cfg.RPCTimeout),
		aggregate.WithAsyncQueue(8, 256, cfg.RetryMaxElapsed),
	)
	p.onClose(coord.Close)

	return otel.WithCommandTelemetry(logging.WithCommandLogging(p.logger, coord)), nil
}

func (p *process) saga(ctx context.Context, cfg config.Config, h config.Handler, storage cqrs.Storage, bus cqrs.EventBus, commands cqrs.CommandHandler, telemetry *otel.LogicTelemetry) (*saga.Coordinator, error) {
	conn, err := p.dial(h.Addr)
	if err != nil {
		return nil, fmt.Errorf("saga %s: %w", h.Name, err)
	}
	client := rpc.NewSagaLogicClient(conn, rpc.WithCallTimeout(cfg.RPCTimeout))

	strategy := saga.TwoPhase(telemetry.Orchestrator(h.Name, client))
	if h.Simple {
		strategy = saga.Simple(telemetry.Reactor(h.Name, client))
	}
	opts := []saga.Option{
		saga.WithLogger(p.logger.WithField("saga", h.Name)),
		saga.WithTimeout(cfg.RPCTimeout),
		saga.WithRetry(0, cfg.RetryMaxElapsed),
	}
	if h.Compensate {
		opts = append(opts, saga.WithCompensator(client))
	}

	sc, err := saga.NewCoordinator(h.Name, h.Domain, strategy, storage, commands, opts...)
	if err != nil {
		return nil, err
	}
	if err := sc.Subscribe(ctx, logging.WithSubscriberLogging(p.logger, bus)); err != nil {
		return nil, fmt.Errorf("saga %s: subscribe: %w", h.Name, err)
	}
	return sc, nil
}

func (p *process) projector(ctx context.Context, cfg config.Config, h config.Handler, storage cqrs.Storage, bus cqrs.EventBus, telemetry *otel.LogicTelemetry) (*projector.Dispatcher, error) {
	conn, err := p.dial(h.Addr)
	if err != nil {
		return nil, fmt.Errorf("projector %s: %w", h.Name, err)
	}
	logger := p.logger.WithField("projector", h.Name)
	client := rpc.NewProjectorClient(conn, rpc.WithCallTimeout(cfg.RPCTimeout))

	d, err := projector.NewDispatcher(h.Name, h.Domain,
		telemetry.Projector(h.Name, logging.WithProjectorLogging(logger, client)),
		storage,
		projector.WithOutputSink(bus),
		projector.WithLogger(logger),
		projector.WithTimeout(cfg.RPCTimeout),
	)
	if err != nil {
		return nil, err
	}
	if err := d.Subscribe(ctx, logging.WithSubscriberLogging(p.logger, bus)); err != nil {
		return nil, fmt.Errorf("projector %s: subscribe: %w", h.Name, err)
	}
	return d, nil
}

// serve runs every server until ctx is cancelled. Without servers it just
// waits, keeping the subscriptions alive.
func serve(ctx context.Context, servers map[int]*rpc.Server) error {
	if len(servers) == 0 {
		<-ctx.Done()
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for port, srv := range servers {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			cancel()
			wg.Wait()
			return errors.Join(append(errs, fmt.Errorf("listen on %d: %w", port, err))...)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx, lis); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				cancel()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
