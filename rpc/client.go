package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/terraskye/cqrs"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultTimeout bounds every call when no other timeout is configured.
const DefaultTimeout = 5 * time.Second

// Dial creates a client connection to addr with OTel stats handlers installed
// and plaintext transport credentials. Extra options are applied last. The
// clients of this package select the JSON codec per call, so the connection
// stays usable for proto services such as health.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// ClientOption configures a client.
type ClientOption func(*client)

// WithCallTimeout sets the deadline applied to every call. Values of zero or
// less select DefaultTimeout; calls are never unbounded.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

type client struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

func newClient(conn grpc.ClientConnInterface, opts []ClientOption) client {
	c := client{conn: conn, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// call invokes method under the client timeout. An expired deadline comes
// back as a transport failure, never as a rejection.
func call[Resp any](ctx context.Context, c client, method string, req any) (Resp, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out Resp
	if err := c.conn.Invoke(ctx, method, req, &out, grpc.CallContentSubtype(CodecName)); err != nil {
		return out, FromStatus(method, err)
	}
	return out, nil
}

// AggregateLogicClient reaches the business logic of one domain.
type AggregateLogicClient struct {
	client
}

var _ cqrs.AggregateLogic = (*AggregateLogicClient)(nil)

func NewAggregateLogicClient(conn grpc.ClientConnInterface, opts ...ClientOption) *AggregateLogicClient {
	return &AggregateLogicClient{newClient(conn, opts)}
}

func (c *AggregateLogicClient) Handle(ctx context.Context, cmd cqrs.ContextualCommand) (cqrs.Decision, error) {
	return call[cqrs.Decision](ctx, c.client, fullMethod(AggregateLogicService, "Handle"), &cmd)
}

// SagaLogicClient reaches remote saga logic. It serves both strategies and
// the compensation path; methods the remote does not implement fail with
// cqrs.ErrUnsupported.
type SagaLogicClient struct {
	client
}

var (
	_ cqrs.SagaReactor      = (*SagaLogicClient)(nil)
	_ cqrs.SagaOrchestrator = (*SagaLogicClient)(nil)
	_ cqrs.SagaCompensator  = (*SagaLogicClient)(nil)
)

func NewSagaLogicClient(conn grpc.ClientConnInterface, opts ...ClientOption) *SagaLogicClient {
	return &SagaLogicClient{newClient(conn, opts)}
}

func (c *SagaLogicClient) React(ctx context.Context, source cqrs.EventBook) ([]cqrs.CommandBook, error) {
	resp, err := call[SagaResponse](ctx, c.client, fullMethod(SagaLogicService, "React"), &source)
	return resp.Commands, err
}

func (c *SagaLogicClient) Prepare(ctx context.Context, source cqrs.EventBook) ([]cqrs.Cover, error) {
	resp, err := call[PrepareResponse](ctx, c.client, fullMethod(SagaLogicService, "Prepare"), &source)
	return resp.Destinations, err
}

func (c *SagaLogicClient) Execute(ctx context.Context, source cqrs.EventBook, destinations []cqrs.EventBook) ([]cqrs.CommandBook, error) {
	req := &ExecuteRequest{Source: source, Destinations: destinations}
	resp, err := call[SagaResponse](ctx, c.client, fullMethod(SagaLogicService, "Execute"), req)
	return resp.Commands, err
}

func (c *SagaLogicClient) Compensate(ctx context.Context, source cqrs.EventBook, rejected cqrs.CommandBook, reason string) ([]cqrs.CommandBook, error) {
	req := &CompensateRequest{Source: source, Rejected: rejected, Reason: reason}
	resp, err := call[SagaResponse](ctx, c.client, fullMethod(SagaLogicService, "Compensate"), req)
	return resp.Commands, err
}

// ProjectorClient reaches a remote projector.
type ProjectorClient struct {
	client
}

var _ cqrs.Projector = (*ProjectorClient)(nil)

func NewProjectorClient(conn grpc.ClientConnInterface, opts ...ClientOption) *ProjectorClient {
	return &ProjectorClient{newClient(conn, opts)}
}

func (c *ProjectorClient) Project(ctx context.Context, book cqrs.EventBook) (cqrs.ProjectorOutput, error) {
	return call[cqrs.ProjectorOutput](ctx, c.client, fullMethod(ProjectorService, "Project"), &book)
}

// AggregateCoordinatorClient submits commands to a remote aggregate
// coordinator. A saga coordinator running in another process uses it as its
// command handler.
type AggregateCoordinatorClient struct {
	client
}

var _ cqrs.CommandHandler = (*AggregateCoordinatorClient)(nil)

func NewAggregateCoordinatorClient(conn grpc.ClientConnInterface, opts ...ClientOption) *AggregateCoordinatorClient {
	return &AggregateCoordinatorClient{newClient(conn, opts)}
}

func (c *AggregateCoordinatorClient) Handle(ctx context.Context, cmd cqrs.CommandBook) (cqrs.EventBook, error) {
	return call[cqrs.EventBook](ctx, c.client, fullMethod(AggregateCoordinatorService, "Handle"), &cmd)
}

// SagaCoordinatorClient pushes source books to a remote saga coordinator.
type SagaCoordinatorClient struct {
	client
}

func NewSagaCoordinatorClient(conn grpc.ClientConnInterface, opts ...ClientOption) *SagaCoordinatorClient {
	return &SagaCoordinatorClient{newClient(conn, opts)}
}

func (c *SagaCoordinatorClient) Handle(ctx context.Context, source cqrs.EventBook) (SagaResponse, error) {
	return call[SagaResponse](ctx, c.client, fullMethod(SagaCoordinatorService, "Handle"), &source)
}

// ProjectorCoordinatorClient pushes books to a remote projector dispatcher.
type ProjectorCoordinatorClient struct {
	client
}

var _ cqrs.Projector = (*ProjectorCoordinatorClient)(nil)

func NewProjectorCoordinatorClient(conn grpc.ClientConnInterface, opts ...ClientOption) *ProjectorCoordinatorClient {
	return &ProjectorCoordinatorClient{newClient(conn, opts)}
}

func (c *ProjectorCoordinatorClient) Project(ctx context.Context, book cqrs.EventBook) (cqrs.ProjectorOutput, error) {
	return call[cqrs.ProjectorOutput](ctx, c.client, fullMethod(ProjectorCoordinatorService, "Project"), &book)
}
