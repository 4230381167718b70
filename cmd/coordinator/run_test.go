package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/config"
	"github.com/terraskye/cqrs/fixtures"
	"github.com/terraskye/cqrs/rpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func TestProcessClosesInReverse(t *testing.T) {
	var order []int
	p := &process{logger: quietLogger()}
	for i := range 3 {
		p.onClose(func() error {
			order = append(order, i)
			if i == 1 {
				return errors.New("close failed")
			}
			return nil
		})
	}

	err := p.close()
	if err == nil || err.Error() != "close failed" {
		t.Errorf("close() = %v", err)
	}
	if fmt.Sprint(order) != "[2 1 0]" {
		t.Errorf("closed in order %v", order)
	}
}

func TestServeWithoutServers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, nil) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}

func TestRunRequiresBusinessLogicForSagas(t *testing.T) {
	cfg := config.Config{
		Storage:         config.StorageMemory,
		Bus:             config.BusMemory,
		RPCTimeout:      time.Second,
		RetryMaxElapsed: time.Second,
		Sagas:           []config.Handler{{Name: "fulfillment", Domain: "order", Addr: "localhost:1"}},
	}
	if err := run(context.Background(), cfg, quietLogger()); err == nil {
		t.Fatal("expected an error without an aggregate coordinator")
	}
}

func TestRunEndToEnd(t *testing.T) {
	// Business logic process: both domains, the saga and the projector.
	saga := &fixtures.FulfillmentSaga{}
	summary := fixtures.NewOrderProjector()
	logic := rpc.NewServer(quietLogger())
	logic.RegisterAggregateLogic(fixtures.NewOrderLogic(quietLogger()))
	logicLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fulfillment := rpc.NewServer(quietLogger())
	fulfillment.RegisterAggregateLogic(fixtures.NewFulfillmentLogic(quietLogger()))
	fulfillment.RegisterSagaLogic(saga, saga, saga)
	fulfillment.RegisterProjector(summary)
	fulfillmentLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = logic.Serve(ctx, logicLis) }()
	go func() { _ = fulfillment.Serve(ctx, fulfillmentLis) }()

	port := freePort(t)
	cfg := config.Config{
		Storage:       config.StorageMemory,
		Bus:           config.BusMemory,
		AggregatePort: port,
		BusinessLogic: map[string]string{
			fixtures.OrderDomain:       logicLis.Addr().String(),
			fixtures.FulfillmentDomain: fulfillmentLis.Addr().String(),
		},
		Sagas:           []config.Handler{{Name: "fulfillment", Domain: fixtures.OrderDomain, Addr: fulfillmentLis.Addr().String(), Compensate: true}},
		Projectors:      []config.Handler{{Name: "summary", Domain: fixtures.OrderDomain, Addr: fulfillmentLis.Addr().String()}},
		RPCTimeout:      5 * time.Second,
		RetryMaxElapsed: 5 * time.Second,
		LogLevel:        "panic",
	}
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, quietLogger()) }()

	conn, err := rpc.Dial(fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	if _, err := healthpb.NewHealthClient(conn).Check(waitCtx, &healthpb.HealthCheckRequest{}, grpc.WaitForReady(true)); err != nil {
		t.Fatalf("coordinator never became healthy: %v", err)
	}

	commands := rpc.NewAggregateCoordinatorClient(conn)
	cover := fixtures.OrderCover()
	for i, cmd := range []cqrs.Message{
		fixtures.CreateOrder{Customer: "ann"},
		fixtures.AddItem{SKU: "a", Quantity: 1},
		fixtures.CompleteOrder{},
	} {
		if _, err := commands.Handle(ctx, fixtures.NewCommand(cover).At(uint32(i), cmd).Build()); err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if summary.View(cover).Status == "completed" && saga.ExecuteCalls.Load() > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := summary.View(cover); got.Status != "completed" || got.Items != 1 {
		t.Errorf("summary view = %+v", got)
	}
	if saga.ExecuteCalls.Load() == 0 {
		t.Error("fulfillment saga never executed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
}
