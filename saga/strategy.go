package saga

import (
	"context"
	"time"

	"github.com/terraskye/cqrs"
)

type mode int

const (
	modeSimple mode = iota + 1
	modeTwoPhase
)

func (m mode) String() string {
	switch m {
	case modeSimple:
		return "simple"
	case modeTwoPhase:
		return "two-phase"
	default:
		return "unset"
	}
}

// Strategy selects how a saga turns source events into commands. Build one
// with Simple or TwoPhase.
type Strategy struct {
	mode         mode
	reactor      cqrs.SagaReactor
	orchestrator cqrs.SagaOrchestrator
}

// Simple reacts to source events without looking up destination state.
func Simple(reactor cqrs.SagaReactor) Strategy {
	return Strategy{mode: modeSimple, reactor: reactor}
}

// TwoPhase asks the orchestrator which destination streams it needs, loads
// them, then lets it compute commands targeted at their current length.
func TwoPhase(orchestrator cqrs.SagaOrchestrator) Strategy {
	return Strategy{mode: modeTwoPhase, orchestrator: orchestrator}
}

func (s Strategy) valid() bool {
	switch s.mode {
	case modeSimple:
		return s.reactor != nil
	case modeTwoPhase:
		return s.orchestrator != nil
	}
	return false
}

// plan returns the commands for source. A nil slice with a nil error means
// the source is not relevant.
func (c *Coordinator) plan(ctx context.Context, source cqrs.EventBook) ([]cqrs.CommandBook, error) {
	switch c.strategy.mode {
	case modeSimple:
		return invoke(ctx, c.cfg.timeout, func(ctx context.Context) ([]cqrs.CommandBook, error) {
			return c.strategy.reactor.React(ctx, source)
		})

	case modeTwoPhase:
		covers, err := invoke(ctx, c.cfg.timeout, func(ctx context.Context) ([]cqrs.Cover, error) {
			return c.strategy.orchestrator.Prepare(ctx, source)
		})
		if err != nil || len(covers) == 0 {
			return nil, err
		}

		destinations := make([]cqrs.EventBook, 0, len(covers))
		for _, cover := range covers {
			cover = cover.Normalize()
			if cover.CorrelationID == "" {
				cover.CorrelationID = source.Cover.CorrelationID
			}
			book, err := cqrs.LoadAggregate(ctx, c.storage, cover)
			if err != nil {
				return nil, cqrs.WrapTransport("load destination", err)
			}
			book.Cover = cover
			destinations = append(destinations, book)
		}

		return invoke(ctx, c.cfg.timeout, func(ctx context.Context) ([]cqrs.CommandBook, error) {
			return c.strategy.orchestrator.Execute(ctx, source, destinations)
		})
	}
	return nil, nil
}

// invoke calls saga logic under a deadline. Failures of the logic itself are
// transport failures: the delivery is retried, never compensated.
func invoke[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := fn(ctx)
	return v, cqrs.WrapTransport("saga logic", err)
}
