package aggregate

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
)

// ErrQueueClosed is returned when submitting to a closed coordinator.
var ErrQueueClosed = errors.New("command queue is closed")

type queuedCommand struct {
	ctx context.Context
	cmd cqrs.CommandBook
}

// queue is a sharded worker pool. Every shard has one worker, so commands
// hashed to the same shard run in enqueue order.
type queue struct {
	shards  []chan queuedCommand
	process func(ctx context.Context, cmd cqrs.CommandBook)
	logger  *logrus.Entry

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func newQueue(shardCount, bufferSize int, process func(context.Context, cqrs.CommandBook), logger *logrus.Entry) *queue {
	if shardCount <= 0 {
		shardCount = 1
	}
	if bufferSize < 0 {
		bufferSize = 0
	}

	q := &queue{
		shards:  make([]chan queuedCommand, shardCount),
		process: process,
		logger:  logger,
	}
	for i := range q.shards {
		q.shards[i] = make(chan queuedCommand, bufferSize)
		q.wg.Add(1)
		go q.worker(q.shards[i])
	}
	return q
}

func (q *queue) enqueue(ctx context.Context, cmd cqrs.CommandBook) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	// The submitter returns before the command runs.
	job := queuedCommand{ctx: context.WithoutCancel(ctx), cmd: cmd}
	select {
	case q.shards[q.shard(cmd.Cover)] <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *queue) worker(ch chan queuedCommand) {
	defer q.wg.Done()
	for job := range ch {
		q.run(job)
	}
}

func (q *queue) run(job queuedCommand) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithField("stream", job.cmd.Cover.StreamID()).
				Errorf("panic while handling queued command: %v", r)
		}
	}()
	q.process(job.ctx, job.cmd)
}

func (q *queue) shard(cover cqrs.Cover) int {
	hash := fnv.New32a()
	hash.Write([]byte(cover.StreamID()))
	return int(hash.Sum32() % uint32(len(q.shards)))
}

// close stops accepting commands and waits for queued ones to finish.
func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, ch := range q.shards {
		close(ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
