package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/steward/internal/observability"
	"github.com/harun/steward/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned for tasks enqueued after Close or still queued at Close.
var ErrClosed = errors.New("command queue closed")

// ErrLaneReset is returned to tasks still queued when their lane is reset.
var ErrLaneReset = errors.New("lane reset")

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
	started    bool
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	queue   []*taskRecord
	running bool
}

// CommandQueue runs tasks one at a time per lane.
type CommandQueue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool

	dedup    *dedupCache
	dedupTTL time.Duration
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// Option configures a CommandQueue.
type Option func(*CommandQueue)

// WithDedupTTL sets how long results are remembered per request id.
func WithDedupTTL(ttl time.Duration) Option {
	return func(cq *CommandQueue) {
		cq.dedupTTL = ttl
	}
}

// New creates a new CommandQueue
func New(opts ...Option) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:    make(map[string]*laneState),
		ctx:      ctx,
		cancel:   cancel,
		dedupTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cq)
	}
	cq.dedup = newDedupCache(ctx, cq.dedupTTL)
	return cq
}

// Enqueue runs task in lane after every task queued before it and returns
// its result. When ctx carries a request id, a repeated request in the same
// lane returns the remembered result without running task again.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	requestID := tracing.GetRequestID(ctx)
	if requestID != "" {
		if res, ok := cq.dedup.Get(lane, requestID); ok {
			span.SetAttributes(attribute.Bool("deduplicated", true))
			return res.value, res.err
		}
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	cq.pumpLocked(lane, ls)
	cq.mu.Unlock()

	observability.RecordQueueEnqueue(lane, queueSize)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	var res taskResult
	select {
	case res = <-record.result:
	case <-ctx.Done():
		if cq.withdraw(lane, record) {
			res = taskResult{err: ctx.Err()}
		} else {
			// Already running; its result is authoritative.
			res = <-record.result
		}
	}

	if res.err != nil {
		tracing.FailSpan(span, res.err)
	}
	if requestID != "" && record.started {
		cq.dedup.Set(lane, requestID, res)
	}
	return res.value, res.err
}

// withdraw removes a queued record. It reports false once the record started.
func (cq *CommandQueue) withdraw(lane string, record *taskRecord) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if record.started {
		return false
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		return true
	}
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			break
		}
	}
	cq.releaseIfIdleLocked(lane, ls)
	return true
}

// pumpLocked starts the next task of lane if none is running.
func (cq *CommandQueue) pumpLocked(lane string, ls *laneState) {
	if ls.running || len(ls.queue) == 0 {
		return
	}
	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true
	record.started = true

	cq.wg.Add(1)
	go cq.execute(lane, record)
}

func (cq *CommandQueue) releaseIfIdleLocked(lane string, ls *laneState) {
	if !ls.running && len(ls.queue) == 0 {
		delete(cq.lanes, lane)
	}
}

func (cq *CommandQueue) execute(lane string, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, tracing.TracerAgent, "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	startTime := time.Now()
	value, err := cq.run(runCtx, record.task)
	duration := time.Since(startTime)

	stopCancel()
	cancel()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.FailSpan(span, err)
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Msg("Task completed")
	}

	cq.mu.Lock()
	queueSize := 0
	if ls, ok := cq.lanes[lane]; ok {
		ls.running = false
		queueSize = len(ls.queue)
		cq.pumpLocked(lane, ls)
		cq.releaseIfIdleLocked(lane, ls)
	}
	cq.mu.Unlock()

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)
}

func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, ok := cq.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// IsRunning reports whether a task of lane is executing.
func (cq *CommandQueue) IsRunning(lane string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	return ok && ls.running
}

// LaneCount returns the number of lanes with queued or running work.
func (cq *CommandQueue) LaneCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// ResetLane rejects every task still queued in lane. A running task is not
// interrupted.
func (cq *CommandQueue) ResetLane(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return 0
	}
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneReset}
	}
	ls.queue = nil
	cq.releaseIfIdleLocked(lane, ls)

	log.Info().Str("lane", lane).Int("rejected", count).Msg("Lane reset")
	return count
}

// Close rejects queued tasks, cancels running ones and waits for them.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	for _, ls := range cq.lanes {
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrClosed}
		}
		ls.queue = nil
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	cq.dedup.Stop()
	return nil
}
