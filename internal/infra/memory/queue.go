package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"econd/internal/domain"
	"econd/internal/infra/telemetry"
)

// Queue persists turns off the turn path. Enqueue never blocks: when the
// buffer is full the turn is dropped and logged, trading durability of one
// record for reply latency. The jobs channel stays open for the queue's
// lifetime, so an Enqueue racing Close is dropped rather than a panic.
type Queue struct {
	store  domain.SessionStore
	logger *zap.Logger

	jobs chan persistJob
	wg   sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

type persistJob struct {
	sessionID string
	turn      domain.Turn
}

func NewQueue(store domain.SessionStore, size int, logger *zap.Logger) *Queue {
	if store == nil {
		panic("memory.Queue requires a store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = domain.DefaultPersistQueueSize
	}
	q := &Queue{
		store:  store,
		logger: logger.Named("memory_queue"),
		jobs:   make(chan persistJob, size),
		closed: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue hands a turn to the writer goroutine. Fire and forget.
func (q *Queue) Enqueue(sessionID string, turn domain.Turn) {
	select {
	case <-q.closed:
		return
	default:
	}

	select {
	case q.jobs <- persistJob{sessionID: sessionID, turn: turn}:
	default:
		q.logger.Warn("persist queue full, turn dropped",
			telemetry.EventField(telemetry.EventPersistDrop),
			telemetry.UserField(sessionID),
			zap.String("turn_id", turn.ID),
		)
	}
}

// Close drains pending jobs and stops the writer.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.wg.Wait()
	})
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case job := <-q.jobs:
			q.persist(job)
		case <-q.closed:
			for {
				select {
				case job := <-q.jobs:
					q.persist(job)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) persist(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.store.Append(ctx, job.sessionID, job.turn); err != nil {
		q.logger.Warn("persist turn failed",
			telemetry.UserField(job.sessionID),
			zap.String("turn_id", job.turn.ID),
			zap.Error(err),
		)
	}
}
