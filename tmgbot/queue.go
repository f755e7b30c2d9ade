package tmgbot

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// JobKind identifies what a queued [Job] does
type JobKind string

const (
	JobKindMention JobKind = "mention"
	JobKindRecord  JobKind = "record"
	JobKindDiagram JobKind = "diagram"
)

// Job is a unit of work that touches the transcript. Jobs run one at a
// time, so turns are appended in the order jobs are popped.
type Job struct {
	ID        string
	Kind      JobKind
	UserID    string
	CreatedAt time.Time

	// Priority jobs are popped before all others
	Priority bool

	// Durable jobs never expire and are never dropped to make room.
	// Recording plain messages is durable, so the transcript doesn't
	// silently lose turns.
	Durable bool

	// Run does the work
	Run func(ctx context.Context) error

	// Discard, if set, is called when the job is dropped without running
	// (with ErrJobTooOld or ErrQueueFull).
	Discard func(ctx context.Context, reason error)

	index int
	seq   uint64
}

func newJob(kind JobKind, userID string, run func(context.Context) error) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		UserID:    userID,
		CreatedAt: time.Now(),
		Run:       run,
	}
}

func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}

func (j *Job) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", j.ID),
		slog.String("kind", string(j.Kind)),
		slog.String("user_id", j.UserID),
		slog.Bool("priority", j.Priority),
		slog.Bool("durable", j.Durable),
		slog.Time("created_at", j.CreatedAt),
	)
}

// JobQueue is a bounded priority queue of [Job], drained by a single
// worker (see [JobQueue.Run]).
type JobQueue struct {
	queue  *jobHeap
	config *QueueConfig
	logger *slog.Logger
	mu     sync.Mutex
	ready  chan struct{}
	seq    uint64
	now    func() time.Time
}

func NewJobQueue(config *QueueConfig, logger *slog.Logger) *JobQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &JobQueue{
		queue:  &jobHeap{},
		config: config,
		logger: logger,
		ready:  make(chan struct{}, 1),
		now:    time.Now,
	}
	heap.Init(q.queue)
	return q
}

func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}

// Clear drops every queued job, calling their Discard funcs.
func (q *JobQueue) Clear(ctx context.Context) int {
	q.mu.Lock()
	dropped := *q.queue
	q.queue = &jobHeap{}
	heap.Init(q.queue)
	q.mu.Unlock()

	for _, j := range dropped {
		discardJob(ctx, j, ErrQueueFull)
	}
	return len(dropped)
}

// evictionCandidate returns the index of the job to drop when the queue
// is full: the oldest non-priority job, else the oldest job. Durable
// jobs are never chosen.
func (q *JobQueue) evictionCandidate() (int, bool) {
	best := -1
	bestPriority := false
	for i, j := range *q.queue {
		if j.Durable {
			continue
		}
		switch {
		case best == -1:
			best, bestPriority = i, j.Priority
		case bestPriority && !j.Priority:
			best, bestPriority = i, false
		case bestPriority == j.Priority && j.seq < (*q.queue)[best].seq:
			best = i
		}
	}
	return best, best >= 0
}

// Push adds a job to the queue. When the queue is full, the oldest
// non-priority job is discarded to make room. Jobs older than the
// configured max age are rejected with ErrJobTooOld.
func (q *JobQueue) Push(ctx context.Context, job *Job) error {
	logger := loggerFrom(ctx, q.logger).With("job", job)
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now()
	}

	if !job.Durable && q.config.MaxAge > 0 {
		if age := job.Age(q.now()); age > q.config.MaxAge {
			logger.WarnContext(ctx, "rejecting old job", "max_age", q.config.MaxAge, "age", age)
			return fmt.Errorf("%w: (age: %s)", ErrJobTooOld, age)
		}
	}

	q.mu.Lock()
	var evicted *Job
	if q.config.Size > 0 && q.queue.Len() >= q.config.Size {
		ind, found := q.evictionCandidate()
		if !found {
			q.mu.Unlock()
			logger.WarnContext(ctx, "queue full of durable jobs", "size", q.config.Size)
			return ErrQueueFull
		}
		evicted = heap.Remove(q.queue, ind).(*Job)
	}
	q.seq++
	job.seq = q.seq
	heap.Push(q.queue, job)
	size := q.queue.Len()
	q.mu.Unlock()

	if evicted != nil {
		logger.WarnContext(ctx, "queue full, dropped job", "dropped_job", evicted)
		discardJob(ctx, evicted, ErrQueueFull)
	}
	logger.DebugContext(ctx, "queued job", "queue_size", size)

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop returns the next job without blocking. Stale jobs are discarded
// along the way. Returns ErrQueueEmpty when there's nothing to run.
func (q *JobQueue) Pop(ctx context.Context) (*Job, error) {
	var stale []*Job
	defer func() {
		for _, j := range stale {
			discardJob(ctx, j, ErrJobTooOld)
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for q.queue.Len() > 0 {
		job := heap.Pop(q.queue).(*Job)
		if !job.Durable && q.config.MaxAge > 0 {
			if age := job.Age(now); age > q.config.MaxAge {
				q.logger.WarnContext(
					ctx,
					"discarded old job",
					"job", job,
					"max_age", q.config.MaxAge,
					"age", age,
				)
				stale = append(stale, job)
				continue
			}
		}
		return job, nil
	}
	return nil, ErrQueueEmpty
}

// Wait blocks until a job is available or ctx is done.
func (q *JobQueue) Wait(ctx context.Context) (*Job, error) {
	for {
		job, err := q.Pop(ctx)
		if err == nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// Run pops and runs jobs until ctx is done.
func (q *JobQueue) Run(ctx context.Context) {
	q.logger.InfoContext(ctx, "starting queue worker")
	for {
		job, err := q.Wait(ctx)
		if err != nil {
			q.logger.InfoContext(ctx, "stopping queue worker", "remaining", q.Len())
			return
		}
		q.runJob(ctx, job)
	}
}

func (q *JobQueue) runJob(ctx context.Context, job *Job) {
	logger := q.logger.With("job", job)
	ctx = WithLogger(ctx, logger)
	start := q.now()
	defer func() {
		if p := recover(); p != nil {
			logger.ErrorContext(
				ctx,
				"panic running job",
				"panic", p,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := job.Run(ctx); err != nil {
		logger.ErrorContext(ctx, "job failed", "elapsed", q.now().Sub(start), tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "job finished", "elapsed", q.now().Sub(start))
}

func discardJob(ctx context.Context, job *Job, reason error) {
	if job.Discard != nil {
		job.Discard(ctx, reason)
	}
}

// jobHeap orders priority jobs first, then by arrival.
type jobHeap []*Job

func (h jobHeap) Len() int {
	return len(h)
}

func (h jobHeap) Less(i, j int) bool {
	left, right := h[i], h[j]
	if left.Priority != right.Priority {
		return left.Priority
	}
	return left.seq < right.seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*Job)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
