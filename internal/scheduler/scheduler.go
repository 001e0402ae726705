package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-archive/internal/errs"
)

// Job is one step of a chain. Outputs of job N feed job N+1 as inputs.
// Jobs opting into IgnoreExceptions tolerate per-item failures without
// short-circuiting the chain.
type Job interface {
	Apply(ctx context.Context, inputs []string) ([]string, error)
	IgnoreExceptions() bool
}

// ChainStatus is the lifecycle state of a submitted chain.
type ChainStatus string

const (
	ChainPending   ChainStatus = "Pending"
	ChainRunning   ChainStatus = "Running"
	ChainSucceeded ChainStatus = "Succeeded"
	ChainFailed    ChainStatus = "JobFailed"
	ChainCancelled ChainStatus = "Cancelled"
)

// Chain is a sequence of jobs executed in order by a single worker.
type Chain struct {
	ID          uuid.UUID
	Description string
	Jobs        []Job
	Inputs      []string
	// ReferencedBytes is the aggregate size of the instances the chain
	// refers to; it drives submission backpressure.
	ReferencedBytes int64

	cancelled atomic.Bool
	status    atomic.Value // ChainStatus
}

// NewChain builds a chain over the given jobs.
func NewChain(description string, inputs []string, referencedBytes int64, jobs ...Job) *Chain {
	c := &Chain{
		ID:              uuid.New(),
		Description:     description,
		Jobs:            jobs,
		Inputs:          inputs,
		ReferencedBytes: referencedBytes,
	}
	c.status.Store(ChainPending)
	return c
}

// Cancel flags the chain; the flag is honored between jobs.
func (c *Chain) Cancel() {
	c.cancelled.Store(true)
}

// Status returns the current lifecycle state.
func (c *Chain) Status() ChainStatus {
	return c.status.Load().(ChainStatus)
}

var (
	chainsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_scheduler_chains_total",
		Help: "Completed job chains by final status",
	}, []string{"status"})

	chainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archive_scheduler_chain_seconds",
		Help:    "Wall-clock duration of job chains",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})
)

// DefaultParallelism bounds concurrently running chains.
const DefaultParallelism = 10

// Scheduler runs chains on a bounded worker pool. The submission queue is
// unbounded in length but bounded in the aggregate size of referenced
// instances; exceeding the cap blocks the submitter.
type Scheduler struct {
	workers     int
	maxQueued   int64 // bytes; 0 disables backpressure
	queuedBytes int64

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Chain
	chains map[uuid.UUID]*Chain

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New builds a scheduler with the given parallelism and queued-bytes cap.
func New(workers int, maxQueuedBytes int64) *Scheduler {
	if workers <= 0 {
		workers = DefaultParallelism
	}
	s := &Scheduler{
		workers:   workers,
		maxQueued: maxQueuedBytes,
		chains:    make(map[uuid.UUID]*Chain),
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Submit enqueues a chain, blocking while the aggregate referenced size of
// queued chains exceeds the cap.
func (s *Scheduler) Submit(c *Chain) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return uuid.Nil, errs.New(errs.InternalError, "scheduler is not running")
	}
	for s.maxQueued > 0 && s.queuedBytes > 0 && s.queuedBytes+c.ReferencedBytes > s.maxQueued {
		s.cond.Wait()
		if !s.started {
			return uuid.Nil, errs.New(errs.Cancelled, "scheduler stopped")
		}
	}
	s.queuedBytes += c.ReferencedBytes
	s.queue = append(s.queue, c)
	s.chains[c.ID] = c
	s.cond.Broadcast()
	log.Debug().Str("chain", c.ID.String()).Str("description", c.Description).Msg("Chain submitted")
	return c.ID, nil
}

// Cancel flags a chain for cancellation.
func (s *Scheduler) Cancel(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[id]
	if !ok {
		return errs.Newf(errs.InexistentItem, "unknown chain %s", id)
	}
	c.Cancel()
	return nil
}

// Status reports the lifecycle state of a chain.
func (s *Scheduler) Status(id uuid.UUID) (ChainStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[id]
	if !ok {
		return "", errs.Newf(errs.InexistentItem, "unknown chain %s", id)
	}
	return c.Status(), nil
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && s.started {
			s.cond.Wait()
		}
		if !s.started && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		c := s.queue[0]
		s.queue = s.queue[1:]
		s.queuedBytes -= c.ReferencedBytes
		s.cond.Broadcast()
		s.mu.Unlock()

		s.run(c)
	}
}

// run executes the jobs of one chain sequentially. Each chain is owned by
// exactly one worker at a time.
func (s *Scheduler) run(c *Chain) {
	start := time.Now()
	c.status.Store(ChainRunning)
	ctx := context.Background()

	inputs := c.Inputs
	final := ChainSucceeded
	for _, job := range c.Jobs {
		if c.cancelled.Load() {
			final = ChainCancelled
			break
		}
		outputs, err := job.Apply(ctx, inputs)
		if err != nil {
			if !job.IgnoreExceptions() {
				log.Warn().Err(err).Str("chain", c.ID.String()).Msg("Chain job failed")
				final = ChainFailed
				break
			}
			log.Debug().Err(err).Str("chain", c.ID.String()).Msg("Chain job error ignored")
		}
		inputs = outputs
	}

	c.status.Store(final)
	chainsTotal.WithLabelValues(string(final)).Inc()
	chainDuration.Observe(time.Since(start).Seconds())
	log.Info().
		Str("chain", c.ID.String()).
		Str("description", c.Description).
		Str("status", string(final)).
		Dur("elapsed", time.Since(start)).
		Msg("Chain finished")
}

// Stop refuses new submissions and waits for the workers to exit. Workers
// run every chain still queued before they exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cond.Broadcast()
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
}
