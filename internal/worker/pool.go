// README: Bounded worker pool for fire-and-forget side effects (gateway notify, fan-out, rating recompute).
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Job func(ctx context.Context) error

type task struct {
	name string
	run  Job
}

type Pool struct {
	queue   chan task
	timeout time.Duration
	log     *zap.Logger

	closing   *atomic.Bool
	submitted *atomic.Int64
	dropped   *atomic.Int64
	failed    *atomic.Int64

	mu sync.RWMutex // guards queue close against concurrent Submit
	wg sync.WaitGroup
}

func NewPool(workers, queueSize int, timeout time.Duration, log *zap.Logger) *Pool {
	p := &Pool{
		queue:     make(chan task, queueSize),
		timeout:   timeout,
		log:       log,
		closing:   atomic.NewBool(false),
		submitted: atomic.NewInt64(0),
		dropped:   atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	return p
}

// Submit enqueues job without blocking. It returns false when the pool is closing or full.
func (p *Pool) Submit(name string, job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closing.Load() {
		p.dropped.Inc()
		return false
	}
	select {
	case p.queue <- task{name: name, run: job}:
		p.submitted.Inc()
		return true
	default:
		p.dropped.Inc()
		p.log.Warn("side-effect queue full, dropping job", zap.String("job", name))
		return false
	}
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	for t := range p.queue {
		p.run(id, t)
	}
}

func (p *Pool) run(id int, t task) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.failed.Inc()
			p.log.Error("side-effect job panicked", zap.String("job", t.name), zap.Any("panic", r))
		}
	}()
	if err := t.run(ctx); err != nil {
		p.failed.Inc()
		p.log.Warn("side-effect job failed", zap.Int("worker", id), zap.String("job", t.name), zap.Error(err))
	}
}

// Shutdown stops intake and waits for queued jobs to drain or ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.closing.CAS(false, true) {
		p.mu.Lock()
		close(p.queue)
		p.mu.Unlock()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Stats struct {
	Submitted int64 `json:"submitted"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
	Queued    int   `json:"queued"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
		Queued:    len(p.queue),
	}
}

// Inline runs jobs synchronously on the caller's goroutine with the same timeout discipline.
type Inline struct {
	Timeout time.Duration
	Log     *zap.Logger
}

func (i Inline) Submit(name string, job Job) bool {
	timeout := i.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := job(ctx); err != nil && i.Log != nil {
		i.Log.Warn("side-effect job failed", zap.String("job", name), zap.Error(err))
	}
	return true
}
