// Package coordinator glues optimizer events to builder runs: at most one
// run in flight, non-blocking checks only.
package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/automlkit/ensembled/internal/builder"
	"github.com/automlkit/ensembled/internal/config"
	"github.com/automlkit/ensembled/internal/history"
)

// Runner is one asynchronous builder invocation. *builder.Driver satisfies it.
type Runner interface {
	Run(ctx context.Context, endAt time.Time, iteration int) builder.Result
}

// future holds the pending result of an in-flight run.
type future struct {
	done   chan struct{}
	result builder.Result
}

// Coordinator is invoked once per optimizer callback or poll tick. Every
// call is non-blocking: it polls the previous run's future, harvests it if
// complete, and submits a new run when none is outstanding.
type Coordinator struct {
	Runner  Runner
	History *history.Log

	// TimeLimit bounds total elapsed building time; MaxIterations bounds
	// submissions (0 disables either). Both are advisory for future
	// submissions only; an in-flight run always completes.
	TimeLimit     time.Duration
	MaxIterations int

	mu        sync.Mutex
	start     time.Time
	iteration int
	pending   *future
	nbest     config.IntOrFloat
	sem       *semaphore.Weighted
}

func New(runner Runner, hist *history.Log, timeLimit time.Duration, maxIterations int, nbest config.IntOrFloat) *Coordinator {
	return &Coordinator{
		Runner:        runner,
		History:       hist,
		TimeLimit:     timeLimit,
		MaxIterations: maxIterations,
		start:         time.Now(),
		nbest:         nbest,
		sem:           semaphore.NewWeighted(1),
	}
}

// OnEvent performs one non-blocking scheduling step.
func (c *Coordinator) OnEvent(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.start)
	if c.TimeLimit > 0 && elapsed > c.TimeLimit {
		log.Printf("coordinator: terminating ensemble building, no time left (ran for %s)", elapsed.Round(time.Second))
		return
	}
	if c.MaxIterations > 0 && c.iteration >= c.MaxIterations {
		log.Printf("coordinator: terminating ensemble building, max iterations reached (%d)", c.MaxIterations)
		return
	}

	if c.pending != nil {
		select {
		case <-c.pending.done:
			res := c.pending.result
			c.pending = nil
			c.History.Extend(res.History)
			c.nbest = res.NBest
			log.Printf("coordinator: iteration result merged, %d new snapshots, ensemble_nbest=%s",
				len(res.History), res.NBest)
		default:
			// Previous run still in flight; do nothing this tick.
			return
		}
	}

	if !c.sem.TryAcquire(1) {
		return
	}

	endAt := c.start.Add(c.TimeLimit)
	if c.TimeLimit <= 0 {
		endAt = time.Now().Add(24 * time.Hour)
	}
	f := &future{done: make(chan struct{})}
	c.pending = f
	iteration := c.iteration
	c.iteration++
	log.Printf("coordinator: starting ensemble builder run for iteration %d", iteration)

	// The run outlives the triggering call (an HTTP trigger's request
	// context ends with the response), so detach cancellation.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer c.sem.Release(1)
		defer close(f.done)
		f.result = c.Runner.Run(runCtx, endAt, iteration)
	}()
}

// Status is a point-in-time view for the HTTP API.
type Status struct {
	Iteration int               `json:"iteration"`
	Running   bool              `json:"running"`
	Elapsed   time.Duration     `json:"elapsed"`
	NBest     config.IntOrFloat `json:"-"`
	NBestStr  string            `json:"ensemble_nbest"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	running := false
	if c.pending != nil {
		select {
		case <-c.pending.done:
		default:
			running = true
		}
	}
	return Status{
		Iteration: c.iteration,
		Running:   running,
		Elapsed:   time.Since(c.start),
		NBest:     c.nbest,
		NBestStr:  c.nbest.String(),
	}
}
