// Package worker provides a parallel power line segment scanning pool.
package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/klaasnotfound/vegeo-backend/internal/types"
)

// Scanner scores one power line segment and returns its alert candidates.
// This matches the signature of pipeline.Aggregator.ScanSegment.
type Scanner interface {
	ScanSegment(ctx context.Context, seg types.PowerLineSegment) (alerts []types.VegetationAlert, spots int, err error)
}

// Task represents a single segment scan.
type Task struct {
	Index   int
	Segment types.PowerLineSegment
}

// Result represents the outcome of a segment scan.
type Result struct {
	Task    Task
	Alerts  []types.VegetationAlert
	Spots   int
	Err     error
	Elapsed time.Duration
}

// ProgressFunc is called after each task completes.
type ProgressFunc func(completed, total, failed int)

// Config configures the worker pool.
type Config struct {
	Workers    int
	Scanner    Scanner
	OnProgress ProgressFunc
}

// Pool manages parallel segment scans.
type Pool struct {
	workers    int
	scanner    Scanner
	onProgress ProgressFunc
}

// New creates a new worker pool.
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Pool{
		workers:    workers,
		scanner:    cfg.Scanner,
		onProgress: cfg.OnProgress,
	}
}

// Run executes all tasks and returns results ordered by Task.Index.
// The function blocks until all tasks complete or the context is cancelled.
func (p *Pool) Run(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	taskCh := make(chan Task, len(tasks))
	resultCh := make(chan Result, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, taskCh, resultCh)
		}()
	}

	for _, task := range tasks {
		taskCh <- task
	}
	close(taskCh)

	results := make([]Result, 0, len(tasks))
	done := make(chan struct{})

	go func() {
		completed, failed := 0, 0
		for result := range resultCh {
			results = append(results, result)

			completed++
			if result.Err != nil {
				failed++
			}
			if p.onProgress != nil {
				p.onProgress(completed, len(tasks), failed)
			}
		}
		close(done)
	}()

	wg.Wait()
	close(resultCh)
	<-done

	sort.Slice(results, func(i, j int) bool { return results[i].Task.Index < results[j].Task.Index })
	return results
}

// worker processes tasks from the task channel and sends results to the result channel.
func (p *Pool) worker(ctx context.Context, tasks <-chan Task, results chan<- Result) {
	for task := range tasks {
		if err := ctx.Err(); err != nil {
			results <- Result{Task: task, Err: err}
			continue
		}

		start := time.Now()
		alerts, spots, err := p.scanner.ScanSegment(ctx, task.Segment)

		results <- Result{
			Task:    task,
			Alerts:  alerts,
			Spots:   spots,
			Err:     err,
			Elapsed: time.Since(start),
		}
	}
}
