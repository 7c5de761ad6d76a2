package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klaasnotfound/vegeo-backend/internal/geo"
	"github.com/klaasnotfound/vegeo-backend/internal/types"
)

// mockScanner returns one alert per segment after a delay.
type mockScanner struct {
	delay     time.Duration
	failIDs   map[int64]bool
	callCount atomic.Int32
}

func (m *mockScanner) ScanSegment(ctx context.Context, seg types.PowerLineSegment) ([]types.VegetationAlert, int, error) {
	m.callCount.Add(1)

	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-time.After(m.delay):
	}

	if m.failIDs[seg.ID] {
		return nil, 0, errors.New("simulated failure")
	}

	id := seg.ID
	a := types.VegetationAlert{Lat: seg.Geometry[0].Lat, Lon: seg.Geometry[0].Lon, Risk: 5, SegmentID: &id}
	return []types.VegetationAlert{a}, 3, nil
}

func makeTasks(n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{
			Index: i,
			Segment: types.PowerLineSegment{
				ID:       int64(100 + i),
				Geometry: []geo.GeoPoint{{Lat: float64(i), Lon: float64(-i)}},
			},
		}
	}
	return tasks
}

func TestPool_BasicExecution(t *testing.T) {
	scanner := &mockScanner{delay: 10 * time.Millisecond}

	pool := New(Config{
		Workers: 2,
		Scanner: scanner,
	})

	tasks := makeTasks(3)
	results := pool.Run(context.Background(), tasks)

	if len(results) != len(tasks) {
		t.Fatalf("Expected %d results, got %d", len(tasks), len(results))
	}

	for i, r := range results {
		if r.Err != nil {
			t.Errorf("Unexpected error for segment %d: %v", r.Task.Segment.ID, r.Err)
		}
		if r.Task.Index != i {
			t.Errorf("Expected result %d to belong to task %d, got %d", i, i, r.Task.Index)
		}
		if len(r.Alerts) != 1 || *r.Alerts[0].SegmentID != r.Task.Segment.ID {
			t.Errorf("Unexpected alerts for segment %d: %v", r.Task.Segment.ID, r.Alerts)
		}
		if r.Spots != 3 {
			t.Errorf("Expected 3 spots, got %d", r.Spots)
		}
	}

	if scanner.callCount.Load() != int32(len(tasks)) {
		t.Errorf("Expected %d scanner calls, got %d", len(tasks), scanner.callCount.Load())
	}
}

func TestPool_Parallelism(t *testing.T) {
	scanner := &mockScanner{delay: 50 * time.Millisecond}

	pool := New(Config{
		Workers: 4,
		Scanner: scanner,
	})

	tasks := makeTasks(8)

	start := time.Now()
	results := pool.Run(context.Background(), tasks)
	elapsed := time.Since(start)

	// 4 workers, 8 tasks at 50ms each: two rounds.
	maxExpected := 200 * time.Millisecond
	if elapsed > maxExpected {
		t.Errorf("Expected parallel execution in ~100ms, took %v", elapsed)
	}

	if len(results) != len(tasks) {
		t.Errorf("Expected %d results, got %d", len(tasks), len(results))
	}
}

func TestPool_ResultsOrderedByIndex(t *testing.T) {
	pool := New(Config{
		Workers: 8,
		Scanner: &mockScanner{},
	})

	results := pool.Run(context.Background(), makeTasks(50))
	for i, r := range results {
		if r.Task.Index != i {
			t.Fatalf("Result %d has index %d", i, r.Task.Index)
		}
	}
}

func TestPool_ErrorHandling(t *testing.T) {
	scanner := &mockScanner{
		delay:   10 * time.Millisecond,
		failIDs: map[int64]bool{101: true},
	}

	pool := New(Config{
		Workers: 2,
		Scanner: scanner,
	})

	results := pool.Run(context.Background(), makeTasks(3))

	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}

	var successCount, failCount int
	for _, r := range results {
		if r.Err != nil {
			failCount++
			if r.Task.Segment.ID != 101 {
				t.Errorf("Unexpected failure for segment %d", r.Task.Segment.ID)
			}
		} else {
			successCount++
		}
	}

	if successCount != 2 {
		t.Errorf("Expected 2 successes, got %d", successCount)
	}
	if failCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failCount)
	}
}

func TestPool_Cancellation(t *testing.T) {
	scanner := &mockScanner{delay: 100 * time.Millisecond}

	pool := New(Config{
		Workers: 2,
		Scanner: scanner,
	})

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results := pool.Run(ctx, makeTasks(10))
	elapsed := time.Since(start)

	if elapsed > 200*time.Millisecond {
		t.Errorf("Expected early cancellation, took %v", elapsed)
	}

	if len(results) != 10 {
		t.Errorf("Expected a result for every task, got %d", len(results))
	}

	var cancelledCount int
	for _, r := range results {
		if errors.Is(r.Err, context.Canceled) {
			cancelledCount++
		}
	}
	if cancelledCount == 0 {
		t.Error("Expected cancelled results")
	}
}

func TestPool_ProgressCallback(t *testing.T) {
	var progressCalls atomic.Int32
	var lastCompleted, lastTotal int

	pool := New(Config{
		Workers: 2,
		Scanner: &mockScanner{delay: 10 * time.Millisecond},
		OnProgress: func(completed, total, failed int) {
			progressCalls.Add(1)
			lastCompleted = completed
			lastTotal = total
		},
	})

	pool.Run(context.Background(), makeTasks(3))

	if progressCalls.Load() != 3 {
		t.Errorf("Expected 3 progress callbacks, got %d", progressCalls.Load())
	}
	if lastCompleted != 3 {
		t.Errorf("Expected lastCompleted=3, got %d", lastCompleted)
	}
	if lastTotal != 3 {
		t.Errorf("Expected lastTotal=3, got %d", lastTotal)
	}
}

func TestPool_EmptyTasks(t *testing.T) {
	scanner := &mockScanner{}

	pool := New(Config{
		Workers: 2,
		Scanner: scanner,
	})

	results := pool.Run(context.Background(), nil)

	if len(results) != 0 {
		t.Errorf("Expected 0 results for empty tasks, got %d", len(results))
	}
	if scanner.callCount.Load() != 0 {
		t.Errorf("Expected 0 scanner calls for empty tasks, got %d", scanner.callCount.Load())
	}
}
