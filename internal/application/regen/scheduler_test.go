package regen

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/errors"
)

func tasks(n int) []entity.RegenerationTask {
	out := make([]entity.RegenerationTask, n)
	for i := range out {
		out[i] = task(int64(i+1), entity.VariantDesktop)
	}
	return out
}

func TestSchedulerNeverExceedsLimit(t *testing.T) {
	for _, n := range []int{1, 2, 5, 9} {
		var inFlight, peak atomic.Int32
		exec := func(ctx context.Context, tk entity.RegenerationTask) entity.TaskOutcome {
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(time.Duration(tk.BlockID.Int64()%3+1) * time.Millisecond)
			inFlight.Add(-1)
			return entity.TaskOutcome{TaskID: tk.ID, BlockID: tk.BlockID, Success: true}
		}

		var sizes []int
		s := NewScheduler(2).OnWave(func(_, size int) { sizes = append(sizes, size) })
		outcomes, err := s.Run(context.Background(), tasks(n), exec, nil)
		if err != nil {
			t.Fatalf("n=%d: Run: %v", n, err)
		}
		if len(outcomes) != n {
			t.Fatalf("n=%d: outcomes %d", n, len(outcomes))
		}
		if p := peak.Load(); p > 2 {
			t.Fatalf("n=%d: peak in flight %d want <= 2", n, p)
		}
		if wantWaves := (n + 1) / 2; len(sizes) != wantWaves {
			t.Fatalf("n=%d: waves %v", n, sizes)
		}
	}
}

func TestSchedulerProgressIsMonotonic(t *testing.T) {
	const n = 7
	var mu sync.Mutex
	var seen []int
	exec := func(_ context.Context, tk entity.RegenerationTask) entity.TaskOutcome {
		time.Sleep(time.Duration(7-tk.BlockID.Int64()) * time.Millisecond)
		return entity.TaskOutcome{Success: tk.BlockID.Int64()%2 == 0}
	}
	_, err := NewScheduler(2).Run(context.Background(), tasks(n), exec, func(p entity.Progress) {
		mu.Lock()
		defer mu.Unlock()
		if p.Total != n {
			t.Errorf("total: got %d want %d", p.Total, n)
		}
		seen = append(seen, p.Completed)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	reachedN := 0
	for i, c := range seen {
		if i > 0 && c < seen[i-1] {
			t.Fatalf("progress went backwards: %v", seen)
		}
		if c == n {
			reachedN++
		}
	}
	if len(seen) != n || reachedN != 1 || seen[len(seen)-1] != n {
		t.Fatalf("progress sequence %v", seen)
	}
}

func TestSchedulerKeepsInputOrderAndFailures(t *testing.T) {
	exec := func(_ context.Context, tk entity.RegenerationTask) entity.TaskOutcome {
		if tk.BlockID.Int64() == 2 {
			time.Sleep(2 * time.Millisecond)
			return entity.TaskOutcome{ErrorMessage: "boom"}
		}
		return entity.TaskOutcome{Success: true}
	}
	in := tasks(4)
	outcomes, err := NewScheduler(2).Run(context.Background(), in, exec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var got []bool
	for i, o := range outcomes {
		if o.TaskID != in[i].ID || o.BlockID != in[i].BlockID {
			t.Fatalf("outcome %d belongs to %s", i, o.BlockID)
		}
		got = append(got, o.Success)
	}
	if want := []bool{true, false, true, true}; !reflect.DeepEqual(got, want) {
		t.Fatalf("success flags: got %v want %v", got, want)
	}
	for i, want := range []entity.TaskStatus{entity.TaskStatusSucceeded, entity.TaskStatusFailed, entity.TaskStatusSucceeded, entity.TaskStatusSucceeded} {
		if in[i].Status != want || outcomes[i].Status != want {
			t.Fatalf("task %d status: task=%s outcome=%s want %s", i, in[i].Status, outcomes[i].Status, want)
		}
	}
}

func TestSchedulerRecoversPanics(t *testing.T) {
	exec := func(_ context.Context, tk entity.RegenerationTask) entity.TaskOutcome {
		if tk.BlockID.Int64() == 1 {
			panic("executor bug")
		}
		return entity.TaskOutcome{Success: true}
	}
	outcomes, err := NewScheduler(2).Run(context.Background(), tasks(2), exec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcomes[0].Success || outcomes[0].Err == nil || !outcomes[1].Success {
		t.Fatalf("got %+v", outcomes)
	}
	if outcomes[0].Status != entity.TaskStatusFailed {
		t.Fatalf("panicked task status: got %s", outcomes[0].Status)
	}
}

func TestSchedulerCancelStopsLaunchingWaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var launched atomic.Int32
	var cancelledInside atomic.Bool
	exec := func(ctx context.Context, tk entity.RegenerationTask) entity.TaskOutcome {
		launched.Add(1)
		time.Sleep(time.Millisecond)
		if ctx.Err() != nil {
			cancelledInside.Store(true)
		}
		return entity.TaskOutcome{Success: true}
	}

	in := tasks(5)
	_, err := NewScheduler(2).Run(ctx, in, exec, func(p entity.Progress) {
		if p.Completed == 1 {
			cancel()
		}
	})
	if !errors.HasCode(err, errors.CodeBatchCancelled) {
		t.Fatalf("got %v want %s", err, errors.CodeBatchCancelled)
	}
	if n := launched.Load(); n != 2 {
		t.Fatalf("launched %d tasks want only the first wave", n)
	}
	if cancelledInside.Load() {
		t.Fatalf("in-flight call observed cancellation")
	}
	for i, tk := range in {
		want := entity.TaskStatusCreated
		if i < 2 {
			want = entity.TaskStatusSucceeded
		}
		if tk.Status != want {
			t.Fatalf("task %d status: got %s want %s", i, tk.Status, want)
		}
	}
}
