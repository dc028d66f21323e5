package regen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"landing-ai-api/internal/domain/entity"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("remote status %d", e.code) }
func (e *statusErr) Transient() bool { return e.code >= 500 }

type call struct {
	req RegenerateRequest
	at  time.Time
}

// scriptedRegenerator 按 (区块, 视口, 第几次调用) 决定结果
type scriptedRegenerator struct {
	mu    sync.Mutex
	clock Clock
	calls []call
	count map[string]int
	fn    func(req RegenerateRequest, n int) (*entity.ContentRef, error)
}

func newScripted(clock Clock, fn func(req RegenerateRequest, n int) (*entity.ContentRef, error)) *scriptedRegenerator {
	return &scriptedRegenerator{clock: clock, count: make(map[string]int), fn: fn}
}

func (s *scriptedRegenerator) Regenerate(_ context.Context, req RegenerateRequest) (*entity.ContentRef, error) {
	s.mu.Lock()
	key := fmt.Sprintf("%d/%s", req.BlockID, req.TargetVariant)
	s.count[key]++
	n := s.count[key]
	s.calls = append(s.calls, call{req: req, at: s.clock.Now()})
	s.mu.Unlock()
	return s.fn(req, n)
}

func (s *scriptedRegenerator) callsFor(blockID int64) []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []call
	for _, c := range s.calls {
		if c.req.BlockID == blockID {
			out = append(out, c)
		}
	}
	return out
}

func artifact(id int64) *entity.ContentRef {
	return &entity.ContentRef{ArtifactID: id, URL: fmt.Sprintf("https://cdn.example.com/%d.png", id)}
}

func task(id int64, variant entity.Variant) entity.RegenerationTask {
	block := entity.ContentBlock{ID: entity.DurableID(id)}
	return entity.NewRegenerationTask(block, entity.StyleParams{Kind: entity.StyleNamed, Name: "minimal"}, entity.ModeLight, variant)
}
