package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"landing-ai-api/internal/application/regen"
	"landing-ai-api/internal/config"
	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/internal/domain/repository"
	"landing-ai-api/internal/infrastructure/messaging"
	"landing-ai-api/pkg/errors"
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]entity.BatchJob
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]entity.BatchJob{}} }

func (m *memJobs) Create(_ context.Context, job *entity.BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memJobs) get(id string) *entity.BatchJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	return &j
}

func (m *memJobs) GetByID(_ context.Context, id string) (*entity.BatchJob, error) {
	return m.get(id), nil
}

func (m *memJobs) GetByIdempotencyKey(_ context.Context, key string) (*entity.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.IdempotencyKey != nil && *j.IdempotencyKey == key {
			cp := j
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memJobs) Update(_ context.Context, job *entity.BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memJobs) UpdateIfStatus(_ context.Context, job *entity.BatchJob, expected ...entity.BatchStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[job.ID]
	if !ok || !slices.Contains(expected, current.Status) {
		return false, nil
	}
	m.jobs[job.ID] = *job
	return true, nil
}

func (m *memJobs) UpdateProgress(_ context.Context, id string, p entity.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if p.Completed >= j.Completed {
		j.Completed, j.Total = p.Completed, p.Total
	}
	m.jobs[id] = j
	return nil
}

func (m *memJobs) GetActiveByPage(_ context.Context, pageID string) (*entity.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.PageID == pageID && !j.Status.Terminal() {
			cp := j
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memJobs) ListByPage(_ context.Context, pageID string, p repository.Pagination) (*repository.PagedResult[*entity.BatchJob], error) {
	return repository.NewPagedResult[*entity.BatchJob](nil, 0, p), nil
}

type memPages struct {
	mu       sync.Mutex
	blocks   []entity.ContentBlock
	saves    int
	appended []entity.HistoryEntry
}

func (p *memPages) SaveBlocks(_ context.Context, _ string, blocks []entity.ContentBlock) ([]entity.ContentBlock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	p.blocks = make([]entity.ContentBlock, len(blocks))
	for i := range blocks {
		p.blocks[i] = blocks[i].Clone()
	}
	out := make([]entity.ContentBlock, len(blocks))
	copy(out, p.blocks)
	return out, nil
}

func (p *memPages) ListBlocks(_ context.Context, _ string) ([]entity.ContentBlock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]entity.ContentBlock, len(p.blocks))
	for i := range p.blocks {
		out[i] = p.blocks[i].Clone()
	}
	return out, nil
}

func (p *memPages) FetchHistory(context.Context, int64) (*entity.DurableHistory, error) {
	return &entity.DurableHistory{}, nil
}

func (p *memPages) Restore(context.Context, int64, entity.Variant, int64) (*entity.ContentRef, error) {
	return nil, errors.ErrArtifactNotFound
}

func (p *memPages) AppendHistory(_ context.Context, entry entity.HistoryEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appended = append(p.appended, entry)
	return nil
}

type stubGen struct {
	mu    sync.Mutex
	next  int64
	fail  map[int64]error
	calls int
	// onCall 在返回结果前调用，用于模拟执行期间的外部操作
	onCall func(blockID int64)
}

func (g *stubGen) Regenerate(_ context.Context, req regen.RegenerateRequest) (*entity.ContentRef, error) {
	if g.onCall != nil {
		g.onCall(req.BlockID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if err, ok := g.fail[req.BlockID]; ok {
		return nil, err
	}
	g.next++
	id := 1000 + g.next
	return &entity.ContentRef{ArtifactID: id, URL: fmt.Sprintf("https://cdn.example/%d.png", id)}, nil
}

type terminalErr struct{}

func (terminalErr) Error() string   { return "bad request" }
func (terminalErr) Transient() bool { return false }

type instantClock struct{}

func (instantClock) Now() time.Time                                   { return time.Now() }
func (instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type stubPublisher struct {
	msgs []*messaging.BatchRegenMessage
	err  error
}

func (p *stubPublisher) PublishBatchRegen(_ context.Context, msg *messaging.BatchRegenMessage) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.msgs = append(p.msgs, msg)
	return "1-0", nil
}

func testConfig() *config.Config {
	return &config.Config{
		Batch:   config.BatchConfig{ConcurrencyLimit: 2, MaxAttempts: 3, BackoffStep: 5 * time.Second},
		History: config.HistoryConfig{LocalCapacity: 10},
	}
}

func seedPage(n int) *memPages {
	p := &memPages{}
	for i := 0; i < n; i++ {
		id := int64(i + 1)
		p.blocks = append(p.blocks, entity.ContentBlock{
			ID:         entity.DurableID(id),
			Ordinal:    i,
			ContentRef: &entity.ContentRef{ArtifactID: 100 + id, URL: fmt.Sprintf("https://cdn.example/%d.png", 100+id)},
		})
	}
	return p
}

func ids(ns ...int64) []entity.BlockID {
	out := make([]entity.BlockID, len(ns))
	for i, n := range ns {
		out[i] = entity.DurableID(n)
	}
	return out
}

func namedParams(targets ...int64) entity.BatchParams {
	return entity.BatchParams{
		Targets: ids(targets...),
		Style:   entity.StyleParams{Kind: entity.StyleNamed, Name: "minimal"},
		Variant: entity.VariantDesktop,
	}
}

func TestSubmitEnqueuesJob(t *testing.T) {
	jobs, pub := newMemJobs(), &stubPublisher{}
	svc := NewService(jobs, seedPage(3), nil, pub, testConfig())
	pageID := uuid.NewString()

	job, err := svc.Submit(context.Background(), pageID, namedParams(1, 2, 3), "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != entity.BatchStatusPending || job.Total != 3 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].JobID != job.ID || pub.msgs[0].PageID != pageID {
		t.Fatalf("unexpected published messages: %+v", pub.msgs)
	}

	var stored entity.BatchParams
	if err := json.Unmarshal(jobs.get(job.ID).Params, &stored); err != nil {
		t.Fatalf("params: %v", err)
	}
	if stored.Mode != entity.ModeLight {
		t.Fatalf("mode should default to light, got %q", stored.Mode)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc := NewService(newMemJobs(), seedPage(1), nil, &stubPublisher{}, testConfig())
	ctx := context.Background()
	pageID := uuid.NewString()

	ephemeral := namedParams()
	ephemeral.Targets = []entity.BlockID{entity.NewEphemeralID()}

	noRef := namedParams(1)
	noRef.Style = entity.StyleParams{Kind: entity.StyleUseReference}

	badVariant := namedParams(1)
	badVariant.Variant = "tablet"

	cases := []struct {
		name   string
		params entity.BatchParams
		code   errors.ErrorCode
	}{
		{"empty selection", namedParams(), errors.CodeInvalidParam},
		{"unsaved target", ephemeral, errors.CodeNotPersisted},
		{"reference style without reference", noRef, errors.CodeInvalidReference},
		{"unknown variant", badVariant, errors.CodeInvalidParam},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Submit(ctx, pageID, tc.params, ""); !errors.HasCode(err, tc.code) {
				t.Fatalf("got %v want code %s", err, tc.code)
			}
		})
	}
}

func TestSubmitIdempotentAndBusy(t *testing.T) {
	jobs, pub := newMemJobs(), &stubPublisher{}
	svc := NewService(jobs, seedPage(2), nil, pub, testConfig())
	ctx := context.Background()
	pageID := uuid.NewString()

	first, err := svc.Submit(ctx, pageID, namedParams(1), "key-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	again, err := svc.Submit(ctx, pageID, namedParams(1), "key-1")
	if err != nil {
		t.Fatalf("Submit with same key: %v", err)
	}
	if again.ID != first.ID || len(pub.msgs) != 1 {
		t.Fatalf("same idempotency key should return the existing job")
	}

	if _, err := svc.Submit(ctx, pageID, namedParams(2), ""); !errors.HasCode(err, errors.CodeBatchBusy) {
		t.Fatalf("second job on busy page: got %v", err)
	}
}

func TestSubmitPublishFailureMarksJobFailed(t *testing.T) {
	jobs := newMemJobs()
	svc := NewService(jobs, seedPage(1), nil, &stubPublisher{err: fmt.Errorf("redis down")}, testConfig())

	_, err := svc.Submit(context.Background(), uuid.NewString(), namedParams(1), "")
	if !errors.HasCode(err, errors.CodeServiceUnavailable) {
		t.Fatalf("got %v want ServiceUnavailable", err)
	}
	for id := range jobs.jobs {
		if jobs.get(id).Status != entity.BatchStatusFailed {
			t.Fatalf("job should be marked failed")
		}
	}
}

func submitAndExecute(t *testing.T, pages *memPages, gen *stubGen, params entity.BatchParams) *entity.BatchJob {
	t.Helper()
	jobs := newMemJobs()
	svc := NewService(jobs, pages, gen, &stubPublisher{}, testConfig())
	svc.clock = instantClock{}
	ctx := context.Background()

	job, err := svc.Submit(ctx, uuid.NewString(), params, "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := svc.Execute(ctx, job.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return jobs.get(job.ID)
}

func TestExecuteCompletesAndPersists(t *testing.T) {
	pages, gen := seedPage(3), &stubGen{}
	job := submitAndExecute(t, pages, gen, namedParams(1, 3))

	if job.Status != entity.BatchStatusCompleted || job.Succeeded != 2 || job.Completed != 2 {
		t.Fatalf("unexpected job: %+v", job)
	}
	// 执行前保存一次，合并后再保存一次
	if pages.saves != 2 {
		t.Fatalf("saves: got %d want 2", pages.saves)
	}
	if pages.blocks[0].ContentRef.ArtifactID < 1000 || pages.blocks[2].ContentRef.ArtifactID < 1000 {
		t.Fatalf("targets should carry new artifacts: %+v", pages.blocks)
	}
	if pages.blocks[1].ContentRef.ArtifactID != 102 {
		t.Fatalf("untargeted block changed: %+v", pages.blocks[1].ContentRef)
	}
	if len(pages.appended) != 2 {
		t.Fatalf("durable history entries: got %d want 2", len(pages.appended))
	}
	for _, e := range pages.appended {
		if e.Action != entity.ActionRegenerate {
			t.Fatalf("unexpected action %q", e.Action)
		}
	}
}

func TestExecutePartialFailure(t *testing.T) {
	pages := seedPage(2)
	gen := &stubGen{fail: map[int64]error{2: terminalErr{}}}
	job := submitAndExecute(t, pages, gen, namedParams(1, 2))

	if job.Status != entity.BatchStatusPartial || job.Succeeded != 1 || job.Failed != 1 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if pages.blocks[1].ContentRef.ArtifactID != 102 {
		t.Fatalf("failed block must keep its artifact")
	}
}

func TestExecuteAllFailed(t *testing.T) {
	pages := seedPage(1)
	gen := &stubGen{fail: map[int64]error{1: terminalErr{}}}
	job := submitAndExecute(t, pages, gen, namedParams(1))

	if job.Status != entity.BatchStatusFailed || job.ErrorMessage == "" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestExecuteSkipsFinishedJob(t *testing.T) {
	jobs, gen := newMemJobs(), &stubGen{}
	svc := NewService(jobs, seedPage(1), gen, &stubPublisher{}, testConfig())
	ctx := context.Background()

	job, err := svc.Submit(ctx, uuid.NewString(), namedParams(1), "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancelled, err := svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != entity.BatchStatusCancelled {
		t.Fatalf("pending job should be cancelled at once, got %s", cancelled.Status)
	}
	if err := svc.Execute(ctx, job.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("cancelled job must not run")
	}
	if err := svc.Execute(ctx, uuid.NewString()); err != nil {
		t.Fatalf("unknown job should be dropped: %v", err)
	}
}

// cancelDuringExecute 在生成 cancelOn 区块时通过 API 取消任务，并尝试为同一页面再提交一个任务
func cancelDuringExecute(t *testing.T, targets []int64, cancelOn int64) (job *entity.BatchJob, pages *memPages, gen *stubGen, cancelled *entity.BatchJob, busyErr error) {
	t.Helper()
	jobs := newMemJobs()
	pages, gen = seedPage(len(targets)), &stubGen{}
	svc := NewService(jobs, pages, gen, &stubPublisher{}, testConfig())
	svc.clock = instantClock{}
	ctx := context.Background()
	pageID := uuid.NewString()

	submitted, err := svc.Submit(ctx, pageID, namedParams(targets...), "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var once sync.Once
	gen.onCall = func(blockID int64) {
		if blockID != cancelOn {
			return
		}
		once.Do(func() {
			cancelled, err = svc.Cancel(ctx, submitted.ID)
			if err != nil {
				t.Errorf("Cancel: %v", err)
			}
			_, busyErr = svc.Submit(ctx, pageID, namedParams(targets[0]), "")
		})
	}

	if err := svc.Execute(ctx, submitted.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return jobs.get(submitted.ID), pages, gen, cancelled, busyErr
}

func assertCancelledUntouched(t *testing.T, job *entity.BatchJob, pages *memPages) {
	t.Helper()
	if job.Status != entity.BatchStatusCancelled {
		t.Fatalf("final status: got %s want cancelled", job.Status)
	}
	// 只有执行前的强制保存
	if pages.saves != 1 {
		t.Fatalf("saves: got %d want 1", pages.saves)
	}
	for i, b := range pages.blocks {
		if want := int64(101 + i); b.ContentRef.ArtifactID != want {
			t.Fatalf("block %d: got artifact %d want %d", i, b.ContentRef.ArtifactID, want)
		}
	}
	if len(pages.appended) != 0 {
		t.Fatalf("durable history written after cancel: %+v", pages.appended)
	}
}

func TestExecuteCancelBetweenWaves(t *testing.T) {
	job, pages, gen, cancelled, busyErr := cancelDuringExecute(t, []int64{1, 2, 3}, 1)

	if cancelled == nil || cancelled.Status != entity.BatchStatusCancelling {
		t.Fatalf("cancel while running should report cancelling, got %+v", cancelled)
	}
	if !errors.HasCode(busyErr, errors.CodeBatchBusy) {
		t.Fatalf("page must stay busy until the worker settles, got %v", busyErr)
	}
	if gen.calls != 2 {
		t.Fatalf("calls: got %d want only the first wave", gen.calls)
	}
	assertCancelledUntouched(t, job, pages)
}

func TestExecuteCancelDuringLastWave(t *testing.T) {
	job, pages, gen, cancelled, busyErr := cancelDuringExecute(t, []int64{1, 2, 3}, 3)

	if cancelled == nil || cancelled.Status != entity.BatchStatusCancelling {
		t.Fatalf("cancel while running should report cancelling, got %+v", cancelled)
	}
	if !errors.HasCode(busyErr, errors.CodeBatchBusy) {
		t.Fatalf("page must stay busy until the worker settles, got %v", busyErr)
	}
	if gen.calls != 3 {
		t.Fatalf("calls: got %d want 3", gen.calls)
	}
	assertCancelledUntouched(t, job, pages)
}

func TestExecuteSettlesJobLeftCancelling(t *testing.T) {
	jobs, gen := newMemJobs(), &stubGen{}
	svc := NewService(jobs, seedPage(1), gen, &stubPublisher{}, testConfig())
	ctx := context.Background()

	job := entity.NewBatchJob(uuid.NewString(), json.RawMessage(`{}`))
	job.ID = uuid.NewString()
	job.Start(1)
	job.RequestCancel()
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.Execute(ctx, job.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := jobs.get(job.ID).Status; got != entity.BatchStatusCancelled {
		t.Fatalf("status: got %s want cancelled", got)
	}
	if gen.calls != 0 {
		t.Fatalf("cancelling job must not run")
	}
}

func TestGetUnknownJob(t *testing.T) {
	svc := NewService(newMemJobs(), seedPage(1), nil, &stubPublisher{}, testConfig())
	if _, err := svc.Get(context.Background(), uuid.NewString()); !errors.HasCode(err, errors.CodeJobNotFound) {
		t.Fatalf("got %v want JobNotFound", err)
	}
	if _, err := svc.Get(context.Background(), "nope"); !errors.HasCode(err, errors.CodeJobNotFound) {
		t.Fatalf("got %v want JobNotFound", err)
	}
}
