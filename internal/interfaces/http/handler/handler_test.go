package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"landing-ai-api/internal/application/stream"
	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/internal/domain/repository"
	"landing-ai-api/internal/interfaces/http/dto"
	"landing-ai-api/pkg/errors"
)

type fakePages struct {
	mu       sync.Mutex
	nextID   int64
	blocks   map[int64]*entity.ContentBlock
	history  map[int64]*entity.DurableHistory
	appended []entity.HistoryEntry
}

func newFakePages() *fakePages {
	return &fakePages{
		nextID:  100,
		blocks:  map[int64]*entity.ContentBlock{},
		history: map[int64]*entity.DurableHistory{},
	}
}

func (f *fakePages) SaveBlocks(_ context.Context, _ string, blocks []entity.ContentBlock) ([]entity.ContentBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]entity.ContentBlock, len(blocks))
	for i, b := range blocks {
		if !b.ID.IsDurable() {
			f.nextID++
			b.ID = entity.DurableID(f.nextID)
		}
		cp := b.Clone()
		f.blocks[b.ID.Int64()] = &cp
		out[i] = b
	}
	return out, nil
}

func (f *fakePages) ListBlocks(context.Context, string) ([]entity.ContentBlock, error) {
	return nil, nil
}

func (f *fakePages) Block(_ context.Context, id int64) (*entity.ContentBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[id]
	if !ok {
		return nil, errors.ErrBlockNotFound
	}
	cp := b.Clone()
	return &cp, nil
}

func (f *fakePages) FetchHistory(_ context.Context, id int64) (*entity.DurableHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.history[id]
	if !ok {
		return nil, errors.ErrNotYetSaved
	}
	return h, nil
}

func (f *fakePages) Restore(_ context.Context, id int64, variant entity.Variant, artifactID int64) (*entity.ContentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.history[id].Contains(artifactID)
	if !ok {
		return nil, errors.ErrArtifactNotFound
	}
	f.blocks[id].SetRef(variant, ref)
	return ref.Clone(), nil
}

func (f *fakePages) AppendHistory(_ context.Context, entry entity.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, entry)
	return nil
}

type fakeBatch struct {
	mu      sync.Mutex
	key     string
	params  entity.BatchParams
	err     error
	polls   []*entity.BatchJob
	polled  int
	cancels int
}

func (f *fakeBatch) Submit(_ context.Context, pageID string, params entity.BatchParams, key string) (*entity.BatchJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key, f.params = key, params
	job := entity.NewBatchJob(pageID, json.RawMessage(`{}`))
	job.ID = uuid.NewString()
	job.Total = len(params.Targets)
	return job, nil
}

func (f *fakeBatch) Get(context.Context, string) (*entity.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.polls) == 0 {
		return nil, errors.ErrJobNotFound
	}
	i := min(f.polled, len(f.polls)-1)
	f.polled++
	return f.polls[i], nil
}

func (f *fakeBatch) Cancel(_ context.Context, jobID string) (*entity.BatchJob, error) {
	f.cancels++
	job := &entity.BatchJob{ID: jobID, Status: entity.BatchStatusRunning}
	job.RequestCancel()
	return job, nil
}

func (f *fakeBatch) ListByPage(_ context.Context, _ string, p repository.Pagination) (*repository.PagedResult[*entity.BatchJob], error) {
	return repository.NewPagedResult([]*entity.BatchJob{}, 0, p), nil
}

func newTestEngine(pages PageService, batch BatchService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	blocks := NewBlockHandler(pages)
	hist := NewHistoryHandler(pages)
	jobs := NewJobHandler(batch)
	streams := NewStreamHandler(batch)
	streams.poll = time.Millisecond

	r.PUT("/v1/pages/:pid/blocks", blocks.SaveBlocks)
	r.GET("/v1/blocks/:bid/history", hist.GetHistory)
	r.POST("/v1/blocks/:bid/history", hist.AppendHistory)
	r.POST("/v1/blocks/:bid/restore", hist.Restore)
	r.POST("/v1/pages/:pid/regenerations", jobs.SubmitRegeneration)
	r.DELETE("/v1/jobs/:jid", jobs.CancelJob)
	r.GET("/v1/jobs/:jid/stream", streams.StreamJob)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var resp dto.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestSaveBlocksReturnsDurableIDsInOrder(t *testing.T) {
	pages := newFakePages()
	r := newTestEngine(pages, &fakeBatch{})

	eph := entity.NewEphemeralID()
	body := map[string]any{"blocks": []entity.ContentBlock{
		{ID: entity.DurableID(7), Ordinal: 0},
		{ID: eph, Ordinal: 1},
	}}
	w := do(t, r, http.MethodPut, "/v1/pages/"+uuid.NewString()+"/blocks", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want 200 (%s)", w.Code, w.Body.String())
	}

	var resp dto.Response[dto.BlockListResponse]
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := resp.Data.Blocks
	if len(got) != 2 {
		t.Fatalf("blocks: got %d want 2", len(got))
	}
	if got[0].ID != entity.DurableID(7) {
		t.Fatalf("durable id changed: got %v", got[0].ID)
	}
	if !got[1].ID.IsDurable() || got[1].Ordinal != 1 {
		t.Fatalf("ephemeral block not resolved: %+v", got[1])
	}
}

func TestHistoryRoutesRejectEphemeralIDs(t *testing.T) {
	r := newTestEngine(newFakePages(), &fakeBatch{})

	w := do(t, r, http.MethodGet, "/v1/blocks/"+uuid.NewString()+"/history", nil, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d want 422", w.Code)
	}
	if got := decodeError(t, w).Error.ErrorCode; got != string(errors.CodeNotPersisted) {
		t.Fatalf("error code: got %s want %s", got, errors.CodeNotPersisted)
	}
}

func TestGetHistoryUnsavedBlock(t *testing.T) {
	r := newTestEngine(newFakePages(), &fakeBatch{})

	w := do(t, r, http.MethodGet, "/v1/blocks/42/history", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: got %d want 404", w.Code)
	}
	if got := decodeError(t, w).Error.ErrorCode; got != string(errors.CodeNotYetSaved) {
		t.Fatalf("error code: got %s want %s", got, errors.CodeNotYetSaved)
	}
}

func TestGetHistoryEncodesEmptyArrays(t *testing.T) {
	pages := newFakePages()
	pages.history[5] = &entity.DurableHistory{}
	r := newTestEngine(pages, &fakeBatch{})

	w := do(t, r, http.MethodGet, "/v1/blocks/5/history", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want 200", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"history":[]`)) ||
		!bytes.Contains(w.Body.Bytes(), []byte(`"original_images":[]`)) {
		t.Fatalf("expected empty arrays, got %s", w.Body.String())
	}
}

func TestRestoreReturnsUpdatedBlock(t *testing.T) {
	pages := newFakePages()
	pages.blocks[5] = &entity.ContentBlock{ID: entity.DurableID(5), ContentRef: &entity.ContentRef{ArtifactID: 2, URL: "u2"}}
	pages.history[5] = &entity.DurableHistory{OriginalImages: []entity.ContentRef{{ArtifactID: 1, URL: "u1"}}}
	r := newTestEngine(pages, &fakeBatch{})

	w := do(t, r, http.MethodPost, "/v1/blocks/5/restore", dto.RestoreRequest{ArtifactID: 1}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want 200 (%s)", w.Code, w.Body.String())
	}
	var resp dto.Response[dto.RestoreResponse]
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Data.Success || resp.Data.Block == nil {
		t.Fatalf("unexpected response: %+v", resp.Data)
	}
	if got := resp.Data.Block.ContentRef; got == nil || got.ArtifactID != 1 {
		t.Fatalf("desktop ref: got %+v want artifact 1", got)
	}
}

func TestRestoreValidation(t *testing.T) {
	pages := newFakePages()
	pages.blocks[5] = &entity.ContentBlock{ID: entity.DurableID(5)}
	pages.history[5] = &entity.DurableHistory{}
	r := newTestEngine(pages, &fakeBatch{})

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing artifact", map[string]any{"variant": "desktop"}, http.StatusBadRequest},
		{"both variants", dto.RestoreRequest{ArtifactID: 1, Variant: entity.VariantBoth}, http.StatusBadRequest},
		{"unknown artifact", dto.RestoreRequest{ArtifactID: 9}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/v1/blocks/5/restore", tt.body, nil)
			if w.Code != tt.want {
				t.Fatalf("status: got %d want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAppendHistoryUsesPathID(t *testing.T) {
	pages := newFakePages()
	r := newTestEngine(pages, &fakeBatch{})

	entry := entity.HistoryEntry{
		BlockID: entity.DurableID(99),
		Variant: entity.VariantDesktop,
		After:   &entity.ContentRef{ArtifactID: 3, URL: "u3"},
		Action:  entity.ActionManualReplace,
	}
	w := do(t, r, http.MethodPost, "/v1/blocks/5/history", entry, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d want 201 (%s)", w.Code, w.Body.String())
	}
	if len(pages.appended) != 1 || pages.appended[0].BlockID != entity.DurableID(5) {
		t.Fatalf("appended: got %+v", pages.appended)
	}
}

func TestSubmitRegenerationForwardsIdempotencyKey(t *testing.T) {
	batch := &fakeBatch{}
	r := newTestEngine(newFakePages(), batch)

	body := dto.RegenerationRequest{
		Targets: []entity.BlockID{entity.DurableID(1), entity.DurableID(2)},
		Style:   entity.StyleParams{Kind: entity.StyleNamed, Name: "bold"},
		Mode:    entity.ModeLight,
	}
	w := do(t, r, http.MethodPost, "/v1/pages/"+uuid.NewString()+"/regenerations", body,
		map[string]string{"Idempotency-Key": "abc"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: got %d want 202 (%s)", w.Code, w.Body.String())
	}
	if batch.key != "abc" {
		t.Fatalf("idempotency key: got %q want abc", batch.key)
	}
	if len(batch.params.Targets) != 2 || batch.params.Style.Name != "bold" {
		t.Fatalf("params not forwarded: %+v", batch.params)
	}
}

func TestSubmitRegenerationErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body any
		want int
	}{
		{"no targets", nil, map[string]any{"targets": []int{}}, http.StatusBadRequest},
		{"busy", errors.ErrBatchBusy, dto.RegenerationRequest{Targets: []entity.BlockID{entity.DurableID(1)}}, http.StatusConflict},
		{"unsaved target", errors.ErrNotPersisted, dto.RegenerationRequest{Targets: []entity.BlockID{entity.NewEphemeralID()}}, http.StatusUnprocessableEntity},
		{"bad reference", errors.ErrInvalidReference, dto.RegenerationRequest{Targets: []entity.BlockID{entity.DurableID(1)}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestEngine(newFakePages(), &fakeBatch{err: tt.err})
			w := do(t, r, http.MethodPost, "/v1/pages/p/regenerations", tt.body, nil)
			if w.Code != tt.want {
				t.Fatalf("status: got %d want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestCancelJob(t *testing.T) {
	batch := &fakeBatch{}
	r := newTestEngine(newFakePages(), batch)

	w := do(t, r, http.MethodDelete, "/v1/jobs/"+uuid.NewString(), nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want 200", w.Code)
	}
	var resp dto.Response[dto.CancelJobResponse]
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Data.Cancelled || resp.Data.Status != string(entity.BatchStatusCancelling) || batch.cancels != 1 {
		t.Fatalf("cancel: got %+v, calls %d", resp.Data, batch.cancels)
	}
}

func jobAt(status entity.BatchStatus, completed, total int) *entity.BatchJob {
	return &entity.BatchJob{ID: "job", Status: status, Completed: completed, Total: total}
}

func TestStreamJobEmitsProgressThenComplete(t *testing.T) {
	done := jobAt(entity.BatchStatusCompleted, 2, 2)
	done.Succeeded = 2
	batch := &fakeBatch{polls: []*entity.BatchJob{
		jobAt(entity.BatchStatusRunning, 0, 2),
		jobAt(entity.BatchStatusRunning, 0, 2),
		jobAt(entity.BatchStatusRunning, 1, 2),
		done,
	}}
	r := newTestEngine(newFakePages(), batch)

	w := do(t, r, http.MethodGet, "/v1/jobs/job/stream", nil, nil)
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type: got %q", got)
	}

	var progress []entity.Progress
	ev, err := stream.Consume(context.Background(), w.Body, func(ev stream.Event) {
		progress = append(progress, *ev.Progress)
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if ev.Progress == nil || !ev.Progress.Done() {
		t.Fatalf("complete frame progress: got %+v", ev.Progress)
	}
	want := []entity.Progress{{Completed: 0, Total: 2}, {Completed: 1, Total: 2}}
	if len(progress) != len(want) {
		t.Fatalf("progress frames: got %v want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress[%d]: got %v want %v", i, progress[i], want[i])
		}
	}
}

func TestStreamJobEndsWithErrorFrame(t *testing.T) {
	failed := jobAt(entity.BatchStatusFailed, 0, 2)
	failed.ErrorMessage = "save failed"
	tests := []struct {
		name string
		job  *entity.BatchJob
		want string
	}{
		{"failed", failed, "save failed"},
		{"cancelled", jobAt(entity.BatchStatusCancelled, 1, 2), "batch cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestEngine(newFakePages(), &fakeBatch{polls: []*entity.BatchJob{tt.job}})
			w := do(t, r, http.MethodGet, "/v1/jobs/job/stream", nil, nil)

			_, err := stream.Consume(context.Background(), w.Body, nil)
			if !errors.HasCode(err, errors.CodeStreamError) {
				t.Fatalf("got %v want stream error", err)
			}
			if appErr := errors.AsAppError(err); appErr.Message != tt.want {
				t.Fatalf("message: got %q want %q", appErr.Message, tt.want)
			}
		})
	}
}

func TestStreamUnknownJob(t *testing.T) {
	r := newTestEngine(newFakePages(), &fakeBatch{})
	w := do(t, r, http.MethodGet, "/v1/jobs/nope/stream", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: got %d want 404", w.Code)
	}
}
