package pagestore

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/errors"
)

type memBlocks struct {
	next  int64
	pages map[string][]int64
	rows  map[int64]entity.ContentBlock
}

func newMemBlocks() *memBlocks {
	return &memBlocks{pages: map[string][]int64{}, rows: map[int64]entity.ContentBlock{}}
}

func (m *memBlocks) SaveAll(_ context.Context, pageID string, blocks []entity.ContentBlock) ([]entity.ContentBlock, error) {
	out := make([]entity.ContentBlock, 0, len(blocks))
	ids := make([]int64, 0, len(blocks))
	for i := range blocks {
		b := blocks[i].Clone()
		b.Ordinal = i
		if !b.ID.IsDurable() {
			m.next++
			b.ID = entity.DurableID(m.next)
		} else if _, ok := m.rows[b.ID.Int64()]; !ok {
			return nil, errors.ErrBlockNotFound
		}
		m.rows[b.ID.Int64()] = b.Clone()
		ids = append(ids, b.ID.Int64())
		out = append(out, b)
	}
	m.pages[pageID] = ids
	return out, nil
}

func (m *memBlocks) ListByPage(_ context.Context, pageID string) ([]entity.ContentBlock, error) {
	var out []entity.ContentBlock
	for _, id := range m.pages[pageID] {
		out = append(out, m.rows[id].Clone())
	}
	return out, nil
}

func (m *memBlocks) GetByID(_ context.Context, id int64) (*entity.ContentBlock, error) {
	b, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := b.Clone()
	return &cp, nil
}

func (m *memBlocks) PageOf(_ context.Context, id int64) (string, error) {
	for page, ids := range m.pages {
		for _, x := range ids {
			if x == id {
				return page, nil
			}
		}
	}
	return "", nil
}

func (m *memBlocks) UpdateRef(_ context.Context, id int64, variant entity.Variant, ref *entity.ContentRef) error {
	b, ok := m.rows[id]
	if !ok {
		return errors.ErrBlockNotFound
	}
	b.SetRef(variant, ref)
	m.rows[id] = b
	return nil
}

type memHistory struct {
	entries []entity.HistoryEntry
}

func (m *memHistory) Append(_ context.Context, entry *entity.HistoryEntry) error {
	entry.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memHistory) ListByBlock(_ context.Context, blockID int64, limit int) ([]entity.HistoryEntry, error) {
	var out []entity.HistoryEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].BlockID.Int64() == blockID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *memHistory) ListOriginals(_ context.Context, blockID int64) ([]entity.ContentRef, error) {
	var out []entity.ContentRef
	for _, e := range m.entries {
		if e.BlockID.Int64() == blockID && e.Action == entity.ActionImport && e.After != nil {
			out = append(out, *e.After)
		}
	}
	return out, nil
}

func (m *memHistory) CountByBlocks(_ context.Context, blockIDs []int64) (map[int64]int64, error) {
	out := map[int64]int64{}
	for _, e := range m.entries {
		for _, id := range blockIDs {
			if e.BlockID.Int64() == id {
				out[id]++
			}
		}
	}
	return out, nil
}

type directTx struct{}

func (directTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type mapCache struct {
	data        map[int64]*entity.DurableHistory
	invalidated []int64
}

func (c *mapCache) GetOrLoad(ctx context.Context, blockID int64, loader func(ctx context.Context) (*entity.DurableHistory, error)) (*entity.DurableHistory, error) {
	if h, ok := c.data[blockID]; ok {
		return h, nil
	}
	h, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	c.data[blockID] = h
	return h, nil
}

func (c *mapCache) Invalidate(_ context.Context, blockIDs ...int64) error {
	for _, id := range blockIDs {
		delete(c.data, id)
		c.invalidated = append(c.invalidated, id)
	}
	return nil
}

func ref(id int64) *entity.ContentRef {
	return &entity.ContentRef{ArtifactID: id, URL: "https://cdn.example/a/" + uuid.NewString()}
}

func newTestService() (*Service, *memBlocks, *memHistory, *mapCache) {
	blocks, hist := newMemBlocks(), &memHistory{}
	cache := &mapCache{data: map[int64]*entity.DurableHistory{}}
	svc := NewService(blocks, hist, directTx{}, cache, nil)
	svc.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return svc, blocks, hist, cache
}

func TestSaveBlocksRecordsImportOnlyForNewBlocks(t *testing.T) {
	svc, _, hist, _ := newTestService()
	ctx := context.Background()
	pageID := uuid.NewString()

	b0 := entity.NewContentBlock(0)
	b0.ContentRef = ref(10)
	b0.MobileContentRef = ref(11)
	b1 := entity.NewContentBlock(1)

	saved, err := svc.SaveBlocks(ctx, pageID, []entity.ContentBlock{b0, b1})
	if err != nil {
		t.Fatalf("SaveBlocks: %v", err)
	}
	if len(saved) != 2 || !saved[0].ID.IsDurable() || !saved[1].ID.IsDurable() {
		t.Fatalf("expected two durable blocks, got %+v", saved)
	}
	if len(hist.entries) != 2 {
		t.Fatalf("import entries: got %d want 2", len(hist.entries))
	}
	for _, e := range hist.entries {
		if e.Action != entity.ActionImport || e.BlockID != saved[0].ID {
			t.Fatalf("unexpected entry: %+v", e)
		}
	}

	// 再次保存已有区块不产生新的导入记录
	saved[0].ContentRef = ref(12)
	if _, err := svc.SaveBlocks(ctx, pageID, saved); err != nil {
		t.Fatalf("second SaveBlocks: %v", err)
	}
	if len(hist.entries) != 2 {
		t.Fatalf("entries after resave: got %d want 2", len(hist.entries))
	}
}

func TestSaveBlocksValidatesInput(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.SaveBlocks(ctx, "not-a-uuid", nil); !errors.HasCode(err, errors.CodeInvalidParam) {
		t.Fatalf("bad page id: got %v", err)
	}
	if _, err := svc.SaveBlocks(ctx, uuid.NewString(), []entity.ContentBlock{{}}); !errors.HasCode(err, errors.CodeInvalidParam) {
		t.Fatalf("zero block id: got %v", err)
	}
}

func TestFetchHistoryUnknownBlock(t *testing.T) {
	svc, _, _, _ := newTestService()
	if _, err := svc.FetchHistory(context.Background(), 42); !errors.HasCode(err, errors.CodeNotYetSaved) {
		t.Fatalf("got %v want NotYetSaved", err)
	}
}

func TestRestoreAppendsAndUpdatesCurrent(t *testing.T) {
	svc, blocks, hist, cache := newTestService()
	ctx := context.Background()
	pageID := uuid.NewString()

	b := entity.NewContentBlock(0)
	b.ContentRef = ref(10)
	saved, err := svc.SaveBlocks(ctx, pageID, []entity.ContentBlock{b})
	if err != nil {
		t.Fatalf("SaveBlocks: %v", err)
	}
	id := saved[0].ID
	if err := svc.AppendHistory(ctx, entity.HistoryEntry{
		BlockID: id, Variant: entity.VariantDesktop,
		Before: ref(10), After: ref(20), Action: entity.ActionRegenerate,
	}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}
	if err := blocks.UpdateRef(ctx, id.Int64(), entity.VariantDesktop, ref(20)); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}

	if _, err := svc.FetchHistory(ctx, id.Int64()); err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	before := len(hist.entries)

	got, err := svc.Restore(ctx, id.Int64(), entity.VariantDesktop, 10)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got.ArtifactID != 10 {
		t.Fatalf("restored artifact: got %d want 10", got.ArtifactID)
	}
	if len(hist.entries) != before+1 {
		t.Fatalf("entries: got %d want %d", len(hist.entries), before+1)
	}
	last := hist.entries[len(hist.entries)-1]
	if last.Action != entity.ActionRestore || last.Before.ArtifactID != 20 || last.After.ArtifactID != 10 {
		t.Fatalf("unexpected restore entry: %+v", last)
	}
	current, _ := blocks.GetByID(ctx, id.Int64())
	if current.ContentRef.ArtifactID != 10 {
		t.Fatalf("current ref: got %d want 10", current.ContentRef.ArtifactID)
	}
	if _, cached := cache.data[id.Int64()]; cached {
		t.Fatalf("history cache should be invalidated after restore")
	}

	h, err := svc.FetchHistory(ctx, id.Int64())
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(h.Entries) != 3 || h.Entries[0].Action != entity.ActionRestore {
		t.Fatalf("history should list the restore first: %+v", h.Entries)
	}
}

func TestRestoreRejectsUnknownArtifact(t *testing.T) {
	svc, _, hist, _ := newTestService()
	ctx := context.Background()

	b := entity.NewContentBlock(0)
	b.ContentRef = ref(10)
	saved, err := svc.SaveBlocks(ctx, uuid.NewString(), []entity.ContentBlock{b})
	if err != nil {
		t.Fatalf("SaveBlocks: %v", err)
	}
	n := len(hist.entries)

	_, err = svc.Restore(ctx, saved[0].ID.Int64(), entity.VariantDesktop, 999)
	if !errors.HasCode(err, errors.CodeArtifactNotFound) {
		t.Fatalf("got %v want ArtifactNotFound", err)
	}
	if _, err := svc.Restore(ctx, saved[0].ID.Int64(), entity.VariantBoth, 10); !errors.HasCode(err, errors.CodeInvalidParam) {
		t.Fatalf("both variant: got %v", err)
	}
	if len(hist.entries) != n {
		t.Fatalf("failed restore must not append history")
	}
}

func TestAppendHistoryRequiresDurableID(t *testing.T) {
	svc, _, hist, _ := newTestService()
	err := svc.AppendHistory(context.Background(), entity.HistoryEntry{
		BlockID: entity.NewEphemeralID(), Variant: entity.VariantDesktop, After: ref(1), Action: entity.ActionRegenerate,
	})
	if !errors.HasCode(err, errors.CodeNotPersisted) {
		t.Fatalf("got %v want NotPersisted", err)
	}
	if len(hist.entries) != 0 {
		t.Fatalf("nothing should be appended")
	}
}

func TestSaveInvalidatesCacheForSavedBlocks(t *testing.T) {
	svc, _, _, cache := newTestService()
	ctx := context.Background()
	saved, err := svc.SaveBlocks(ctx, uuid.NewString(), []entity.ContentBlock{entity.NewContentBlock(0), entity.NewContentBlock(1)})
	if err != nil {
		t.Fatalf("SaveBlocks: %v", err)
	}
	got := append([]int64(nil), cache.invalidated...)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if len(got) != 2 || got[0] != saved[0].ID.Int64() || got[1] != saved[1].ID.Int64() {
		t.Fatalf("invalidated: got %v", got)
	}
}
