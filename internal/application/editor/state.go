// Package editor 持有单页编辑状态，所有写入都经由显式入口
package editor

import (
	"slices"
	"sort"
	"sync"
	"time"

	"landing-ai-api/internal/application/identity"
	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/errors"
)

// State 单页编辑状态（单写者）
//
// 其他组件只拿到快照，通过返回意图（任务列表、映射）驱动写入。
// 批次进行中的区块被锁定，手动编辑会返回 ErrBlockLocked。
type State struct {
	mu      sync.RWMutex
	pageID  string
	blocks  []entity.ContentBlock
	locks   map[entity.BlockID]uint64
	lockSeq uint64
	holders map[int]identity.Holder
	nextKey int
	now     func() time.Time
}

// NewState 以已有区块创建状态，按 ordinal 排序并重新编号
func NewState(pageID string, blocks []entity.ContentBlock) *State {
	s := &State{
		pageID:  pageID,
		blocks:  make([]entity.ContentBlock, 0, len(blocks)),
		locks:   make(map[entity.BlockID]uint64),
		holders: make(map[int]identity.Holder),
		now:     time.Now,
	}
	for _, b := range blocks {
		b = b.Clone()
		if b.ID.IsZero() {
			b.ID = entity.NewEphemeralID()
		}
		s.blocks = append(s.blocks, b)
	}
	sort.SliceStable(s.blocks, func(i, j int) bool { return s.blocks[i].Ordinal < s.blocks[j].Ordinal })
	s.renumber()
	return s
}

// PageID 页面 ID
func (s *State) PageID() string {
	return s.pageID
}

// Snapshot 返回全部区块的深拷贝
func (s *State) Snapshot() []entity.ContentBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.ContentBlock, len(s.blocks))
	for i := range s.blocks {
		out[i] = s.blocks[i].Clone()
	}
	return out
}

// Block 返回单个区块的拷贝
func (s *State) Block(id entity.BlockID) (entity.ContentBlock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(id)
	if i < 0 {
		return entity.ContentBlock{}, false
	}
	return s.blocks[i].Clone(), true
}

// Len 区块数量
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// AddBlock 在 at 位置插入区块（越界时追加到末尾），返回区块 ID
func (s *State) AddBlock(at int, block entity.ContentBlock) entity.BlockID {
	s.mu.Lock()
	defer s.mu.Unlock()
	block = block.Clone()
	if block.ID.IsZero() || s.indexOf(block.ID) >= 0 {
		block.ID = entity.NewEphemeralID()
	}
	block.SetBoundaryOffsets(block.BoundaryOffsetTop, block.BoundaryOffsetBottom)
	if at < 0 || at > len(s.blocks) {
		at = len(s.blocks)
	}
	s.blocks = slices.Insert(s.blocks, at, block)
	s.renumber()
	return block.ID
}

// Move 把区块移动到 to 位置
func (s *State) Move(id entity.BlockID, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, err := s.editableLocked(id)
	if err != nil {
		return err
	}
	if to < 0 || to >= len(s.blocks) {
		return errors.ErrInvalidParam.WithDetail("target position out of range")
	}
	block := s.blocks[i]
	s.blocks = slices.Delete(s.blocks, i, i+1)
	s.blocks = slices.Insert(s.blocks, to, block)
	s.renumber()
	return nil
}

// Delete 删除区块
func (s *State) Delete(id entity.BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, err := s.editableLocked(id)
	if err != nil {
		return err
	}
	s.blocks = slices.Delete(s.blocks, i, i+1)
	s.renumber()
	return nil
}

// SetBoundaryOffsets 设置裁剪偏移，超出 ±300 的值被截断
func (s *State) SetBoundaryOffsets(id entity.BlockID, top, bottom int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, err := s.editableLocked(id)
	if err != nil {
		return err
	}
	s.blocks[i].SetBoundaryOffsets(top, bottom)
	s.blocks[i].UpdatedAt = s.now()
	return nil
}

// SetStyleConfig 设置区块的自由属性
func (s *State) SetStyleConfig(id entity.BlockID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, err := s.editableLocked(id)
	if err != nil {
		return err
	}
	if s.blocks[i].StyleConfig == nil {
		s.blocks[i].StyleConfig = make(map[string]any)
	}
	s.blocks[i].StyleConfig[key] = value
	s.blocks[i].UpdatedAt = s.now()
	return nil
}

// Current 返回区块指定视口的当前产物，被锁定的区块返回 ErrBlockLocked
func (s *State) Current(id entity.BlockID, variant entity.Variant) (*entity.ContentRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, err := s.editableLocked(id)
	if err != nil {
		return nil, err
	}
	return s.blocks[i].Ref(variant).Clone(), nil
}

// SetContent 单区块写入（手动替换、恢复），返回写入前的产物
func (s *State) SetContent(id entity.BlockID, variant entity.Variant, ref *entity.ContentRef) (*entity.ContentRef, error) {
	if variant == entity.VariantBoth {
		return nil, errors.ErrInvalidParam.WithDetail("content is set per viewport")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, err := s.editableLocked(id)
	if err != nil {
		return nil, err
	}
	before := s.blocks[i].Ref(variant).Clone()
	s.blocks[i].SetRef(variant, ref)
	s.blocks[i].UpdatedAt = s.now()
	return before, nil
}

// CommitSave 对账保存结果：替换当前区块中的 ID、迁移锁，
// 并在返回前同步重解析所有已登记的持有者。
// 保存期间新增的区块保留临时 ID，等下次保存。
func (s *State) CommitSave(sent, returned []entity.ContentBlock) (*identity.IdentifierMap, error) {
	m, err := identity.Reconcile(sent, returned)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	for i := range s.blocks {
		if newID, ok := m.Resolve(s.blocks[i].ID); ok {
			s.blocks[i].ID = newID
		}
	}
	if len(s.locks) > 0 {
		locks := make(map[entity.BlockID]uint64, len(s.locks))
		for id, token := range s.locks {
			if newID, ok := m.Resolve(id); ok {
				id = newID
			}
			locks[id] = token
		}
		s.locks = locks
	}
	live := make([]entity.BlockID, len(s.blocks))
	for i := range s.blocks {
		live[i] = s.blocks[i].ID
	}
	m.KeepLive(live)
	holders := make([]identity.Holder, 0, len(s.holders))
	keys := make([]int, 0, len(s.holders))
	for k := range s.holders {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		holders = append(holders, s.holders[k])
	}
	s.mu.Unlock()

	for _, h := range holders {
		h.ReconcileIDs(m)
	}
	return m, nil
}

// Track 登记 ID 持有者，返回注销函数
func (s *State) Track(h identity.Holder) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.nextKey
	s.nextKey++
	s.holders[key] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.holders, key)
	}
}

// Lock 锁定一组区块。任一区块已被锁定时整体失败。
func (s *State) Lock(ids []entity.BlockID) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if s.indexOf(id) < 0 {
			return nil, errors.ErrBlockNotFound.WithDetail(id.String())
		}
		if _, held := s.locks[id]; held {
			return nil, errors.ErrBatchBusy.WithDetail(id.String())
		}
	}
	s.lockSeq++
	token := s.lockSeq
	for _, id := range ids {
		s.locks[id] = token
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			// 按令牌释放，锁期间 ID 可能已被 CommitSave 改写
			for id, t := range s.locks {
				if t == token {
					delete(s.locks, id)
				}
			}
		})
	}, nil
}

// IsLocked 区块是否被批次锁定
func (s *State) IsLocked(id entity.BlockID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, held := s.locks[id]
	return held
}

// ApplyOutcomes 在一次状态转换中合并批次全部成功结果，
// 返回每个被改写视口的 before/after 记录。失败结果不改动区块。
func (s *State) ApplyOutcomes(outcomes []entity.TaskOutcome) []entity.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var changes []entity.HistoryEntry
	for _, out := range outcomes {
		if !out.Success {
			continue
		}
		i := s.indexOf(out.BlockID)
		if i < 0 {
			continue
		}
		b := &s.blocks[i]
		for _, v := range []struct {
			variant entity.Variant
			ref     *entity.ContentRef
		}{{entity.VariantDesktop, out.Desktop}, {entity.VariantMobile, out.Mobile}} {
			if !v.ref.Valid() {
				continue
			}
			before := b.Ref(v.variant).Clone()
			b.SetRef(v.variant, v.ref)
			changes = append(changes, entity.HistoryEntry{
				BlockID:   b.ID,
				Variant:   v.variant,
				Before:    before,
				After:     v.ref.Clone(),
				Action:    entity.ActionRegenerate,
				CreatedAt: now,
			})
		}
		b.UpdatedAt = now
	}
	return changes
}

func (s *State) editableLocked(id entity.BlockID) (int, error) {
	i := s.indexOf(id)
	if i < 0 {
		return -1, errors.ErrBlockNotFound.WithDetail(id.String())
	}
	if _, held := s.locks[id]; held {
		return -1, errors.ErrBlockLocked.WithDetail(id.String())
	}
	return i, nil
}

func (s *State) indexOf(id entity.BlockID) int {
	if id.IsZero() {
		return -1
	}
	return slices.IndexFunc(s.blocks, func(b entity.ContentBlock) bool { return b.ID == id })
}

func (s *State) renumber() {
	for i := range s.blocks {
		s.blocks[i].Ordinal = i
	}
}
