// Package history 维护区块的双层历史：会话内环形缓冲与持久追加日志
package history

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"landing-ai-api/internal/application/identity"
	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/errors"
	"landing-ai-api/pkg/logger"
	"landing-ai-api/pkg/metrics"
	"landing-ai-api/pkg/tracer"
)

// DefaultLocalCapacity 每个区块保留的本地历史条数
const DefaultLocalCapacity = 10

// DurableStore 持久历史的读取与恢复
type DurableStore interface {
	// FetchHistory 未保存的区块返回 CodeNotYetSaved
	FetchHistory(ctx context.Context, blockID int64) (*entity.DurableHistory, error)
	// Restore 把区块某视口恢复为历史产物，服务端追加一条 restore 记录
	Restore(ctx context.Context, blockID int64, variant entity.Variant, artifactID int64) (*entity.ContentRef, error)
}

// DurableAppender 写入持久历史，可选
type DurableAppender interface {
	AppendHistory(ctx context.Context, entry entity.HistoryEntry) error
}

// ContentState 恢复时读写编辑器状态
type ContentState interface {
	Current(id entity.BlockID, variant entity.Variant) (*entity.ContentRef, error)
	SetContent(id entity.BlockID, variant entity.Variant, ref *entity.ContentRef) (*entity.ContentRef, error)
}

// Ledger 历史账本
type Ledger struct {
	store    DurableStore
	appender DurableAppender
	content  ContentState
	capacity int

	mu       sync.Mutex
	local    map[entity.BlockID][]entity.HistoryEntry
	inflight map[entity.BlockID]struct{}
}

// NewLedger 创建账本。appender 为 nil 时只写本地历史。
func NewLedger(store DurableStore, appender DurableAppender, content ContentState, capacity int) *Ledger {
	if capacity < 1 {
		capacity = DefaultLocalCapacity
	}
	return &Ledger{
		store:    store,
		appender: appender,
		content:  content,
		capacity: capacity,
		local:    make(map[entity.BlockID][]entity.HistoryEntry),
		inflight: make(map[entity.BlockID]struct{}),
	}
}

// RecordLocal 记录到本地环形缓冲，最新在前，超出容量丢弃最旧
func (l *Ledger) RecordLocal(entry entity.HistoryEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.Before = entry.Before.Clone()
	entry.After = entry.After.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()
	ring := slices.Insert(l.local[entry.BlockID], 0, entry)
	if len(ring) > l.capacity {
		ring = ring[:l.capacity]
	}
	l.local[entry.BlockID] = ring
}

// Record 记录本地历史，并在配置了持久写入时追加持久记录。
// 持久写入失败只记日志。
func (l *Ledger) Record(ctx context.Context, entry entity.HistoryEntry) {
	l.RecordLocal(entry)
	if l.appender == nil || !entry.BlockID.IsDurable() {
		return
	}
	if err := l.appender.AppendHistory(ctx, entry); err != nil {
		logger.FromContext(ctx).Warn("failed to append durable history",
			"block_id", entry.BlockID.String(), "action", entry.Action, "error", err)
	}
}

// Local 返回区块的本地历史，最新在前
func (l *Ledger) Local(id entity.BlockID) []entity.HistoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.local[id])
}

// UndoLocal 撤销区块最近一次本地变更，返回被撤销的记录
func (l *Ledger) UndoLocal(ctx context.Context, id entity.BlockID) (*entity.HistoryEntry, error) {
	l.mu.Lock()
	ring := l.local[id]
	if len(ring) == 0 {
		l.mu.Unlock()
		return nil, errors.ErrNotFound.WithDetail("no local history for section")
	}
	last := ring[0]
	l.mu.Unlock()

	if _, err := l.content.SetContent(id, last.Variant, last.Before); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if ring := l.local[id]; len(ring) > 0 && ring[0].CreatedAt.Equal(last.CreatedAt) {
		l.local[id] = ring[1:]
	}
	l.mu.Unlock()

	logger.FromContext(ctx).Debug("local change undone", "block_id", id.String(), "action", last.Action)
	return &last, nil
}

// FetchDurable 按需拉取持久历史。临时 ID 的区块直接返回空，不发起远端调用。
func (l *Ledger) FetchDurable(ctx context.Context, id entity.BlockID) (*entity.DurableHistory, error) {
	if !id.IsDurable() {
		return &entity.DurableHistory{}, nil
	}
	ctx, span := tracer.Start(ctx, "history.Ledger.FetchDurable")
	defer span.End()
	span.SetAttributes(attribute.Int64("block.id", id.Int64()))

	h, err := l.store.FetchHistory(ctx, id.Int64())
	if err != nil {
		tracer.Fail(span, err)
		return nil, err
	}
	if h == nil {
		h = &entity.DurableHistory{}
	}
	return h, nil
}

// Restore 把区块恢复为历史产物。
// 同一区块同时只允许一个恢复在途，重复调用直接返回 false 且不报错。
func (l *Ledger) Restore(ctx context.Context, id entity.BlockID, variant entity.Variant, target entity.ContentRef) (bool, error) {
	if !id.IsDurable() {
		return false, errors.ErrNotPersisted.WithDetail(id.String())
	}
	if variant == entity.VariantBoth {
		return false, errors.ErrInvalidParam.WithDetail("restore targets a single viewport")
	}
	if !l.acquire(id) {
		metrics.HistoryRestoreTotal.WithLabelValues("dropped").Inc()
		logger.FromContext(ctx).Debug("restore already in flight, dropping duplicate", "block_id", id.String())
		return false, nil
	}
	defer l.release(id)

	ctx, span := tracer.Start(ctx, "history.Ledger.Restore")
	defer span.End()
	span.SetAttributes(attribute.Int64("block.id", id.Int64()), attribute.Int64("artifact.id", target.ArtifactID))

	// 锁定中的区块在远端写入前就拒绝
	if _, err := l.content.Current(id, variant); err != nil {
		return false, err
	}

	restored, err := l.store.Restore(ctx, id.Int64(), variant, target.ArtifactID)
	if err != nil {
		tracer.Fail(span, err)
		metrics.HistoryRestoreTotal.WithLabelValues("failed").Inc()
		return false, err
	}
	if !restored.Valid() {
		restored = &target
	}

	before, err := l.content.SetContent(id, variant, restored)
	if err != nil {
		metrics.HistoryRestoreTotal.WithLabelValues("failed").Inc()
		return false, err
	}
	l.RecordLocal(entity.HistoryEntry{
		BlockID: id,
		Variant: variant,
		Before:  before,
		After:   restored,
		Action:  entity.ActionRestore,
	})
	metrics.HistoryRestoreTotal.WithLabelValues("ok").Inc()
	return true, nil
}

// ReconcileIDs 保存后把本地历史迁移到新 ID
func (l *Ledger) ReconcileIDs(m *identity.IdentifierMap) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pair := range m.Changed() {
		oldID, newID := pair[0], pair[1]
		ring, ok := l.local[oldID]
		if !ok {
			continue
		}
		for i := range ring {
			ring[i].BlockID = newID
		}
		l.local[newID] = ring
		delete(l.local, oldID)
	}
}

func (l *Ledger) acquire(id entity.BlockID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inflight[id]; busy {
		return false
	}
	l.inflight[id] = struct{}{}
	return true
}

func (l *Ledger) release(id entity.BlockID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, id)
}
