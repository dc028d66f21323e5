// Package identity 负责保存往返后临时 ID 与持久 ID 的映射
package identity

import (
	"fmt"

	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/errors"
	"landing-ai-api/pkg/metrics"
)

// Holder 持有区块 ID 的组件（选区、参考区块、待发任务）。
// 每次保存后必须立即通过 IdentifierMap 重新解析。
type Holder interface {
	ReconcileIDs(m *IdentifierMap)
}

// IdentifierMap 一次保存产生的 旧 ID → 新 ID 映射，只在下一次保存前有效
type IdentifierMap struct {
	pairs map[entity.BlockID]entity.BlockID
	order []entity.BlockID
	// live 保存提交后仍在页面上的 ID，覆盖保存期间新增的区块
	live map[entity.BlockID]struct{}
}

// Reconcile 按位置配对保存前后的区块列表。
// 基数不一致、返回 ID 非持久或重复、持久 ID 被改写都视为硬失败。
func Reconcile(sent, returned []entity.ContentBlock) (*IdentifierMap, error) {
	m, err := reconcile(sent, returned)
	if err != nil {
		metrics.ReconciliationTotal.WithLabelValues("mismatch").Inc()
		return nil, err
	}
	metrics.ReconciliationTotal.WithLabelValues("ok").Inc()
	return m, nil
}

func reconcile(sent, returned []entity.ContentBlock) (*IdentifierMap, error) {
	if len(sent) != len(returned) {
		return nil, errors.ErrReconciliationMismatch.WithDetail(
			fmt.Sprintf("sent %d blocks, store returned %d", len(sent), len(returned)))
	}

	m := &IdentifierMap{
		pairs: make(map[entity.BlockID]entity.BlockID, len(sent)),
		order: make([]entity.BlockID, 0, len(sent)),
	}
	seen := make(map[entity.BlockID]struct{}, len(returned))

	for i := range sent {
		oldID, newID := sent[i].ID, returned[i].ID
		if oldID.IsZero() {
			return nil, errors.ErrReconciliationMismatch.WithDetail(fmt.Sprintf("sent block %d has no id", i))
		}
		if !newID.IsDurable() {
			return nil, errors.ErrReconciliationMismatch.WithDetail(
				fmt.Sprintf("returned block %d has non-durable id %s", i, newID))
		}
		if oldID.IsDurable() && oldID != newID {
			return nil, errors.ErrReconciliationMismatch.WithDetail(
				fmt.Sprintf("durable id %s came back as %s at position %d", oldID, newID, i))
		}
		if sent[i].Ordinal != returned[i].Ordinal {
			return nil, errors.ErrReconciliationMismatch.WithDetail(
				fmt.Sprintf("ordinal %d came back as %d", sent[i].Ordinal, returned[i].Ordinal))
		}
		if _, dup := m.pairs[oldID]; dup {
			return nil, errors.ErrReconciliationMismatch.WithDetail(fmt.Sprintf("duplicate sent id %s", oldID))
		}
		if _, dup := seen[newID]; dup {
			return nil, errors.ErrReconciliationMismatch.WithDetail(fmt.Sprintf("duplicate returned id %s", newID))
		}
		seen[newID] = struct{}{}
		m.pairs[oldID] = newID
		m.order = append(m.order, oldID)
	}
	return m, nil
}

// KeepLive 登记提交后页面上的全部 ID。
// 登记后只有解析结果在页面上才算命中：保存期间新增的区块按原值解析，
// 保存期间删除的区块被丢弃。
func (m *IdentifierMap) KeepLive(ids []entity.BlockID) {
	m.live = make(map[entity.BlockID]struct{}, len(ids))
	for _, id := range ids {
		m.live[id] = struct{}{}
	}
}

// Resolve 解析单个 ID；既不在本次保存中、也不在页面上的 ID 返回 false
func (m *IdentifierMap) Resolve(id entity.BlockID) (entity.BlockID, bool) {
	if m == nil {
		return id, false
	}
	newID, ok := m.pairs[id]
	if !ok {
		newID = id
	}
	if m.live == nil {
		return newID, ok
	}
	_, ok = m.live[newID]
	return newID, ok
}

// ResolveAll 按原顺序解析一组 ID，丢弃已不存在的区块
func (m *IdentifierMap) ResolveAll(ids []entity.BlockID) []entity.BlockID {
	out := make([]entity.BlockID, 0, len(ids))
	for _, id := range ids {
		if newID, ok := m.Resolve(id); ok {
			out = append(out, newID)
		}
	}
	return out
}

// ResolveSet 解析 ID 集合
func (m *IdentifierMap) ResolveSet(set map[entity.BlockID]struct{}) map[entity.BlockID]struct{} {
	out := make(map[entity.BlockID]struct{}, len(set))
	for id := range set {
		if newID, ok := m.Resolve(id); ok {
			out[newID] = struct{}{}
		}
	}
	return out
}

// Len 映射条目数
func (m *IdentifierMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.pairs)
}

// Changed 返回实际发生变化的 旧 → 新 对，按保存顺序
func (m *IdentifierMap) Changed() [][2]entity.BlockID {
	if m == nil {
		return nil
	}
	var out [][2]entity.BlockID
	for _, oldID := range m.order {
		if newID := m.pairs[oldID]; newID != oldID {
			out = append(out, [2]entity.BlockID{oldID, newID})
		}
	}
	return out
}
