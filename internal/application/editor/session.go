package editor

import (
	"context"

	"landing-ai-api/internal/application/history"
	"landing-ai-api/internal/application/identity"
	"landing-ai-api/internal/application/regen"
	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/errors"
	"landing-ai-api/pkg/logger"
)

// PageStore 页面持久化端口
type PageStore interface {
	regen.BlockSaver
	history.DurableStore
}

// SessionConfig 会话配置
type SessionConfig struct {
	ConcurrencyLimit int
	Runner           regen.RunnerConfig
	LocalHistory     int
	Clock            regen.Clock
	// Appender 不为空时批量结果同时写入持久历史
	Appender history.DurableAppender
}

// Session 单页编辑会话：状态、批量编排与历史账本
type Session struct {
	State   *State
	Batch   *regen.Orchestrator
	History *history.Ledger

	store   PageStore
	untrack []func()
}

// NewSession 创建会话，编排器与账本登记为 ID 持有者
func NewSession(pageID string, blocks []entity.ContentBlock, store PageStore, gen regen.Regenerator, cfg SessionConfig) *Session {
	state := NewState(pageID, blocks)
	ledger := history.NewLedger(store, cfg.Appender, state, cfg.LocalHistory)
	runner := regen.NewRunner(gen, cfg.Clock, cfg.Runner)
	orch := regen.NewOrchestrator(state, store, runner, regen.NewScheduler(cfg.ConcurrencyLimit), ledger)

	s := &Session{State: state, Batch: orch, History: ledger, store: store}
	s.untrack = append(s.untrack, state.Track(orch), state.Track(ledger))
	return s
}

// Save 整页保存并对账，所有登记的持有者在返回前完成重解析
func (s *Session) Save(ctx context.Context) (*identity.IdentifierMap, error) {
	switch s.Batch.Phase() {
	case regen.PhaseSaving, regen.PhaseRunning, regen.PhaseMerging:
		return nil, errors.ErrBatchBusy
	}
	sent := s.State.Snapshot()
	returned, err := s.store.SaveBlocks(ctx, s.State.PageID(), sent)
	if err != nil {
		return nil, err
	}
	m, err := s.State.CommitSave(sent, returned)
	if err != nil {
		logger.FromContext(ctx).Error("save reconciliation failed", "page_id", s.State.PageID(), "error", err)
		return nil, err
	}
	return m, nil
}

// ReplaceContent 手动替换区块产物，并记录本地历史
func (s *Session) ReplaceContent(ctx context.Context, id entity.BlockID, variant entity.Variant, ref entity.ContentRef) error {
	if !ref.Valid() {
		return errors.ErrInvalidParam.WithDetail("content reference requires id and url")
	}
	before, err := s.State.SetContent(id, variant, &ref)
	if err != nil {
		return err
	}
	s.History.Record(ctx, entity.HistoryEntry{
		BlockID: id,
		Variant: variant,
		Before:  before,
		After:   &ref,
		Action:  entity.ActionManualReplace,
	})
	return nil
}

// Close 注销持有者
func (s *Session) Close() {
	for _, fn := range s.untrack {
		fn()
	}
	s.untrack = nil
}
