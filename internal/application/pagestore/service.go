// Package pagestore 页面区块与持久历史的服务端存储逻辑
package pagestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"landing-ai-api/internal/config"
	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/internal/domain/repository"
	"landing-ai-api/pkg/errors"
	"landing-ai-api/pkg/logger"
)

// HistoryCache 区块历史缓存
type HistoryCache interface {
	GetOrLoad(ctx context.Context, blockID int64, loader func(ctx context.Context) (*entity.DurableHistory, error)) (*entity.DurableHistory, error)
	Invalidate(ctx context.Context, blockIDs ...int64) error
}

// Service 页面存储服务
type Service struct {
	blocks     repository.BlockRepository
	history    repository.HistoryRepository
	tx         repository.Transactor
	cache      HistoryCache
	fetchLimit int
	now        func() time.Time
}

// NewService 创建页面存储服务，cache 可为空
func NewService(
	blocks repository.BlockRepository,
	history repository.HistoryRepository,
	tx repository.Transactor,
	cache HistoryCache,
	cfg *config.HistoryConfig,
) *Service {
	limit := 200
	if cfg != nil && cfg.FetchLimit > 0 {
		limit = cfg.FetchLimit
	}
	return &Service{
		blocks:     blocks,
		history:    history,
		tx:         tx,
		cache:      cache,
		fetchLimit: limit,
		now:        time.Now,
	}
}

// SaveBlocks 整页保存。新区块首次保存时带有的产物记为 import 原图。
func (s *Service) SaveBlocks(ctx context.Context, pageID string, blocks []entity.ContentBlock) ([]entity.ContentBlock, error) {
	if _, err := uuid.Parse(pageID); err != nil {
		return nil, errors.ErrInvalidParam.WithDetail("page id must be a uuid")
	}
	for i := range blocks {
		if blocks[i].ID.IsZero() {
			return nil, errors.ErrInvalidParam.WithDetail(fmt.Sprintf("block %d has no id", i))
		}
		blocks[i].SetBoundaryOffsets(blocks[i].BoundaryOffsetTop, blocks[i].BoundaryOffsetBottom)
	}

	var saved []entity.ContentBlock
	err := s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		saved, err = s.blocks.SaveAll(txCtx, pageID, blocks)
		if err != nil {
			return err
		}
		if len(saved) != len(blocks) {
			return fmt.Errorf("saved %d blocks, expected %d", len(saved), len(blocks))
		}

		now := s.now()
		for i := range blocks {
			if !blocks[i].ID.IsEphemeral() {
				continue
			}
			for _, v := range []entity.Variant{entity.VariantDesktop, entity.VariantMobile} {
				ref := blocks[i].Ref(v)
				if !ref.Valid() {
					continue
				}
				entry := &entity.HistoryEntry{
					BlockID:   saved[i].ID,
					Variant:   v,
					After:     ref.Clone(),
					Action:    entity.ActionImport,
					CreatedAt: now,
				}
				if err := s.history.Append(txCtx, entry); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if errors.IsAppError(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to save blocks")
	}

	ids := make([]int64, 0, len(saved))
	for i := range saved {
		ids = append(ids, saved[i].ID.Int64())
	}
	s.invalidate(ctx, ids...)

	logger.Info(ctx, "page saved", "page_id", pageID, "blocks", len(saved))
	return saved, nil
}

// ListBlocks 按顺序获取页面区块
func (s *Service) ListBlocks(ctx context.Context, pageID string) ([]entity.ContentBlock, error) {
	blocks, err := s.blocks.ListByPage(ctx, pageID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to list blocks")
	}
	return blocks, nil
}

// Block 获取单个区块
func (s *Service) Block(ctx context.Context, blockID int64) (*entity.ContentBlock, error) {
	block, err := s.blocks.GetByID(ctx, blockID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to get block")
	}
	if block == nil {
		return nil, errors.ErrBlockNotFound
	}
	return block, nil
}

// FetchHistory 获取区块持久历史，未保存过的区块返回 ErrNotYetSaved
func (s *Service) FetchHistory(ctx context.Context, blockID int64) (*entity.DurableHistory, error) {
	if s.cache == nil {
		return s.loadHistory(ctx, blockID)
	}
	return s.cache.GetOrLoad(ctx, blockID, func(ctx context.Context) (*entity.DurableHistory, error) {
		return s.loadHistory(ctx, blockID)
	})
}

func (s *Service) loadHistory(ctx context.Context, blockID int64) (*entity.DurableHistory, error) {
	block, err := s.blocks.GetByID(ctx, blockID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to get block")
	}
	if block == nil {
		return nil, errors.ErrNotYetSaved
	}

	entries, err := s.history.ListByBlock(ctx, blockID, s.fetchLimit)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to list history")
	}
	originals, err := s.history.ListOriginals(ctx, blockID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to list original images")
	}
	if entries == nil {
		entries = []entity.HistoryEntry{}
	}
	if originals == nil {
		originals = []entity.ContentRef{}
	}
	return &entity.DurableHistory{Entries: entries, OriginalImages: originals}, nil
}

// Restore 将区块某视口恢复为历史中的产物，追加一条 restore 记录
func (s *Service) Restore(ctx context.Context, blockID int64, variant entity.Variant, artifactID int64) (*entity.ContentRef, error) {
	if variant != entity.VariantDesktop && variant != entity.VariantMobile {
		return nil, errors.ErrInvalidParam.WithDetail("restore targets a single variant")
	}
	if artifactID <= 0 {
		return nil, errors.ErrInvalidParam.WithDetail("artifact id is required")
	}

	h, err := s.loadHistory(ctx, blockID)
	if err != nil {
		return nil, err
	}
	target, ok := h.Contains(artifactID)
	if !ok {
		return nil, errors.ErrArtifactNotFound.WithDetail(fmt.Sprintf("artifact %d", artifactID))
	}
	target = target.Clone()

	err = s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		block, err := s.blocks.GetByID(txCtx, blockID)
		if err != nil {
			return err
		}
		if block == nil {
			return errors.ErrBlockNotFound
		}
		before := block.Ref(variant).Clone()

		if err := s.blocks.UpdateRef(txCtx, blockID, variant, target); err != nil {
			return err
		}
		return s.history.Append(txCtx, &entity.HistoryEntry{
			BlockID:   entity.DurableID(blockID),
			Variant:   variant,
			Before:    before,
			After:     target.Clone(),
			Action:    entity.ActionRestore,
			CreatedAt: s.now(),
		})
	})
	if err != nil {
		if errors.IsAppError(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "failed to restore block")
	}

	s.invalidate(ctx, blockID)
	logger.Info(ctx, "block restored", "block_id", blockID, "variant", variant, "artifact_id", artifactID)
	return target, nil
}

// AppendHistory 追加一条持久历史，只接受持久 ID
func (s *Service) AppendHistory(ctx context.Context, entry entity.HistoryEntry) error {
	if !entry.BlockID.IsDurable() {
		return errors.ErrNotPersisted
	}
	if !entry.Action.Valid() {
		return errors.ErrInvalidParam.WithDetail(fmt.Sprintf("unknown action %q", entry.Action))
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if err := s.history.Append(ctx, &entry); err != nil {
		return errors.Wrap(err, errors.CodeDatabaseError, "failed to append history")
	}
	s.invalidate(ctx, entry.BlockID.Int64())
	return nil
}

func (s *Service) invalidate(ctx context.Context, blockIDs ...int64) {
	if s.cache == nil || len(blockIDs) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, blockIDs...); err != nil {
		logger.Warn(ctx, "failed to invalidate history cache", "error", err)
	}
}
