package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/errors"
)

// BlockRepository 区块仓储实现
type BlockRepository struct {
	client *Client
}

// NewBlockRepository 创建区块仓储
func NewBlockRepository(client *Client) *BlockRepository {
	return &BlockRepository{client: client}
}

// SaveAll 整页保存。调用方负责开启事务。
// 持久 ID 原地更新，临时 ID 插入新行并取得持久 ID，未出现在列表中的旧区块被删除。
func (r *BlockRepository) SaveAll(ctx context.Context, pageID string, blocks []entity.ContentBlock) ([]entity.ContentBlock, error) {
	ctx, span := tracer.Start(ctx, "postgres.BlockRepository.SaveAll")
	defer span.End()

	db := getDB(ctx, r.client.db)
	saved := make([]entity.ContentBlock, 0, len(blocks))
	keep := make([]int64, 0, len(blocks))

	for i := range blocks {
		b := blocks[i].Clone()
		b.Ordinal = i
		row, err := newBlockRow(pageID, &b)
		if err != nil {
			span.RecordError(err)
			return nil, errors.Wrap(err, errors.CodeInvalidParam, "invalid style config")
		}

		row.UpdatedAt = time.Now()
		if b.ID.IsDurable() {
			res := db.Model(&blockRow{}).
				Where("id = ? AND page_id = ?", row.ID, pageID).
				Select("ordinal", "content_artifact_id", "content_url", "mobile_artifact_id", "mobile_url",
					"boundary_offset_top", "boundary_offset_bottom", "style_config", "updated_at").
				Updates(row)
			if res.Error != nil {
				span.RecordError(res.Error)
				return nil, fmt.Errorf("failed to update block %d: %w", row.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				return nil, errors.ErrBlockNotFound.WithDetail(fmt.Sprintf("block %d is not on page %s", row.ID, pageID))
			}
		} else {
			row.ID = 0
			if err := db.Create(row).Error; err != nil {
				span.RecordError(err)
				return nil, fmt.Errorf("failed to insert block: %w", err)
			}
		}

		out, err := row.toEntity()
		if err != nil {
			return nil, err
		}
		keep = append(keep, row.ID)
		saved = append(saved, out)
	}

	del := db.Where("page_id = ?", pageID)
	if len(keep) > 0 {
		del = del.Where("NOT (id = ANY(?))", pq.Array(keep))
	}
	if err := del.Delete(&blockRow{}).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to prune removed blocks: %w", err)
	}

	return saved, nil
}

// ListByPage 按 ordinal 顺序获取页面区块
func (r *BlockRepository) ListByPage(ctx context.Context, pageID string) ([]entity.ContentBlock, error) {
	ctx, span := tracer.Start(ctx, "postgres.BlockRepository.ListByPage")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var rows []blockRow
	if err := db.Where("page_id = ?", pageID).Order("ordinal ASC").Find(&rows).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}

	blocks := make([]entity.ContentBlock, 0, len(rows))
	for i := range rows {
		b, err := rows[i].toEntity()
		if err != nil {
			return nil, fmt.Errorf("failed to decode block %d: %w", rows[i].ID, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// GetByID 获取区块，不存在返回 nil
func (r *BlockRepository) GetByID(ctx context.Context, id int64) (*entity.ContentBlock, error) {
	ctx, span := tracer.Start(ctx, "postgres.BlockRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var row blockRow
	if err := db.First(&row, "id = ?", id).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	b, err := row.toEntity()
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// PageOf 返回区块所属页面，不存在返回空串
func (r *BlockRepository) PageOf(ctx context.Context, id int64) (string, error) {
	ctx, span := tracer.Start(ctx, "postgres.BlockRepository.PageOf")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var pageIDs []string
	if err := db.Model(&blockRow{}).Where("id = ?", id).Limit(1).Pluck("page_id", &pageIDs).Error; err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to get block page: %w", err)
	}
	if len(pageIDs) == 0 {
		return "", nil
	}
	return pageIDs[0], nil
}

// UpdateRef 更新区块某个视口的当前产物
func (r *BlockRepository) UpdateRef(ctx context.Context, id int64, variant entity.Variant, ref *entity.ContentRef) error {
	ctx, span := tracer.Start(ctx, "postgres.BlockRepository.UpdateRef")
	defer span.End()

	artifactID, url := splitRef(ref)
	idCol, urlCol := "content_artifact_id", "content_url"
	if variant == entity.VariantMobile {
		idCol, urlCol = "mobile_artifact_id", "mobile_url"
	}

	db := getDB(ctx, r.client.db)
	res := db.Model(&blockRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		idCol:  artifactID,
		urlCol: url,
	})
	if res.Error != nil {
		span.RecordError(res.Error)
		return fmt.Errorf("failed to update block content: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ErrBlockNotFound
	}
	return nil
}
