package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm/clause"

	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/metrics"
)

// HistoryRepository 区块历史仓储实现（只追加）
type HistoryRepository struct {
	client *Client
}

// NewHistoryRepository 创建历史仓储
func NewHistoryRepository(client *Client) *HistoryRepository {
	return &HistoryRepository{client: client}
}

// Append 追加一条历史。导入原图按 (区块, 视口, 产物) 去重，重复写入视为成功。
func (r *HistoryRepository) Append(ctx context.Context, entry *entity.HistoryEntry) error {
	ctx, span := tracer.Start(ctx, "postgres.HistoryRepository.Append")
	defer span.End()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	row := newHistoryRow(entry)
	if entry.Action == entity.ActionImport && entry.After.Valid() {
		key := fmt.Sprintf("import:%d:%s:%d", row.BlockID, row.Variant, entry.After.ArtifactID)
		row.DedupeKey = &key
	}

	// 冲突时不报错，避免在事务中触发 23505 使整个事务失效
	db := getDB(ctx, r.client.db)
	res := db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).Create(row)
	if res.Error != nil {
		span.RecordError(res.Error)
		return fmt.Errorf("failed to append history: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	entry.ID = row.ID
	metrics.HistoryAppendTotal.WithLabelValues(string(entry.Action)).Inc()
	return nil
}

// ListByBlock 按时间倒序获取区块历史
func (r *HistoryRepository) ListByBlock(ctx context.Context, blockID int64, limit int) ([]entity.HistoryEntry, error) {
	ctx, span := tracer.Start(ctx, "postgres.HistoryRepository.ListByBlock")
	defer span.End()

	db := getDB(ctx, r.client.db)
	query := db.Where("block_id = ?", blockID).Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []historyRow
	if err := query.Find(&rows).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	entries := make([]entity.HistoryEntry, len(rows))
	for i := range rows {
		entries[i] = rows[i].toEntity()
	}
	return entries, nil
}

// ListOriginals 获取区块导入时的原图
func (r *HistoryRepository) ListOriginals(ctx context.Context, blockID int64) ([]entity.ContentRef, error) {
	ctx, span := tracer.Start(ctx, "postgres.HistoryRepository.ListOriginals")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var rows []historyRow
	if err := db.Where("block_id = ? AND action = ?", blockID, entity.ActionImport).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list original images: %w", err)
	}

	originals := make([]entity.ContentRef, 0, len(rows))
	for i := range rows {
		if ref := joinRef(rows[i].AfterArtifactID, rows[i].AfterURL); ref != nil {
			originals = append(originals, *ref)
		}
	}
	return originals, nil
}

// CountByBlocks 批量统计区块历史条数
func (r *HistoryRepository) CountByBlocks(ctx context.Context, blockIDs []int64) (map[int64]int64, error) {
	ctx, span := tracer.Start(ctx, "postgres.HistoryRepository.CountByBlocks")
	defer span.End()

	counts := make(map[int64]int64, len(blockIDs))
	if len(blockIDs) == 0 {
		return counts, nil
	}

	type countRow struct {
		BlockID int64
		Total   int64
	}
	var rows []countRow
	db := getDB(ctx, r.client.db)
	if err := db.Model(&historyRow{}).
		Select("block_id, COUNT(*) AS total").
		Where("block_id = ANY(?)", pq.Array(blockIDs)).
		Group("block_id").
		Scan(&rows).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count history: %w", err)
	}
	for _, row := range rows {
		counts[row.BlockID] = row.Total
	}
	return counts, nil
}
