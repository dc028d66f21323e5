package repository

import (
	"context"

	"landing-ai-api/internal/domain/entity"
)

// BlockRepository 区块仓储接口
type BlockRepository interface {
	// SaveAll 整页保存：按序写入全部区块，为临时 ID 分配持久 ID，删除未出现的区块。
	// 返回与入参同基数、同顺序的区块列表。
	SaveAll(ctx context.Context, pageID string, blocks []entity.ContentBlock) ([]entity.ContentBlock, error)

	// ListByPage 按 ordinal 顺序获取页面区块
	ListByPage(ctx context.Context, pageID string) ([]entity.ContentBlock, error)

	// GetByID 获取区块，不存在返回 nil
	GetByID(ctx context.Context, id int64) (*entity.ContentBlock, error)

	// PageOf 返回区块所属页面
	PageOf(ctx context.Context, id int64) (string, error)

	// UpdateRef 更新区块某个视口的当前产物
	UpdateRef(ctx context.Context, id int64, variant entity.Variant, ref *entity.ContentRef) error
}

// HistoryRepository 持久历史仓储接口（只追加）
type HistoryRepository interface {
	// Append 追加记录，写入后不可修改
	Append(ctx context.Context, entry *entity.HistoryEntry) error

	// ListByBlock 按时间倒序获取区块历史
	ListByBlock(ctx context.Context, blockID int64, limit int) ([]entity.HistoryEntry, error)

	// ListOriginals 获取区块导入时的原图
	ListOriginals(ctx context.Context, blockID int64) ([]entity.ContentRef, error)

	// CountByBlocks 批量统计区块历史条数
	CountByBlocks(ctx context.Context, blockIDs []int64) (map[int64]int64, error)
}
