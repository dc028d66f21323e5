package repository

import (
	"context"

	"landing-ai-api/internal/domain/entity"
)

// BatchJobRepository 批量任务仓储接口
type BatchJobRepository interface {
	// Create 创建任务
	Create(ctx context.Context, job *entity.BatchJob) error

	// GetByID 根据 ID 获取任务，不存在返回 nil
	GetByID(ctx context.Context, id string) (*entity.BatchJob, error)

	// GetByIdempotencyKey 根据幂等键获取任务
	GetByIdempotencyKey(ctx context.Context, key string) (*entity.BatchJob, error)

	// Update 更新任务
	Update(ctx context.Context, job *entity.BatchJob) error

	// UpdateIfStatus 仅当存储中的状态属于 expected 时整行写入，返回是否写入
	UpdateIfStatus(ctx context.Context, job *entity.BatchJob, expected ...entity.BatchStatus) (bool, error)

	// UpdateProgress 更新任务进度（只增不减）
	UpdateProgress(ctx context.Context, id string, progress entity.Progress) error

	// GetActiveByPage 获取页面上未结束的任务（含取消中）
	GetActiveByPage(ctx context.Context, pageID string) (*entity.BatchJob, error)

	// ListByPage 获取页面任务列表
	ListByPage(ctx context.Context, pageID string, pagination Pagination) (*PagedResult[*entity.BatchJob], error)
}
