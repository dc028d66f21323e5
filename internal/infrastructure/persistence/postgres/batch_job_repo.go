package postgres

import (
	"context"
	stderrors "errors"
	"fmt"

	"gorm.io/gorm"

	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/internal/domain/repository"
	"landing-ai-api/pkg/errors"
)

// BatchJobRepository 批量任务仓储实现
type BatchJobRepository struct {
	client *Client
}

// NewBatchJobRepository 创建批量任务仓储
func NewBatchJobRepository(client *Client) *BatchJobRepository {
	return &BatchJobRepository{client: client}
}

// Create 创建任务，幂等键冲突返回 ErrConflict
func (r *BatchJobRepository) Create(ctx context.Context, job *entity.BatchJob) error {
	ctx, span := tracer.Start(ctx, "postgres.BatchJobRepository.Create")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(job).Error; err != nil {
		if stderrors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.ErrConflict.WithDetail("idempotency key already used")
		}
		span.RecordError(err)
		return fmt.Errorf("failed to create batch job: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取任务
func (r *BatchJobRepository) GetByID(ctx context.Context, id string) (*entity.BatchJob, error) {
	ctx, span := tracer.Start(ctx, "postgres.BatchJobRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var job entity.BatchJob
	if err := db.First(&job, "id = ?", id).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}
	return &job, nil
}

// GetByIdempotencyKey 根据幂等键获取任务
func (r *BatchJobRepository) GetByIdempotencyKey(ctx context.Context, key string) (*entity.BatchJob, error) {
	ctx, span := tracer.Start(ctx, "postgres.BatchJobRepository.GetByIdempotencyKey")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var job entity.BatchJob
	if err := db.First(&job, "idempotency_key = ?", key).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get batch job by idempotency key: %w", err)
	}
	return &job, nil
}

// Update 更新任务
func (r *BatchJobRepository) Update(ctx context.Context, job *entity.BatchJob) error {
	ctx, span := tracer.Start(ctx, "postgres.BatchJobRepository.Update")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Save(job).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update batch job: %w", err)
	}
	return nil
}

// UpdateIfStatus 条件更新：状态不在 expected 中时不写入
func (r *BatchJobRepository) UpdateIfStatus(ctx context.Context, job *entity.BatchJob, expected ...entity.BatchStatus) (bool, error) {
	ctx, span := tracer.Start(ctx, "postgres.BatchJobRepository.UpdateIfStatus")
	defer span.End()

	db := getDB(ctx, r.client.db)
	result := db.Model(&entity.BatchJob{}).
		Where("id = ? AND status IN ?", job.ID, expected).
		Select("*").
		Omit("id", "created_at").
		Updates(job)
	if result.Error != nil {
		span.RecordError(result.Error)
		return false, fmt.Errorf("failed to update batch job: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// UpdateProgress 更新任务进度，只在进度前进时写入
func (r *BatchJobRepository) UpdateProgress(ctx context.Context, id string, progress entity.Progress) error {
	ctx, span := tracer.Start(ctx, "postgres.BatchJobRepository.UpdateProgress")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Model(&entity.BatchJob{}).
		Where("id = ? AND completed <= ?", id, progress.Completed).
		Updates(map[string]interface{}{
			"completed": progress.Completed,
			"total":     progress.Total,
		}).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update batch job progress: %w", err)
	}
	return nil
}

// GetActiveByPage 获取页面上未结束的任务
func (r *BatchJobRepository) GetActiveByPage(ctx context.Context, pageID string) (*entity.BatchJob, error) {
	ctx, span := tracer.Start(ctx, "postgres.BatchJobRepository.GetActiveByPage")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var job entity.BatchJob
	if err := db.Where("page_id = ? AND status IN ?", pageID,
		[]entity.BatchStatus{entity.BatchStatusPending, entity.BatchStatusRunning, entity.BatchStatusCancelling}).
		Order("created_at DESC").
		First(&job).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get active batch job: %w", err)
	}
	return &job, nil
}

// ListByPage 获取页面任务列表
func (r *BatchJobRepository) ListByPage(ctx context.Context, pageID string, pagination repository.Pagination) (*repository.PagedResult[*entity.BatchJob], error) {
	ctx, span := tracer.Start(ctx, "postgres.BatchJobRepository.ListByPage")
	defer span.End()

	db := getDB(ctx, r.client.db)
	query := db.Model(&entity.BatchJob{}).Where("page_id = ?", pageID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count batch jobs: %w", err)
	}

	var jobs []*entity.BatchJob
	if err := query.Order("created_at DESC").
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Find(&jobs).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}

	return repository.NewPagedResult(jobs, total, pagination), nil
}
