// Package handler 提供 HTTP 请求处理器
package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/internal/domain/repository"
	"landing-ai-api/internal/interfaces/http/dto"
	"landing-ai-api/pkg/errors"
	"landing-ai-api/pkg/logger"
)

// PageService 页面存储用例
type PageService interface {
	SaveBlocks(ctx context.Context, pageID string, blocks []entity.ContentBlock) ([]entity.ContentBlock, error)
	ListBlocks(ctx context.Context, pageID string) ([]entity.ContentBlock, error)
	Block(ctx context.Context, blockID int64) (*entity.ContentBlock, error)
	FetchHistory(ctx context.Context, blockID int64) (*entity.DurableHistory, error)
	Restore(ctx context.Context, blockID int64, variant entity.Variant, artifactID int64) (*entity.ContentRef, error)
	AppendHistory(ctx context.Context, entry entity.HistoryEntry) error
}

// BatchService 批量任务用例
type BatchService interface {
	Submit(ctx context.Context, pageID string, params entity.BatchParams, idempotencyKey string) (*entity.BatchJob, error)
	Get(ctx context.Context, jobID string) (*entity.BatchJob, error)
	Cancel(ctx context.Context, jobID string) (*entity.BatchJob, error)
	ListByPage(ctx context.Context, pageID string, pagination repository.Pagination) (*repository.PagedResult[*entity.BatchJob], error)
}

// respondError 输出错误响应，5xx 记录错误日志
func respondError(c *gin.Context, msg string, err error) {
	appErr := errors.AsAppError(err)
	if appErr.HTTPStatus == 0 || appErr.HTTPStatus >= 500 {
		logger.Error(c.Request.Context(), msg, err)
	} else {
		logger.Debug(c.Request.Context(), msg, "error", err.Error())
	}
	dto.FromError(c, err)
}
