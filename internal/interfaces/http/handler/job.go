package handler

import (
	"github.com/gin-gonic/gin"

	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/internal/domain/repository"
	"landing-ai-api/internal/interfaces/http/dto"
	"landing-ai-api/internal/interfaces/http/middleware"
	"landing-ai-api/pkg/logger"
)

// maxIdempotencyKeyLen 与 batch_jobs.idempotency_key 列宽一致
const maxIdempotencyKeyLen = 128

// JobHandler 批量重生成任务处理器
type JobHandler struct {
	batch BatchService
}

// NewJobHandler 创建任务处理器
func NewJobHandler(batch BatchService) *JobHandler {
	return &JobHandler{batch: batch}
}

// SubmitRegeneration 发起批量重生成
// @Summary 发起批量重生成
// @Description 校验参数并创建后台任务；相同 Idempotency-Key 返回已有任务
// @Tags Jobs
// @Accept json
// @Produce json
// @Param pid path string true "页面 ID"
// @Param Idempotency-Key header string false "幂等键"
// @Param body body dto.RegenerationRequest true "重生成参数"
// @Success 202 {object} dto.Response[dto.JobResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse "页面已有进行中的批量任务"
// @Failure 422 {object} dto.ErrorResponse "目标区块尚未保存"
// @Router /v1/pages/{pid}/regenerations [post]
func (h *JobHandler) SubmitRegeneration(c *gin.Context) {
	ctx := c.Request.Context()
	pageID := dto.BindPageID(c)
	ctx = logger.WithContext(ctx, logger.PageIDKey, pageID)

	var req dto.RegenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	key := c.GetHeader(middleware.IdempotencyKeyHeader)
	if len(key) > maxIdempotencyKeyLen {
		dto.BadRequest(c, "idempotency key too long")
		return
	}

	job, err := h.batch.Submit(ctx, pageID, req.ToParams(), key)
	if err != nil {
		respondError(c, "failed to submit batch regeneration", err)
		return
	}
	dto.Accepted(c, dto.ToJobResponse(job))
}

// GetJob 获取任务详情
// @Summary 获取任务详情
// @Tags Jobs
// @Produce json
// @Param jid path string true "任务 ID"
// @Success 200 {object} dto.Response[dto.JobResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/jobs/{jid} [get]
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.batch.Get(c.Request.Context(), dto.BindJobID(c))
	if err != nil {
		respondError(c, "failed to get job", err)
		return
	}
	dto.Success(c, dto.ToJobResponse(job))
}

// CancelJob 取消任务
// @Summary 取消任务
// @Description 请求取消进行中的任务；已结束的任务原样返回
// @Tags Jobs
// @Produce json
// @Param jid path string true "任务 ID"
// @Success 200 {object} dto.Response[dto.CancelJobResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/jobs/{jid} [delete]
func (h *JobHandler) CancelJob(c *gin.Context) {
	job, err := h.batch.Cancel(c.Request.Context(), dto.BindJobID(c))
	if err != nil {
		respondError(c, "failed to cancel job", err)
		return
	}
	dto.Success(c, &dto.CancelJobResponse{
		ID:        job.ID,
		Status:    string(job.Status),
		Cancelled: job.Status == entity.BatchStatusCancelled || job.Status == entity.BatchStatusCancelling,
	})
}

// ListPageJobs 获取页面任务列表
// @Summary 获取页面任务列表
// @Tags Jobs
// @Produce json
// @Param pid path string true "页面 ID"
// @Param page query int false "页码"
// @Param page_size query int false "每页条数"
// @Success 200 {object} dto.Response[dto.JobListResponse]
// @Router /v1/pages/{pid}/jobs [get]
func (h *JobHandler) ListPageJobs(c *gin.Context) {
	pageReq := dto.BindPage(c)
	result, err := h.batch.ListByPage(c.Request.Context(), dto.BindPageID(c),
		repository.NewPagination(pageReq.Page, pageReq.PageSize))
	if err != nil {
		respondError(c, "failed to list jobs", err)
		return
	}
	meta := dto.NewPageMeta(pageReq.Page, pageReq.PageSize, int(result.Total))
	dto.SuccessWithPage(c, dto.ToJobListResponse(result.Items), meta)
}
