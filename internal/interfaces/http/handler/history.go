package handler

import (
	"github.com/gin-gonic/gin"

	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/internal/interfaces/http/dto"
	"landing-ai-api/pkg/errors"
	"landing-ai-api/pkg/logger"
)

// HistoryHandler 区块历史处理器
type HistoryHandler struct {
	pages PageService
}

// NewHistoryHandler 创建历史处理器
func NewHistoryHandler(pages PageService) *HistoryHandler {
	return &HistoryHandler{pages: pages}
}

// GetHistory 获取区块持久历史
// @Summary 获取区块持久历史
// @Description 返回追加日志与导入原图；临时 ID 或未保存的区块返回错误
// @Tags History
// @Produce json
// @Param bid path int true "区块 ID"
// @Success 200 {object} dto.Response[dto.HistoryResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Failure 422 {object} dto.ErrorResponse
// @Router /v1/blocks/{bid}/history [get]
func (h *HistoryHandler) GetHistory(c *gin.Context) {
	blockID, err := dto.BindBlockID(c)
	if err != nil {
		dto.FromError(c, err)
		return
	}
	ctx := logger.WithContext(c.Request.Context(), logger.BlockIDKey, blockID)

	hist, err := h.pages.FetchHistory(ctx, blockID)
	if err != nil {
		respondError(c, "failed to fetch history", err)
		return
	}
	dto.Success(c, dto.ToHistoryResponse(hist))
}

// AppendHistory 追加一条持久历史
// @Summary 追加区块历史
// @Tags History
// @Accept json
// @Produce json
// @Param bid path int true "区块 ID"
// @Param body body entity.HistoryEntry true "历史记录"
// @Success 201 {object} dto.Response[entity.HistoryEntry]
// @Router /v1/blocks/{bid}/history [post]
func (h *HistoryHandler) AppendHistory(c *gin.Context) {
	blockID, err := dto.BindBlockID(c)
	if err != nil {
		dto.FromError(c, err)
		return
	}
	ctx := logger.WithContext(c.Request.Context(), logger.BlockIDKey, blockID)

	var entry entity.HistoryEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	// 路径参数为准
	entry.BlockID = entity.DurableID(blockID)

	if err := h.pages.AppendHistory(ctx, entry); err != nil {
		respondError(c, "failed to append history", err)
		return
	}
	dto.Created(c, entry)
}

// Restore 恢复历史产物
// @Summary 恢复历史产物
// @Description 将区块某视口恢复为历史中的产物，并追加一条 restore 记录
// @Tags History
// @Accept json
// @Produce json
// @Param bid path int true "区块 ID"
// @Param body body dto.RestoreRequest true "恢复目标"
// @Success 200 {object} dto.Response[dto.RestoreResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/blocks/{bid}/restore [post]
func (h *HistoryHandler) Restore(c *gin.Context) {
	blockID, err := dto.BindBlockID(c)
	if err != nil {
		dto.FromError(c, err)
		return
	}
	ctx := logger.WithContext(c.Request.Context(), logger.BlockIDKey, blockID)

	var req dto.RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Variant == "" {
		req.Variant = entity.VariantDesktop
	}
	if req.Variant == entity.VariantBoth {
		dto.FromError(c, errors.ErrInvalidParam.WithDetail("restore targets a single variant"))
		return
	}

	if _, err := h.pages.Restore(ctx, blockID, req.Variant, req.ArtifactID); err != nil {
		respondError(c, "failed to restore block", err)
		return
	}
	block, err := h.pages.Block(ctx, blockID)
	if err != nil {
		respondError(c, "failed to load restored block", err)
		return
	}
	dto.Success(c, &dto.RestoreResponse{Success: true, Block: block})
}
