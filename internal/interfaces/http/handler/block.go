package handler

import (
	"github.com/gin-gonic/gin"

	"landing-ai-api/internal/interfaces/http/dto"
	"landing-ai-api/pkg/logger"
)

// BlockHandler 页面区块处理器
type BlockHandler struct {
	pages PageService
}

// NewBlockHandler 创建区块处理器
func NewBlockHandler(pages PageService) *BlockHandler {
	return &BlockHandler{pages: pages}
}

// SaveBlocks 整页保存
// @Summary 整页保存区块
// @Description 按序写入全部区块，为临时 ID 分配持久 ID，返回同基数同顺序的区块列表
// @Tags Blocks
// @Accept json
// @Produce json
// @Param pid path string true "页面 ID"
// @Param body body dto.SaveBlocksRequest true "区块列表"
// @Success 200 {object} dto.Response[dto.BlockListResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/pages/{pid}/blocks [put]
func (h *BlockHandler) SaveBlocks(c *gin.Context) {
	ctx := c.Request.Context()
	pageID := dto.BindPageID(c)
	ctx = logger.WithContext(ctx, logger.PageIDKey, pageID)

	var req dto.SaveBlocksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	saved, err := h.pages.SaveBlocks(ctx, pageID, req.Blocks)
	if err != nil {
		respondError(c, "failed to save blocks", err)
		return
	}
	dto.Success(c, dto.ToBlockListResponse(saved))
}

// ListBlocks 获取页面区块
// @Summary 获取页面区块
// @Tags Blocks
// @Produce json
// @Param pid path string true "页面 ID"
// @Success 200 {object} dto.Response[dto.BlockListResponse]
// @Router /v1/pages/{pid}/blocks [get]
func (h *BlockHandler) ListBlocks(c *gin.Context) {
	blocks, err := h.pages.ListBlocks(c.Request.Context(), dto.BindPageID(c))
	if err != nil {
		respondError(c, "failed to list blocks", err)
		return
	}
	dto.Success(c, dto.ToBlockListResponse(blocks))
}
