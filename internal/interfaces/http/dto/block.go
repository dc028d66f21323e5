package dto

import (
	"landing-ai-api/internal/domain/entity"
)

// SaveBlocksRequest 整页保存请求
type SaveBlocksRequest struct {
	Blocks []entity.ContentBlock `json:"blocks" binding:"required"`
}

// BlockListResponse 区块列表响应
type BlockListResponse struct {
	Blocks []entity.ContentBlock `json:"blocks"`
}

// ToBlockListResponse 转换区块列表；nil 输出为空数组
func ToBlockListResponse(blocks []entity.ContentBlock) *BlockListResponse {
	if blocks == nil {
		blocks = []entity.ContentBlock{}
	}
	return &BlockListResponse{Blocks: blocks}
}
