package dto

import (
	"landing-ai-api/internal/domain/entity"
)

// HistoryResponse 持久历史响应
type HistoryResponse struct {
	History        []entity.HistoryEntry `json:"history"`
	OriginalImages []entity.ContentRef   `json:"original_images"`
}

// ToHistoryResponse 转换持久历史
func ToHistoryResponse(h *entity.DurableHistory) *HistoryResponse {
	resp := &HistoryResponse{
		History:        []entity.HistoryEntry{},
		OriginalImages: []entity.ContentRef{},
	}
	if h == nil {
		return resp
	}
	if h.Entries != nil {
		resp.History = h.Entries
	}
	if h.OriginalImages != nil {
		resp.OriginalImages = h.OriginalImages
	}
	return resp
}

// RestoreRequest 恢复历史产物请求
type RestoreRequest struct {
	ArtifactID int64          `json:"artifact_id" binding:"required,gt=0"`
	Variant    entity.Variant `json:"variant"`
}

// RestoreResponse 恢复结果
type RestoreResponse struct {
	Success bool                 `json:"success"`
	Block   *entity.ContentBlock `json:"block,omitempty"`
}
