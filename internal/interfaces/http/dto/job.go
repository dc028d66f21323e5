package dto

import (
	"encoding/json"
	"time"

	"landing-ai-api/internal/domain/entity"
)

// RegenerationRequest 批量重生成请求
type RegenerationRequest struct {
	Targets           []entity.BlockID   `json:"targets" binding:"required,min=1"`
	Reference         *entity.BlockID    `json:"reference,omitempty"`
	IncludeReference  bool               `json:"include_reference,omitempty"`
	Style             entity.StyleParams `json:"style"`
	Mode              entity.Mode        `json:"mode"`
	Variant           entity.Variant     `json:"variant"`
	CustomInstruction string             `json:"custom_instruction,omitempty"`
}

// ToParams 转换为任务参数
func (r *RegenerationRequest) ToParams() entity.BatchParams {
	return entity.BatchParams{
		Targets:           r.Targets,
		Reference:         r.Reference,
		IncludeReference:  r.IncludeReference,
		Style:             r.Style,
		Mode:              r.Mode,
		Variant:           r.Variant,
		CustomInstruction: r.CustomInstruction,
	}
}

// JobResponse 批量任务响应
type JobResponse struct {
	ID           string          `json:"id"`
	PageID       string          `json:"page_id"`
	Status       string          `json:"status"`
	Params       json.RawMessage `json:"params,omitempty"`
	Total        int             `json:"total"`
	Completed    int             `json:"completed"`
	Succeeded    int             `json:"succeeded"`
	Failed       int             `json:"failed"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// JobListResponse 任务列表响应
type JobListResponse struct {
	Jobs []*JobResponse `json:"jobs"`
}

// CancelJobResponse 取消任务响应
type CancelJobResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Cancelled bool   `json:"cancelled"`
}

// ToJobResponse 将领域实体转换为响应 DTO
func ToJobResponse(j *entity.BatchJob) *JobResponse {
	if j == nil {
		return nil
	}
	return &JobResponse{
		ID:           j.ID,
		PageID:       j.PageID,
		Status:       string(j.Status),
		Params:       j.Params,
		Total:        j.Total,
		Completed:    j.Completed,
		Succeeded:    j.Succeeded,
		Failed:       j.Failed,
		ErrorMessage: j.ErrorMessage,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// ToJobListResponse 将领域实体列表转换为响应 DTO
func ToJobListResponse(jobs []*entity.BatchJob) *JobListResponse {
	resp := &JobListResponse{
		Jobs: make([]*JobResponse, 0, len(jobs)),
	}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, ToJobResponse(j))
	}
	return resp
}
