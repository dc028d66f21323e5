package entity

import (
	"encoding/json"
	"time"
)

// BatchStatus 批量重生成任务状态
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusRunning    BatchStatus = "running"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusPartial    BatchStatus = "partial"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCancelled  BatchStatus = "cancelled"
	BatchStatusCancelling BatchStatus = "cancelling" // 已请求取消，worker 收尾前页面仍被占用
)

// Terminal 是否为终态
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusPartial, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// BatchParams 批量重生成参数
type BatchParams struct {
	Targets           []BlockID   `json:"targets"`
	Reference         *BlockID    `json:"reference,omitempty"`
	IncludeReference  bool        `json:"include_reference,omitempty"`
	Style             StyleParams `json:"style"`
	Mode              Mode        `json:"mode"`
	Variant           Variant     `json:"variant"`
	CustomInstruction string      `json:"custom_instruction,omitempty"`
	// AllowHeavy 计费侧能力开关，为 false 时 heavy 降级为 light
	AllowHeavy bool `json:"allow_heavy,omitempty"`
}

// BatchJob 服务端批量重生成任务记录
type BatchJob struct {
	ID             string          `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	PageID         string          `json:"page_id" gorm:"type:uuid;index;not null"`
	Status         BatchStatus     `json:"status" gorm:"type:varchar(16);not null"`
	Params         json.RawMessage `json:"params" gorm:"type:jsonb;not null"`
	Total          int             `json:"total"`
	Completed      int             `json:"completed"`
	Succeeded      int             `json:"succeeded"`
	Failed         int             `json:"failed"`
	ErrorMessage   string          `json:"error_message,omitempty" gorm:"type:text"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty" gorm:"type:varchar(128);uniqueIndex"`
	CreatedAt      time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// TableName 指定表名
func (BatchJob) TableName() string {
	return "batch_jobs"
}

// NewBatchJob 创建新任务
func NewBatchJob(pageID string, params json.RawMessage) *BatchJob {
	return &BatchJob{
		PageID:    pageID,
		Status:    BatchStatusPending,
		Params:    params,
		CreatedAt: time.Now(),
	}
}

// Start 开始执行任务
func (j *BatchJob) Start(total int) {
	now := time.Now()
	j.Status = BatchStatusRunning
	j.Total = total
	j.StartedAt = &now
}

// Finish 根据成功/失败数确定终态
func (j *BatchJob) Finish(succeeded, failed int) {
	now := time.Now()
	j.Succeeded = succeeded
	j.Failed = failed
	j.Completed = succeeded + failed
	switch {
	case j.Total == 0 || failed == 0:
		j.Status = BatchStatusCompleted
	case succeeded == 0:
		j.Status = BatchStatusFailed
	default:
		j.Status = BatchStatusPartial
	}
	j.CompletedAt = &now
}

// Fail 任务整体失败（保存失败、ID 映射失败等）
func (j *BatchJob) Fail(errMsg string) {
	now := time.Now()
	j.Status = BatchStatusFailed
	j.ErrorMessage = errMsg
	j.CompletedAt = &now
}

// RequestCancel 标记取消请求，由 worker 在当前波次结束后收尾
func (j *BatchJob) RequestCancel() {
	j.Status = BatchStatusCancelling
}

// Cancel 取消任务
func (j *BatchJob) Cancel() {
	now := time.Now()
	j.Status = BatchStatusCancelled
	j.CompletedAt = &now
}

// Progress 返回当前进度
func (j *BatchJob) Progress() Progress {
	return Progress{Completed: j.Completed, Total: j.Total}
}

// UpdateProgress 更新进度，进度只增不减
func (j *BatchJob) UpdateProgress(p Progress) {
	if p.Completed < j.Completed {
		return
	}
	if p.Total > 0 {
		j.Total = p.Total
	}
	if p.Completed > j.Total {
		p.Completed = j.Total
	}
	j.Completed = p.Completed
}
