package entity

import (
	"fmt"

	"github.com/google/uuid"
)

// Mode 重生成强度
type Mode string

const (
	ModeLight Mode = "light"
	ModeHeavy Mode = "heavy"
)

// StyleKind 风格参数类型
type StyleKind string

const (
	StyleNamed            StyleKind = "named"
	StyleUseReference     StyleKind = "use-reference"
	StyleUseDesignDefault StyleKind = "use-design-definition"
)

// StyleParams 风格参数：具名风格、参考区块或设计定义
type StyleParams struct {
	Kind        StyleKind `json:"kind"`
	Name        string    `json:"name,omitempty"`
	ColorScheme string    `json:"color_scheme,omitempty"`
}

// Wire 返回下发给生成服务的 style 字段
func (s StyleParams) Wire() string {
	if s.Kind == StyleNamed {
		return s.Name
	}
	return string(s.Kind)
}

// Validate 校验风格参数
func (s StyleParams) Validate() error {
	switch s.Kind {
	case StyleNamed:
		if s.Name == "" {
			return fmt.Errorf("style name is required")
		}
	case StyleUseReference, StyleUseDesignDefault:
	default:
		return fmt.Errorf("unknown style kind %q", s.Kind)
	}
	return nil
}

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal 是否为终态
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// SettledStatus 按成功与否给出终态
func SettledStatus(success bool) TaskStatus {
	if success {
		return TaskStatusSucceeded
	}
	return TaskStatusFailed
}

// RegenerationTask 单个区块的重生成任务
type RegenerationTask struct {
	ID                   string      `json:"id"`
	BlockID              BlockID     `json:"block_id"`
	Style                StyleParams `json:"style"`
	Mode                 Mode        `json:"mode"`
	ReferenceContentRef  *ContentRef `json:"reference_content_ref,omitempty"`
	TargetVariant        Variant     `json:"target_variant"`
	CustomInstruction    string      `json:"custom_instruction,omitempty"`
	BoundaryOffsetTop    int         `json:"boundary_offset_top"`
	BoundaryOffsetBottom int         `json:"boundary_offset_bottom"`
	CopyText             string      `json:"copy_text,omitempty"`
	Status               TaskStatus  `json:"status"`
}

// NewRegenerationTask 为区块创建任务，偏移与文案取自区块当前状态
func NewRegenerationTask(block ContentBlock, style StyleParams, mode Mode, variant Variant) RegenerationTask {
	return RegenerationTask{
		ID:                   uuid.NewString(),
		BlockID:              block.ID,
		Style:                style,
		Mode:                 mode,
		TargetVariant:        variant,
		BoundaryOffsetTop:    block.BoundaryOffsetTop,
		BoundaryOffsetBottom: block.BoundaryOffsetBottom,
		CopyText:             block.CopyText(),
		Status:               TaskStatusCreated,
	}
}

// TaskOutcome 任务结果，批次结束前不写入区块状态
type TaskOutcome struct {
	TaskID       string      `json:"task_id"`
	BlockID      BlockID     `json:"block_id"`
	Success      bool        `json:"success"`
	Desktop      *ContentRef `json:"new_desktop_ref,omitempty"`
	Mobile       *ContentRef `json:"new_mobile_ref,omitempty"`
	Status       TaskStatus  `json:"status"`
	Attempts     int         `json:"attempts"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Err          error       `json:"-"`
}

// Progress 批次进度
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Done 是否全部完成
func (p Progress) Done() bool {
	return p.Total > 0 && p.Completed >= p.Total
}
