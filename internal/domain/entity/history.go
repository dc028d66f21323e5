package entity

import "time"

// ActionType 历史动作类型
type ActionType string

const (
	ActionRegenerate      ActionType = "regenerate"
	ActionInpaint         ActionType = "inpaint"
	ActionDesignUnify     ActionType = "design-unify"
	ActionBackgroundUnify ActionType = "background-unify"
	ActionRestore         ActionType = "restore"
	ActionImport          ActionType = "import"
	ActionManualReplace   ActionType = "manual-replace"
)

// Valid 检查动作类型
func (a ActionType) Valid() bool {
	switch a {
	case ActionRegenerate, ActionInpaint, ActionDesignUnify, ActionBackgroundUnify,
		ActionRestore, ActionImport, ActionManualReplace:
		return true
	}
	return false
}

// HistoryEntry 区块内容变更记录（before/after 产物对）
type HistoryEntry struct {
	ID         int64       `json:"id,omitempty"`
	BlockID    BlockID     `json:"block_id"`
	Variant    Variant     `json:"variant"`
	Before     *ContentRef `json:"before,omitempty"`
	After      *ContentRef `json:"after,omitempty"`
	Action     ActionType  `json:"action_type"`
	PromptText string      `json:"prompt_text,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// DurableHistory 持久历史：追加日志与导入原图
type DurableHistory struct {
	Entries        []HistoryEntry `json:"history"`
	OriginalImages []ContentRef   `json:"original_images"`
}

// Contains 判断产物是否出现在历史或原图中
func (h *DurableHistory) Contains(artifactID int64) (*ContentRef, bool) {
	if h == nil {
		return nil, false
	}
	for i := range h.OriginalImages {
		if h.OriginalImages[i].ArtifactID == artifactID {
			return &h.OriginalImages[i], true
		}
	}
	for i := range h.Entries {
		e := &h.Entries[i]
		if e.Before != nil && e.Before.ArtifactID == artifactID {
			return e.Before, true
		}
		if e.After != nil && e.After.ArtifactID == artifactID {
			return e.After, true
		}
	}
	return nil, false
}
