package postgres

import (
	"encoding/json"
	"time"

	"landing-ai-api/internal/domain/entity"
)

// blockRow content_blocks 表行
type blockRow struct {
	ID                   int64     `gorm:"primaryKey;autoIncrement"`
	PageID               string    `gorm:"type:uuid;not null;index:idx_content_blocks_page_ordinal,priority:1"`
	Ordinal              int       `gorm:"not null;index:idx_content_blocks_page_ordinal,priority:2"`
	ContentArtifactID    *int64    `gorm:"column:content_artifact_id"`
	ContentURL           string    `gorm:"column:content_url;type:text"`
	MobileArtifactID     *int64    `gorm:"column:mobile_artifact_id"`
	MobileURL            string    `gorm:"column:mobile_url;type:text"`
	BoundaryOffsetTop    int       `gorm:"not null;default:0"`
	BoundaryOffsetBottom int       `gorm:"not null;default:0"`
	StyleConfig          []byte    `gorm:"type:jsonb"`
	CreatedAt            time.Time `gorm:"autoCreateTime"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (blockRow) TableName() string {
	return "content_blocks"
}

func newBlockRow(pageID string, b *entity.ContentBlock) (*blockRow, error) {
	row := &blockRow{
		ID:                   b.ID.Int64(),
		PageID:               pageID,
		Ordinal:              b.Ordinal,
		BoundaryOffsetTop:    entity.ClampOffset(b.BoundaryOffsetTop),
		BoundaryOffsetBottom: entity.ClampOffset(b.BoundaryOffsetBottom),
	}
	row.ContentArtifactID, row.ContentURL = splitRef(b.ContentRef)
	row.MobileArtifactID, row.MobileURL = splitRef(b.MobileContentRef)
	if len(b.StyleConfig) > 0 {
		raw, err := json.Marshal(b.StyleConfig)
		if err != nil {
			return nil, err
		}
		row.StyleConfig = raw
	}
	return row, nil
}

func (r *blockRow) toEntity() (entity.ContentBlock, error) {
	b := entity.ContentBlock{
		ID:                   entity.DurableID(r.ID),
		Ordinal:              r.Ordinal,
		ContentRef:           joinRef(r.ContentArtifactID, r.ContentURL),
		MobileContentRef:     joinRef(r.MobileArtifactID, r.MobileURL),
		BoundaryOffsetTop:    r.BoundaryOffsetTop,
		BoundaryOffsetBottom: r.BoundaryOffsetBottom,
		UpdatedAt:            r.UpdatedAt,
	}
	if len(r.StyleConfig) > 0 {
		if err := json.Unmarshal(r.StyleConfig, &b.StyleConfig); err != nil {
			return entity.ContentBlock{}, err
		}
	}
	return b, nil
}

// historyRow block_history 表行，只插入不更新
type historyRow struct {
	ID               int64   `gorm:"primaryKey;autoIncrement"`
	BlockID          int64   `gorm:"not null;index:idx_block_history_block_created,priority:1"`
	Variant          string  `gorm:"type:varchar(16);not null"`
	BeforeArtifactID *int64  `gorm:"column:before_artifact_id"`
	BeforeURL        string  `gorm:"column:before_url;type:text"`
	AfterArtifactID  *int64  `gorm:"column:after_artifact_id"`
	AfterURL         string  `gorm:"column:after_url;type:text"`
	Action           string  `gorm:"type:varchar(32);not null;index"`
	PromptText       string  `gorm:"type:text"`
	DedupeKey        *string `gorm:"type:varchar(128);uniqueIndex"`
	// 倒序读取的排序键
	CreatedAt time.Time `gorm:"not null;index:idx_block_history_block_created,priority:2,sort:desc"`
}

// TableName 指定表名
func (historyRow) TableName() string {
	return "block_history"
}

func newHistoryRow(e *entity.HistoryEntry) *historyRow {
	row := &historyRow{
		BlockID:    e.BlockID.Int64(),
		Variant:    string(e.Variant),
		Action:     string(e.Action),
		PromptText: e.PromptText,
		CreatedAt:  e.CreatedAt,
	}
	row.BeforeArtifactID, row.BeforeURL = splitRef(e.Before)
	row.AfterArtifactID, row.AfterURL = splitRef(e.After)
	return row
}

func (r *historyRow) toEntity() entity.HistoryEntry {
	return entity.HistoryEntry{
		ID:         r.ID,
		BlockID:    entity.DurableID(r.BlockID),
		Variant:    entity.Variant(r.Variant),
		Before:     joinRef(r.BeforeArtifactID, r.BeforeURL),
		After:      joinRef(r.AfterArtifactID, r.AfterURL),
		Action:     entity.ActionType(r.Action),
		PromptText: r.PromptText,
		CreatedAt:  r.CreatedAt,
	}
}

func splitRef(ref *entity.ContentRef) (*int64, string) {
	if !ref.Valid() {
		return nil, ""
	}
	id := ref.ArtifactID
	return &id, ref.URL
}

func joinRef(id *int64, url string) *entity.ContentRef {
	if id == nil || *id <= 0 || url == "" {
		return nil
	}
	return &entity.ContentRef{ArtifactID: *id, URL: url}
}
