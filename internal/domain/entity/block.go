package entity

import (
	"maps"
	"time"
)

// MaxBoundaryOffset 裁剪偏移的绝对值上限（像素）
const MaxBoundaryOffset = 300

// Variant 视口变体
type Variant string

const (
	VariantDesktop Variant = "desktop"
	VariantMobile  Variant = "mobile"
	VariantBoth    Variant = "both"
)

// Valid 检查变体是否合法
func (v Variant) Valid() bool {
	switch v {
	case VariantDesktop, VariantMobile, VariantBoth:
		return true
	}
	return false
}

// ContentRef 生成产物引用
type ContentRef struct {
	ArtifactID int64  `json:"id"`
	URL        string `json:"url"`
}

// Valid 引用必须同时有 ID 与 URL
func (r *ContentRef) Valid() bool {
	return r != nil && r.ArtifactID > 0 && r.URL != ""
}

// Clone 深拷贝
func (r *ContentRef) Clone() *ContentRef {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Equal 比较两个引用（均为空视为相等）
func (r *ContentRef) Equal(o *ContentRef) bool {
	if r == nil || o == nil {
		return r == nil && o == nil
	}
	return *r == *o
}

// ContentBlock 页面区块
type ContentBlock struct {
	ID                   BlockID        `json:"id"`
	Ordinal              int            `json:"ordinal"`
	ContentRef           *ContentRef    `json:"content_ref,omitempty"`
	MobileContentRef     *ContentRef    `json:"mobile_content_ref,omitempty"`
	BoundaryOffsetTop    int            `json:"boundary_offset_top"`
	BoundaryOffsetBottom int            `json:"boundary_offset_bottom"`
	StyleConfig          map[string]any `json:"style_config,omitempty"`
	UpdatedAt            time.Time      `json:"updated_at,omitempty"`
}

// NewContentBlock 创建带临时 ID 的新区块
func NewContentBlock(ordinal int) ContentBlock {
	return ContentBlock{
		ID:      NewEphemeralID(),
		Ordinal: ordinal,
	}
}

// Clone 深拷贝区块；StyleConfig 只复制顶层
func (b ContentBlock) Clone() ContentBlock {
	cp := b
	cp.ContentRef = b.ContentRef.Clone()
	cp.MobileContentRef = b.MobileContentRef.Clone()
	if b.StyleConfig != nil {
		cp.StyleConfig = maps.Clone(b.StyleConfig)
	}
	return cp
}

// Ref 返回指定视口的当前产物
func (b *ContentBlock) Ref(v Variant) *ContentRef {
	if v == VariantMobile {
		return b.MobileContentRef
	}
	return b.ContentRef
}

// SetRef 设置指定视口的当前产物
func (b *ContentBlock) SetRef(v Variant, ref *ContentRef) {
	if v == VariantMobile {
		b.MobileContentRef = ref.Clone()
		return
	}
	b.ContentRef = ref.Clone()
}

// SetBoundaryOffsets 设置裁剪偏移并限制在 ±MaxBoundaryOffset
func (b *ContentBlock) SetBoundaryOffsets(top, bottom int) {
	b.BoundaryOffsetTop = ClampOffset(top)
	b.BoundaryOffsetBottom = ClampOffset(bottom)
}

// CopyText 返回区块文案（styleConfig.copy_text）
func (b *ContentBlock) CopyText() string {
	if b.StyleConfig == nil {
		return ""
	}
	s, _ := b.StyleConfig["copy_text"].(string)
	return s
}

// ClampOffset 限制偏移范围
func ClampOffset(v int) int {
	if v > MaxBoundaryOffset {
		return MaxBoundaryOffset
	}
	if v < -MaxBoundaryOffset {
		return -MaxBoundaryOffset
	}
	return v
}
