// Package entity 定义领域实体
package entity

import (
	"time"
)

// Passage 可检索的语料单元，由外部摄取子系统写入，对核心只读
type Passage struct {
	ID         string `json:"id" gorm:"type:varchar(64);primaryKey"`
	DocumentID string `json:"document_id" gorm:"type:varchar(64);index;not null"`
	Text       string `json:"text" gorm:"type:text;not null"`

	// 锚点：页码或时间区间（音视频语料），均可为空
	Page        int   `json:"page,omitempty" gorm:"default:0"`
	TimeStartMs int64 `json:"time_start_ms,omitempty" gorm:"default:0"`
	TimeEndMs   int64 `json:"time_end_ms,omitempty" gorm:"default:0"`

	// 规范化引用范围标签，形如 Luke.2.1 / Luke.2.7，均可为空
	RefStart string `json:"ref_start,omitempty" gorm:"type:varchar(64);index"`
	RefEnd   string `json:"ref_end,omitempty" gorm:"type:varchar(64);index"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定表名
func (Passage) TableName() string {
	return "passages"
}

// Range 解析引用范围标签，未标注时返回 nil
func (p *Passage) Range() (*RefRange, error) {
	if p.RefStart == "" {
		return nil, nil
	}
	s := p.RefStart
	if p.RefEnd != "" && p.RefEnd != p.RefStart {
		s = p.RefStart + "-" + p.RefEnd
	}
	rr, err := ParseRange(s)
	if err != nil {
		return nil, err
	}
	return &rr, nil
}

// HasAnchor 检查是否携带页码或时间锚点
func (p *Passage) HasAnchor() bool {
	return p.Page > 0 || p.TimeEndMs > p.TimeStartMs
}

// AnchorOverlaps 检查两个片段的锚点是否重叠
// 页码锚点要求页码相同；时间锚点按闭区间相交判断
func (p *Passage) AnchorOverlaps(o *Passage) bool {
	if p == nil || o == nil {
		return false
	}
	if p.Page > 0 && o.Page > 0 {
		return p.Page == o.Page
	}
	if p.TimeEndMs > p.TimeStartMs && o.TimeEndMs > o.TimeStartMs {
		return p.TimeStartMs <= o.TimeEndMs && o.TimeStartMs <= p.TimeEndMs
	}
	return false
}
