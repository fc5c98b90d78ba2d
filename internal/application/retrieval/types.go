package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"scripture-qa-api/internal/domain/entity"
)

// Source 候选片段的召回来源
type Source string

const (
	SourceDense   Source = "dense"
	SourceLexical Source = "lexical"
	SourceRange   Source = "range"
)

// Candidate 一条带分数的检索候选，仅在单次查询内存活
type Candidate struct {
	Passage *entity.Passage `json:"passage"`

	// 各来源的原始分数与归一化后的融合分数
	DenseScore   float64 `json:"dense_score"`
	LexicalScore float64 `json:"lexical_score"`
	FusedScore   float64 `json:"fused_score"`

	// Provenance 候选的召回来源，可能同时来自多路
	Provenance []Source `json:"provenance"`
}

// FromSource 检查候选是否来自指定来源
func (c *Candidate) FromSource(s Source) bool {
	for _, p := range c.Provenance {
		if p == s {
			return true
		}
	}
	return false
}

// rangeOnly 检查候选是否仅由范围过滤召回
func (c *Candidate) rangeOnly() bool {
	return len(c.Provenance) == 1 && c.Provenance[0] == SourceRange
}

// Bundle 单次查询的有序检索结果，创建后不再变更
type Bundle struct {
	Query      string           `json:"query"`
	Filter     *entity.RefRange `json:"filter,omitempty"`
	Candidates []*Candidate     `json:"candidates"`
}

// Empty 检查是否无任何候选
func (b *Bundle) Empty() bool {
	return b == nil || len(b.Candidates) == 0
}

// Digest 计算候选集合的确定性摘要，作为生成指纹的组成部分
// 仅依赖候选片段 ID 的顺序，不掺入易变的分数
func (b *Bundle) Digest() string {
	h := sha256.New()
	if b != nil {
		if b.Filter != nil {
			_, _ = io.WriteString(h, b.Filter.String())
		}
		for _, c := range b.Candidates {
			_, _ = io.WriteString(h, c.Passage.ID)
			_, _ = h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Embedder 查询向量化接口
type Embedder interface {
	// EmbedQuery 将查询文本编码为稠密向量
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}
