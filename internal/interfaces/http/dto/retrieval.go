// Package dto 提供 HTTP 层数据传输对象
package dto

import (
	"scripture-qa-api/internal/application/retrieval"
)

// SearchRequest 检索请求
type SearchRequest struct {
	Query string `json:"query" binding:"required,max=5000"`
	// Range 规范化引用范围过滤，形如 Luke.2.1-Luke.2.7，可选
	Range string `json:"range,omitempty"`
	TopK  int    `json:"top_k,omitempty"`
}

// SearchCandidate 检索候选
type SearchCandidate struct {
	ID           string   `json:"id"`
	DocumentID   string   `json:"document_id"`
	Text         string   `json:"text"`
	Reference    string   `json:"reference,omitempty"`
	Page         int      `json:"page,omitempty"`
	TimeStartMs  int64    `json:"time_start_ms,omitempty"`
	TimeEndMs    int64    `json:"time_end_ms,omitempty"`
	DenseScore   float64  `json:"dense_score"`
	LexicalScore float64  `json:"lexical_score"`
	FusedScore   float64  `json:"fused_score"`
	Provenance   []string `json:"provenance"`
}

// SearchResponse 检索响应
type SearchResponse struct {
	Query      string             `json:"query"`
	Range      string             `json:"range,omitempty"`
	Digest     string             `json:"digest"`
	Candidates []*SearchCandidate `json:"candidates"`
}

// FromBundle 将检索结果转换为响应
func FromBundle(bundle *retrieval.Bundle) *SearchResponse {
	resp := &SearchResponse{
		Query:      bundle.Query,
		Digest:     bundle.Digest(),
		Candidates: make([]*SearchCandidate, 0, len(bundle.Candidates)),
	}
	if bundle.Filter != nil {
		resp.Range = bundle.Filter.String()
	}
	for _, c := range bundle.Candidates {
		provenance := make([]string, 0, len(c.Provenance))
		for _, s := range c.Provenance {
			provenance = append(provenance, string(s))
		}
		sc := &SearchCandidate{
			ID:           c.Passage.ID,
			DocumentID:   c.Passage.DocumentID,
			Text:         c.Passage.Text,
			Page:         c.Passage.Page,
			TimeStartMs:  c.Passage.TimeStartMs,
			TimeEndMs:    c.Passage.TimeEndMs,
			DenseScore:   c.DenseScore,
			LexicalScore: c.LexicalScore,
			FusedScore:   c.FusedScore,
			Provenance:   provenance,
		}
		if c.Passage.RefStart != "" {
			sc.Reference = c.Passage.RefStart
			if c.Passage.RefEnd != "" && c.Passage.RefEnd != c.Passage.RefStart {
				sc.Reference = c.Passage.RefStart + "-" + c.Passage.RefEnd
			}
		}
		resp.Candidates = append(resp.Candidates, sc)
	}
	return resp
}
