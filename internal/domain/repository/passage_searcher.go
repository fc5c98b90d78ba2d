// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"scripture-qa-api/internal/domain/entity"
)

// ScoredPassage 带原始检索分数的片段
type ScoredPassage struct {
	Passage *entity.Passage
	Score   float64
}

// DenseSearcher 稠密向量检索接口
type DenseSearcher interface {
	// SearchDense 按查询向量余弦相似度返回 top-k 片段，分数越大越相似
	SearchDense(ctx context.Context, vector []float32, k int) ([]ScoredPassage, error)
}

// LexicalSearcher 词法检索接口
type LexicalSearcher interface {
	// SearchLexical 按查询词项的词频排名返回 top-k 片段
	SearchLexical(ctx context.Context, terms []string, k int) ([]ScoredPassage, error)
}

// RangeSearcher 引用范围检索接口
type RangeSearcher interface {
	// SearchRange 返回引用范围标签与过滤范围相交的全部片段
	SearchRange(ctx context.Context, rng entity.RefRange) ([]*entity.Passage, error)
}
