// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"scripture-qa-api/internal/domain/entity"
	"scripture-qa-api/internal/domain/repository"
)

// PassageRepository 语料片段仓储实现
// 同时承担词法检索与范围检索，实现 repository.LexicalSearcher 与 repository.RangeSearcher
type PassageRepository struct {
	client *Client
}

// NewPassageRepository 创建语料片段仓储
func NewPassageRepository(client *Client) *PassageRepository {
	return &PassageRepository{client: client}
}

// Upsert 写入或覆盖片段，供摄取流程调用
func (r *PassageRepository) Upsert(ctx context.Context, passages []*entity.Passage) error {
	ctx, span := tracer.Start(ctx, "postgres.PassageRepository.Upsert",
		trace.WithAttributes(attribute.Int("count", len(passages))))
	defer span.End()

	if len(passages) == 0 {
		return nil
	}
	db := r.client.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(passages).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert passages: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取片段，未找到返回 nil
func (r *PassageRepository) GetByID(ctx context.Context, id string) (*entity.Passage, error) {
	ctx, span := tracer.Start(ctx, "postgres.PassageRepository.GetByID")
	defer span.End()

	var passage entity.Passage
	if err := r.client.db.WithContext(ctx).First(&passage, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get passage: %w", err)
	}
	return &passage, nil
}

// SearchLexical 按查询词项的全文排名返回 top-k 片段
// 词项以 OR 语义合并，分数为 ts_rank，越大越相关
func (r *PassageRepository) SearchLexical(ctx context.Context, terms []string, k int) ([]repository.ScoredPassage, error) {
	ctx, span := tracer.Start(ctx, "postgres.PassageRepository.SearchLexical",
		trace.WithAttributes(attribute.Int("terms", len(terms)), attribute.Int("top_k", k)))
	defer span.End()

	if len(terms) == 0 {
		return nil, nil
	}

	type rankedPassage struct {
		entity.Passage
		Rank float64 `gorm:"column:rank"`
	}

	var rows []rankedPassage
	err := r.client.db.WithContext(ctx).Raw(`
		SELECT p.*,
		       ts_rank(to_tsvector('simple', p.text), q.query) AS rank
		FROM passages p,
		     to_tsquery('simple', array_to_string($1::text[], ' | ')) q(query)
		WHERE to_tsvector('simple', p.text) @@ q.query
		ORDER BY rank DESC, p.id ASC
		LIMIT $2`,
		pq.Array(terms), k,
	).Scan(&rows).Error
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search passages: %w", err)
	}

	hits := make([]repository.ScoredPassage, 0, len(rows))
	for i := range rows {
		p := rows[i].Passage
		hits = append(hits, repository.ScoredPassage{Passage: &p, Score: rows[i].Rank})
	}
	span.SetAttributes(attribute.Int("result_count", len(hits)))
	return hits, nil
}

// SearchRange 返回引用范围标签与过滤范围相交的全部片段
// SQL 只做书卷级粗筛，精确的区间相交在内存中按解析后的标签判断
func (r *PassageRepository) SearchRange(ctx context.Context, rng entity.RefRange) ([]*entity.Passage, error) {
	ctx, span := tracer.Start(ctx, "postgres.PassageRepository.SearchRange",
		trace.WithAttributes(attribute.String("range", rng.String())))
	defer span.End()

	var rows []*entity.Passage
	err := r.client.db.WithContext(ctx).
		Where("ref_start LIKE ?", rng.Start.Book+".%").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search passages by range: %w", err)
	}

	var matched []*entity.Passage
	for _, p := range rows {
		tag, err := p.Range()
		if err != nil || tag == nil {
			continue
		}
		if tag.Intersects(rng) {
			matched = append(matched, p)
		}
	}
	span.SetAttributes(attribute.Int("result_count", len(matched)))
	return matched, nil
}

// EnsureIndexes 创建全文与范围检索所需的索引，幂等
func (r *PassageRepository) EnsureIndexes(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "postgres.PassageRepository.EnsureIndexes")
	defer span.End()

	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_passages_text_fts ON passages USING gin (to_tsvector('simple', text))`,
		`CREATE INDEX IF NOT EXISTS idx_passages_ref_start ON passages (ref_start)`,
	}
	for _, stmt := range stmts {
		if err := r.client.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
