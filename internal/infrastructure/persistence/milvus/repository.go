// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"context"
	"fmt"

	milvusentity "github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"scripture-qa-api/internal/domain/entity"
	"scripture-qa-api/internal/domain/repository"
)

// Repository 稠密向量检索仓储，实现 repository.DenseSearcher
type Repository struct {
	client *Client
}

// NewRepository 创建稠密向量检索仓储
func NewRepository(client *Client) *Repository {
	return &Repository{client: client}
}

// EnsureCollection 建集合、建索引并加载到内存，已存在时跳过创建
func (r *Repository) EnsureCollection(ctx context.Context) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.EnsureCollection",
		trace.WithAttributes(attribute.String("collection", CollectionPassages)))
	defer span.End()

	collName := r.client.CollectionName(CollectionPassages)

	has, err := r.client.milvus.HasCollection(ctx, collName)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		schema := PassagesSchema()
		schema.CollectionName = collName
		if err := r.client.milvus.CreateCollection(ctx, schema, milvusentity.DefaultShardNumber); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := milvusentity.NewIndexHNSW(
			milvusentity.COSINE,
			r.client.config.HNSWM,
			r.client.config.HNSWEfConstruction,
		)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create index: %w", err)
		}
		if err := r.client.milvus.CreateIndex(ctx, collName, "vector", idx, false); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := r.client.milvus.LoadCollection(ctx, collName, false); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

// Upsert 写入或覆盖片段向量，供摄取流程调用
func (r *Repository) Upsert(ctx context.Context, vectors []*PassageVector) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	if len(vectors) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "milvus.Upsert",
		trace.WithAttributes(attribute.Int("count", len(vectors))))
	defer span.End()

	collName := r.client.CollectionName(CollectionPassages)

	ids := make([]string, len(vectors))
	vecs := make([][]float32, len(vectors))
	docIDs := make([]string, len(vectors))
	texts := make([]string, len(vectors))
	pages := make([]int64, len(vectors))
	starts := make([]int64, len(vectors))
	ends := make([]int64, len(vectors))
	refStarts := make([]string, len(vectors))
	refEnds := make([]string, len(vectors))
	for i, v := range vectors {
		ids[i] = v.ID
		vecs[i] = v.Vector
		docIDs[i] = v.DocumentID
		texts[i] = v.Text
		pages[i] = v.Page
		starts[i] = v.TimeStartMs
		ends[i] = v.TimeEndMs
		refStarts[i] = v.RefStart
		refEnds[i] = v.RefEnd
	}

	_, err := r.client.milvus.Upsert(ctx, collName, "",
		milvusentity.NewColumnVarChar("id", ids),
		milvusentity.NewColumnFloatVector("vector", VectorDimension, vecs),
		milvusentity.NewColumnVarChar("document_id", docIDs),
		milvusentity.NewColumnVarChar("text", texts),
		milvusentity.NewColumnInt64("page", pages),
		milvusentity.NewColumnInt64("time_start_ms", starts),
		milvusentity.NewColumnInt64("time_end_ms", ends),
		milvusentity.NewColumnVarChar("ref_start", refStarts),
		milvusentity.NewColumnVarChar("ref_end", refEnds),
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert passages: %w", err)
	}
	return nil
}

// SearchDense 按查询向量余弦相似度返回 top-k 片段
func (r *Repository) SearchDense(ctx context.Context, vector []float32, k int) ([]repository.ScoredPassage, error) {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return nil, fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.SearchDense",
		trace.WithAttributes(attribute.Int("top_k", k)))
	defer span.End()

	collName := r.client.CollectionName(CollectionPassages)

	sp, err := milvusentity.NewIndexHNSWSearchParam(128)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create search param: %w", err)
	}

	results, err := r.client.milvus.Search(ctx,
		collName,
		nil,
		"",
		[]string{"id", "document_id", "text", "page", "time_start_ms", "time_end_ms", "ref_start", "ref_end"},
		[]milvusentity.Vector{milvusentity.FloatVector(vector)},
		"vector",
		milvusentity.COSINE,
		k,
		sp,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var hits []repository.ScoredPassage
	for _, result := range results {
		for i := 0; i < result.ResultCount; i++ {
			p := &entity.Passage{}
			if col, ok := result.Fields.GetColumn("id").(*milvusentity.ColumnVarChar); ok {
				p.ID = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn("document_id").(*milvusentity.ColumnVarChar); ok {
				p.DocumentID = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn("text").(*milvusentity.ColumnVarChar); ok {
				p.Text = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn("page").(*milvusentity.ColumnInt64); ok {
				p.Page = int(col.Data()[i])
			}
			if col, ok := result.Fields.GetColumn("time_start_ms").(*milvusentity.ColumnInt64); ok {
				p.TimeStartMs = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn("time_end_ms").(*milvusentity.ColumnInt64); ok {
				p.TimeEndMs = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn("ref_start").(*milvusentity.ColumnVarChar); ok {
				p.RefStart = col.Data()[i]
			}
			if col, ok := result.Fields.GetColumn("ref_end").(*milvusentity.ColumnVarChar); ok {
				p.RefEnd = col.Data()[i]
			}
			hits = append(hits, repository.ScoredPassage{
				Passage: p,
				Score:   float64(result.Scores[i]),
			})
		}
	}

	span.SetAttributes(attribute.Int("result_count", len(hits)))
	return hits, nil
}
