// Package retrieval 提供稠密/词法/范围三路混合检索
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"scripture-qa-api/internal/domain/entity"
	"scripture-qa-api/internal/domain/repository"
	"scripture-qa-api/pkg/errors"
	"scripture-qa-api/pkg/metrics"
)

var tracer = otel.Tracer("retrieval")

const (
	defaultAlpha = 0.65
	defaultTopK  = 10
	maxTopK      = 50
)

// Engine 混合检索引擎
// 融合稠密向量召回、词法召回和可选的引用范围过滤，
// 去重排序后产出只读的 Bundle
type Engine struct {
	embedder Embedder
	dense    repository.DenseSearcher
	lexical  repository.LexicalSearcher
	ranges   repository.RangeSearcher

	alpha       float64
	defaultTopK int
	maxTopK     int
}

// Option 引擎可选配置
type Option func(*Engine)

// WithAlpha 设置稠密分数权重
func WithAlpha(alpha float64) Option {
	return func(e *Engine) {
		if alpha >= 0 && alpha <= 1 {
			e.alpha = alpha
		}
	}
}

// WithTopKBounds 设置默认与最大返回数量
func WithTopKBounds(def, max int) Option {
	return func(e *Engine) {
		if def > 0 {
			e.defaultTopK = def
		}
		if max > 0 {
			e.maxTopK = max
		}
	}
}

// NewEngine 创建混合检索引擎
func NewEngine(embedder Embedder, dense repository.DenseSearcher, lexical repository.LexicalSearcher, ranges repository.RangeSearcher, opts ...Option) *Engine {
	e := &Engine{
		embedder:    embedder,
		dense:       dense,
		lexical:     lexical,
		ranges:      ranges,
		alpha:       defaultAlpha,
		defaultTopK: defaultTopK,
		maxTopK:     maxTopK,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Retrieve 执行一次混合检索
// rangeFilter 为空表示不做范围过滤；格式非法返回致命的范围错误。
// 无任何候选时返回空 Bundle 而非错误，是否拒答由下游决定。
func (e *Engine) Retrieve(ctx context.Context, query string, rangeFilter string, k int) (*Bundle, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve",
		trace.WithAttributes(
			attribute.String("retrieval.filter", rangeFilter),
			attribute.Int("retrieval.top_k", k),
		))
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	if k <= 0 {
		k = e.defaultTopK
	}
	if k > e.maxTopK {
		k = e.maxTopK
	}

	var filter *entity.RefRange
	if strings.TrimSpace(rangeFilter) != "" {
		rr, err := entity.ParseRange(rangeFilter)
		if err != nil {
			span.RecordError(err)
			metrics.RetrievalTotal.WithLabelValues("error").Inc()
			return nil, invalidRange(err)
		}
		filter = &rr
	}

	start := time.Now()

	// 三路召回互不依赖，并发执行
	var (
		denseHits   []repository.ScoredPassage
		lexicalHits []repository.ScoredPassage
		rangeHits   []*entity.Passage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := e.embedder.EmbedQuery(gctx, query)
		if err != nil {
			return errors.ErrEmbeddingFailed.WithError(err)
		}
		hits, err := e.dense.SearchDense(gctx, vec, k)
		if err != nil {
			return indexUnavailable(err)
		}
		denseHits = hits
		return nil
	})
	g.Go(func() error {
		terms := Tokenize(query)
		if len(terms) == 0 {
			return nil
		}
		hits, err := e.lexical.SearchLexical(gctx, terms, k)
		if err != nil {
			return indexUnavailable(err)
		}
		lexicalHits = hits
		return nil
	})
	if filter != nil {
		rr := *filter
		g.Go(func() error {
			hits, err := e.ranges.SearchRange(gctx, rr)
			if err != nil {
				return indexUnavailable(err)
			}
			rangeHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		metrics.RetrievalTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.RetrievalCandidates.WithLabelValues("dense").Observe(float64(len(denseHits)))
	metrics.RetrievalCandidates.WithLabelValues("lexical").Observe(float64(len(lexicalHits)))
	metrics.RetrievalCandidates.WithLabelValues("range").Observe(float64(len(rangeHits)))

	candidates := e.fuse(denseHits, lexicalHits, rangeHits, filter)
	candidates = dedupOverlapping(candidates)
	sortCandidates(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	metrics.RetrievalDuration.WithLabelValues("fused").Observe(time.Since(start).Seconds())
	if len(candidates) == 0 {
		metrics.RetrievalTotal.WithLabelValues("empty").Inc()
	} else {
		metrics.RetrievalTotal.WithLabelValues("ok").Inc()
	}
	span.SetAttributes(attribute.Int("retrieval.result_count", len(candidates)))

	return &Bundle{
		Query:      query,
		Filter:     filter,
		Candidates: candidates,
	}, nil
}

// fuse 合并三路候选并计算融合分数
// fused = alpha*normalized_dense + (1-alpha)*normalized_lexical；
// 仅由范围过滤召回的候选获得等于观察到的最大融合分的固定加成，
// 保证精确引用命中排在模糊匹配之前。
func (e *Engine) fuse(denseHits, lexicalHits []repository.ScoredPassage, rangeHits []*entity.Passage, filter *entity.RefRange) []*Candidate {
	byID := make(map[string]*Candidate)

	upsert := func(p *entity.Passage) *Candidate {
		c, ok := byID[p.ID]
		if !ok {
			c = &Candidate{Passage: p}
			byID[p.ID] = c
		}
		return c
	}

	for _, hit := range denseHits {
		c := upsert(hit.Passage)
		c.DenseScore = hit.Score
		c.Provenance = append(c.Provenance, SourceDense)
	}
	for _, hit := range lexicalHits {
		c := upsert(hit.Passage)
		c.LexicalScore = hit.Score
		c.Provenance = append(c.Provenance, SourceLexical)
	}
	for _, p := range rangeHits {
		c := upsert(p)
		if !c.FromSource(SourceRange) {
			c.Provenance = append(c.Provenance, SourceRange)
		}
	}

	denseNorm := normalizer(scoresOf(denseHits))
	lexNorm := normalizer(scoresOf(lexicalHits))

	maxFused := 0.0
	for _, c := range byID {
		if c.rangeOnly() {
			continue
		}
		var nd, nl float64
		if c.FromSource(SourceDense) {
			nd = denseNorm(c.DenseScore)
		}
		if c.FromSource(SourceLexical) {
			nl = lexNorm(c.LexicalScore)
		}
		c.FusedScore = e.alpha*nd + (1-e.alpha)*nl
		if c.FusedScore > maxFused {
			maxFused = c.FusedScore
		}
	}
	for _, c := range byID {
		if c.rangeOnly() {
			c.FusedScore = maxFused
		}
	}

	out := make([]*Candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	return out
}

// scoresOf 提取原始分数列表
func scoresOf(hits []repository.ScoredPassage) []float64 {
	out := make([]float64, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Score)
	}
	return out
}

// normalizer 构造 min-max 归一化函数，保持单调性
func normalizer(scores []float64) func(float64) float64 {
	if len(scores) == 0 {
		return func(float64) float64 { return 0 }
	}
	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	if max == min {
		// 全部相同：有正分给满分，否则视为无区分度
		if max > 0 {
			return func(float64) float64 { return 1 }
		}
		return func(float64) float64 { return 0 }
	}
	span := max - min
	return func(s float64) float64 {
		return (s - min) / span
	}
}

// dedupOverlapping 折叠同一文档内锚点重叠的候选，保留融合分最高者
func dedupOverlapping(candidates []*Candidate) []*Candidate {
	// 先按分数降序、ID 升序，保证确定性地保留优胜者
	sortCandidates(candidates)

	kept := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		dup := false
		for _, k := range kept {
			if k.Passage.DocumentID == c.Passage.DocumentID && k.Passage.AnchorOverlaps(c.Passage) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, c)
		}
	}
	return kept
}

// sortCandidates 按融合分降序排序
// 分数相同时范围召回的精确命中优先于模糊匹配，再按片段 ID 升序保证确定性
func sortCandidates(candidates []*Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].FusedScore != candidates[j].FusedScore {
			return candidates[i].FusedScore > candidates[j].FusedScore
		}
		ri, rj := candidates[i].FromSource(SourceRange), candidates[j].FromSource(SourceRange)
		if ri != rj {
			return ri
		}
		return candidates[i].Passage.ID < candidates[j].Passage.ID
	})
}

// Tokenize 将查询切分为小写词项，供词法检索使用
func Tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
