package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	r, err := ParseRef("Luke.2.1")
	require.NoError(t, err)
	assert.Equal(t, Ref{Book: "Luke", Chapter: 2, Verse: 1}, r)
	assert.Equal(t, "Luke.2.1", r.String())

	r, err = ParseRef("1Cor.13.4")
	require.NoError(t, err)
	assert.Equal(t, "1Cor", r.Book)

	for _, bad := range []string{"", "Luke", "Luke.2", "Luke.2.x", "Luke.0.1", "Luke.2.0", "Luke-2-1"} {
		_, err := ParseRef(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseRange(t *testing.T) {
	rr, err := ParseRange("Luke.2.1-Luke.2.7")
	require.NoError(t, err)
	assert.Equal(t, "Luke.2.1-Luke.2.7", rr.String())

	// 单个引用退化为单点范围
	rr, err = ParseRange("Luke.2.4")
	require.NoError(t, err)
	assert.Equal(t, rr.Start, rr.End)
	assert.Equal(t, "Luke.2.4", rr.String())

	// 跨书卷与倒置范围非法
	_, err = ParseRange("Luke.2.1-John.1.1")
	assert.Error(t, err)
	_, err = ParseRange("Luke.2.7-Luke.2.1")
	assert.Error(t, err)
}

func TestRangeIntersects(t *testing.T) {
	mustRange := func(s string) RefRange {
		rr, err := ParseRange(s)
		require.NoError(t, err)
		return rr
	}

	filter := mustRange("Luke.2.1-Luke.2.7")

	// 自反性：范围与自身必然相交
	assert.True(t, filter.Intersects(filter))

	cases := []struct {
		tag  string
		want bool
	}{
		{"Luke.2.3-Luke.2.4", true},  // 子范围
		{"Luke.1.80-Luke.2.2", true}, // 跨边界的超集侧
		{"Luke.2.7-Luke.2.10", true}, // 端点重合也算相交
		{"Luke.2.8-Luke.2.12", false},
		{"Luke.1.1-Luke.1.80", false},
		{"John.2.3-John.2.4", false}, // 书卷不同
	}
	for _, tc := range cases {
		tag := mustRange(tc.tag)
		assert.Equal(t, tc.want, filter.Intersects(tag), "tag %s", tc.tag)
		// 对称性
		assert.Equal(t, tc.want, tag.Intersects(filter), "tag %s (symmetric)", tc.tag)
	}
}

func TestRangeContains(t *testing.T) {
	rr, err := ParseRange("Luke.2.1-Luke.3.5")
	require.NoError(t, err)

	assert.True(t, rr.Contains(Ref{Book: "Luke", Chapter: 2, Verse: 1}))
	assert.True(t, rr.Contains(Ref{Book: "Luke", Chapter: 2, Verse: 40}))
	assert.True(t, rr.Contains(Ref{Book: "Luke", Chapter: 3, Verse: 5}))
	assert.False(t, rr.Contains(Ref{Book: "Luke", Chapter: 3, Verse: 6}))
	assert.False(t, rr.Contains(Ref{Book: "Luke", Chapter: 1, Verse: 80}))
	assert.False(t, rr.Contains(Ref{Book: "John", Chapter: 2, Verse: 2}))
}

func TestPassageAnchorOverlaps(t *testing.T) {
	page12a := &Passage{ID: "a", Page: 12}
	page12b := &Passage{ID: "b", Page: 12}
	page13 := &Passage{ID: "c", Page: 13}
	clip1 := &Passage{ID: "d", TimeStartMs: 0, TimeEndMs: 60_000}
	clip2 := &Passage{ID: "e", TimeStartMs: 55_000, TimeEndMs: 120_000}
	clip3 := &Passage{ID: "f", TimeStartMs: 61_000, TimeEndMs: 120_000}

	assert.True(t, page12a.AnchorOverlaps(page12b))
	assert.False(t, page12a.AnchorOverlaps(page13))
	assert.True(t, clip1.AnchorOverlaps(clip2))
	assert.False(t, clip1.AnchorOverlaps(clip3))
	// 锚点类型不同或缺失时不视为重叠
	assert.False(t, page12a.AnchorOverlaps(clip1))
	assert.False(t, (&Passage{ID: "g"}).AnchorOverlaps(page12a))
}

func TestPassageRange(t *testing.T) {
	p := &Passage{ID: "p1", RefStart: "Luke.2.3", RefEnd: "Luke.2.4"}
	rr, err := p.Range()
	require.NoError(t, err)
	require.NotNil(t, rr)
	assert.Equal(t, "Luke.2.3-Luke.2.4", rr.String())

	// 未标注范围
	p = &Passage{ID: "p2"}
	rr, err = p.Range()
	require.NoError(t, err)
	assert.Nil(t, rr)

	// 起止相同的单点标签
	p = &Passage{ID: "p3", RefStart: "Luke.2.4", RefEnd: "Luke.2.4"}
	rr, err = p.Range()
	require.NoError(t, err)
	assert.Equal(t, "Luke.2.4", rr.String())
}
