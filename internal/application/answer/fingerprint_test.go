package answer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"scripture-qa-api/internal/application/retrieval"
	"scripture-qa-api/internal/domain/entity"
)

func fpBundle(ids ...string) *retrieval.Bundle {
	b := &retrieval.Bundle{Query: "q"}
	for _, id := range ids {
		b.Candidates = append(b.Candidates, &retrieval.Candidate{
			Passage: &entity.Passage{ID: id, Text: "text " + id},
		})
	}
	return b
}

func TestNormalizeQuestion(t *testing.T) {
	assert.Equal(t, "who was caesar augustus",
		normalizeQuestion("  Who   was\tCaesar\n Augustus  "))
	assert.Equal(t, "", normalizeQuestion("   "))
}

func TestFingerprintDeterministic(t *testing.T) {
	b := fpBundle("p1", "p2")
	fp1 := Fingerprint("gpt-4o", "Who was Caesar?", b)
	fp2 := Fingerprint("gpt-4o", "who   was caesar?", b)
	assert.Equal(t, fp1, fp2, "whitespace and case must not change the fingerprint")
	assert.Len(t, fp1, 64)
}

func TestFingerprintSensitiveToEachComponent(t *testing.T) {
	b := fpBundle("p1", "p2")
	base := Fingerprint("gpt-4o", "who was caesar?", b)

	assert.NotEqual(t, base, Fingerprint("gpt-4o-mini", "who was caesar?", b),
		"model change must produce a new fingerprint")
	assert.NotEqual(t, base, Fingerprint("gpt-4o", "who was herod?", b),
		"question change must produce a new fingerprint")
	assert.NotEqual(t, base, Fingerprint("gpt-4o", "who was caesar?", fpBundle("p1", "p3")),
		"evidence change must produce a new fingerprint")
	assert.NotEqual(t, base, Fingerprint("gpt-4o", "who was caesar?", fpBundle("p2", "p1")),
		"evidence order change must produce a new fingerprint")
}
