package knowledge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorIndex_Search(t *testing.T) {
	idx := NewVectorIndex(0)
	require.NoError(t, idx.Upsert("a", "tours", []float32{1, 0, 0}))
	require.NoError(t, idx.Upsert("b", "tours", []float32{0.7, 0.7, 0}))
	require.NoError(t, idx.Upsert("c", "billing", []float32{0, 0, 1}))

	err := idx.Upsert("d", "tours", []float32{1, 0})
	assert.True(t, errors.Is(err, ErrDimensionMismatch), "expected dimension mismatch, got %v", err)

	hits, err := idx.Search([]float32{1, 0, 0}, 5, "")
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "a", hits[0].id)
	assert.Equal(t, "b", hits[1].id)
	assert.InDelta(t, 1.0, hits[0].score, 1e-6)

	hits, err = idx.Search([]float32{1, 0, 0}, 1, "billing")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c", hits[0].id)

	_, err = idx.Search([]float32{1}, 5, "")
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	idx.Delete("a")
	assert.Equal(t, 2, idx.Len())
}

func TestKeywordIndex_Search(t *testing.T) {
	idx := NewKeywordIndex()
	idx.Upsert("tours", "tours", "tours catalog\nWe run city tours and wine tours every day.")
	idx.Upsert("refund", "billing", "billing refund\nRefunds are processed within five days.")
	idx.Upsert("passeios", "tours", "tours\nTemos passeios pela cidade.")

	hits := idx.Search("What tours do you have?", 5, "")
	require.NotEmpty(t, hits)
	assert.Equal(t, "tours", hits[0].id)
	assert.InDelta(t, 1.0, hits[0].score, 1e-9, "every non-stop-word query term is covered")

	hits = idx.Search("refund wine", 5, "")
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.InDelta(t, 0.5, h.score, 1e-9)
	}

	assert.Empty(t, idx.Search("refund", 5, "tours"))
	assert.Empty(t, idx.Search("what do you have", 5, ""), "stop words alone match nothing")

	idx.Delete("refund")
	assert.Empty(t, idx.Search("refund", 5, ""))
	assert.Equal(t, 2, idx.Len())
}

func TestTokenize_DropsStopWordsAndPunctuation(t *testing.T) {
	got := tokenize("¿Qué tours tienen en Lisboa?")
	assert.Equal(t, []string{"tours", "lisboa"}, got)
}
