package dedup

import (
	"testing"

	"github.com/scholarpipe/harvester/internal/entry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_DOICaseInsensitive(t *testing.T) {
	r := NewResolver()

	first, isNew := r.Resolve(Row{Identifiers: entry.Identifiers{DOI: "10.1097/TXD.0000000000001010"}})
	require.True(t, isNew)

	second, isNew := r.Resolve(Row{Identifiers: entry.Identifiers{DOI: "10.1097/txd.0000000000001010"}})
	require.False(t, isNew)

	assert.Same(t, first, second)
}

func TestResolve_CordIDExplicitDuplicate(t *testing.T) {
	r := NewResolver()

	row := Row{Identifiers: entry.Identifiers{CordID: "fq4xq00d"}, IsCORD19: true}
	first, isNew := r.Resolve(row)
	require.True(t, isNew)
	assert.Equal(t, "fq4xq00d", first.ID)

	second, isNew := r.Resolve(row)
	require.False(t, isNew)
	assert.Same(t, first, second)
}

func TestResolve_DOIWinsOverTitleMismatch(t *testing.T) {
	r := NewResolver()

	row1 := Row{
		Identifiers: entry.Identifiers{DOI: "10.1/abc"},
		Title:       "A Study of Something",
		FirstAuthor: "Smith",
		Year:        2020,
	}
	row2 := Row{
		Identifiers: entry.Identifiers{DOI: "10.1/abc"},
		Title:       "A Completely Different Title",
		FirstAuthor: "Jones",
		Year:        2021,
	}

	e1, _ := r.Resolve(row1)
	e2, isNew := r.Resolve(row2)

	require.False(t, isNew)
	assert.Same(t, e1, e2)
}

func TestResolve_ArticleLevelDedupByTitleAuthorYear(t *testing.T) {
	r := NewResolver()

	row1 := Row{Title: "Évaluating COVID-19, Responses!", FirstAuthor: "Smith", Year: 2020}
	row2 := Row{Title: "evaluating covid 19 responses", FirstAuthor: "Smith", Year: 2020}

	e1, isNew1 := r.Resolve(row1)
	e2, isNew2 := r.Resolve(row2)

	assert.True(t, isNew1)
	assert.False(t, isNew2)
	assert.Same(t, e1, e2)
}

func TestResolve_DistinctArticlesStayDistinct(t *testing.T) {
	r := NewResolver()

	_, isNew1 := r.Resolve(Row{Identifiers: entry.Identifiers{DOI: "10.1/a"}})
	_, isNew2 := r.Resolve(Row{Identifiers: entry.Identifiers{DOI: "10.1/b"}})

	assert.True(t, isNew1)
	assert.True(t, isNew2)
}

func TestNormalizeTitle_StripsPunctuationAndAccents(t *testing.T) {
	got := NormalizeTitle("Évaluating COVID-19: Responses!")
	assert.Equal(t, "evaluating covid 19 responses", got)
}

func TestResolve_IDAssignment(t *testing.T) {
	r := NewResolver()

	e, _ := r.Resolve(Row{Identifiers: entry.Identifiers{DOI: "10.1/xyz"}})
	assert.Len(t, e.ID, 22, "non-CORD-19 ids are 22-char base62")

	cordE, _ := r.Resolve(Row{Identifiers: entry.Identifiers{CordID: "abcd1234"}})
	assert.Equal(t, "abcd1234", cordE.ID)
}
