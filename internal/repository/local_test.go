package repository

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRepository_PutGetHas(t *testing.T) {
	ctx := context.Background()
	repo, err := NewLocalRepository(t.TempDir())
	require.NoError(t, err)

	l := Layout{ID: "abcd1234"}
	require.NoError(t, repo.Put(ctx, l.PDF(), bytes.NewReader([]byte("%PDF-1.4 fake"))))

	has, err := repo.Has(ctx, l.PDF())
	require.NoError(t, err)
	assert.True(t, has)

	rc, err := repo.Get(ctx, l.PDF())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 fake", string(data))
}

func TestLocalRepository_GetMissingReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	repo, err := NewLocalRepository(t.TempDir())
	require.NoError(t, err)

	_, err = repo.Get(ctx, "nope/nope.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalRepository_ListAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	repo, err := NewLocalRepository(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"aaaa1111", "aaaa2222"} {
		l := Layout{ID: id}
		require.NoError(t, repo.Put(ctx, l.Metadata(), bytes.NewReader([]byte("{}"))))
	}

	ch, err := repo.ListPrefix(ctx, "aa")
	require.NoError(t, err)
	var found []string
	for p := range ch {
		found = append(found, p)
	}
	assert.Len(t, found, 2)

	require.NoError(t, repo.DeletePrefix(ctx, "aa"))
	has, err := repo.Has(ctx, Layout{ID: "aaaa1111"}.Metadata())
	require.NoError(t, err)
	assert.False(t, has)
}

func TestLayout_PathFanOut(t *testing.T) {
	l := Layout{ID: "fq4xq00d"}
	assert.Equal(t, "fq/4x/q0/0d/fq4xq00d", l.Dir())
	assert.Equal(t, "fq/4x/q0/0d/fq4xq00d/fq4xq00d.pdf", l.PDF())
}
