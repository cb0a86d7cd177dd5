package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarpipe/harvester/internal/dedup"
	"github.com/scholarpipe/harvester/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestFromDOIList_OneEntryPerDistinctDOI(t *testing.T) {
	path := writeFile(t, "10.1/a\n10.1/b\n10.1/a\n")
	st := newTestStore(t)
	resolver := dedup.NewResolver()

	summary, err := FromDOIList(path, resolver, st)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.RowsRead)
	assert.Equal(t, 2, summary.DistinctIDs)
}

func TestFromDOIList_BlankLinesIgnored(t *testing.T) {
	path := writeFile(t, "10.1/a\n\n\n10.1/b\n")
	st := newTestStore(t)
	resolver := dedup.NewResolver()

	summary, err := FromDOIList(path, resolver, st)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.RowsRead)
}

func TestFromCORD19_DeduplicatesByCordUID(t *testing.T) {
	body := "cord_uid,sha,source_x,title,doi,pmcid,pubmed_id,license,abstract,publish_time,authors,journal,mag_id,who_covidence_id,arxiv_id,pdf_json_files,pmc_json_files,url,s2_id\n" +
		"fq4xq00d,abc,PMC,A Title,10.1/x,PMC123,456,cc-by,an abstract,2020-03-16,Smith; Jones,Nature,,,,,,,\n" +
		"fq4xq00d,abc,PMC,A Title,10.1/x,PMC123,456,cc-by,an abstract,2020-03-16,Smith; Jones,Nature,,,,,,,\n"
	path := filepath.Join(t.TempDir(), "metadata.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	st := newTestStore(t)
	resolver := dedup.NewResolver()

	summary, err := FromCORD19(path, resolver, st, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.RowsRead)
	assert.Equal(t, 1, summary.DistinctIDs)

	got, ok := st.Get("fq4xq00d")
	require.True(t, ok)
	assert.Equal(t, "10.1/x", got.Identifiers.DOI)
}
