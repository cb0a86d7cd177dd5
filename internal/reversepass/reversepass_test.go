package reversepass

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarpipe/harvester/internal/entry"
	"github.com/scholarpipe/harvester/internal/repository"
	"github.com/scholarpipe/harvester/internal/store"
)

// fakeBatchTransformer writes a shell script standing in for the real
// Pub2TEI-shaped batch tool: for every *.nxml file in the -i directory it
// writes a sibling *.pub2tei.tei.xml file into the -o directory.
func fakeBatchTransformer(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("subprocess fake uses a POSIX shell script")
	}
	path := filepath.Join(t.TempDir(), "fake-pub2tei.sh")
	script := "#!/bin/sh\n" +
		"in=\"$2\"\n" +
		"out=\"$4\"\n" +
		"for f in \"$in\"/*.nxml; do\n" +
		"  base=$(basename \"$f\" .nxml)\n" +
		"  printf '<TEI/>' > \"$out/$base.pub2tei.tei.xml\"\n" +
		"done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestRunner(t *testing.T, binaryPath string) (*Runner, *store.Store, repository.Repository) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	repo, err := repository.NewLocalRepository(t.TempDir())
	require.NoError(t, err)

	return New(st, repo, Options{BinaryPath: binaryPath}, zerolog.Nop()), st, repo
}

func seedJATSEntry(t *testing.T, st *store.Store, repo repository.Repository, id string) {
	t.Helper()
	e := entry.New(id, entry.Identifiers{PMCID: "PMC" + id})
	e.Artifacts.JATS = true
	require.NoError(t, st.Update(e))

	layout := repository.Layout{ID: id}
	require.NoError(t, repo.Put(context.Background(), layout.JATS(), bytes.NewReader([]byte("<article/>"))))
}

func TestRun_TransformsPendingJATSEntries(t *testing.T) {
	bin := fakeBatchTransformer(t)
	r, st, repo := newTestRunner(t, bin)

	seedJATSEntry(t, st, repo, "aaaa1111")
	seedJATSEntry(t, st, repo, "bbbb2222")

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 2, summary.Transformed)
	assert.Equal(t, 0, summary.Failed)

	got, ok := st.Get("aaaa1111")
	require.True(t, ok)
	assert.True(t, got.Artifacts.TEIFromJATS)
	assert.Equal(t, entry.StateSuccess, got.StatusOf(entry.StageTEIJATS).State)

	has, err := repo.Has(context.Background(), repository.Layout{ID: "aaaa1111"}.TEIFromJATS())
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRun_SkipsEntriesAlreadyHavingTEIFromJATS(t *testing.T) {
	bin := fakeBatchTransformer(t)
	r, st, repo := newTestRunner(t, bin)

	seedJATSEntry(t, st, repo, "aaaa1111")
	already, _ := st.Get("aaaa1111")
	already.Artifacts.TEIFromJATS = true
	require.NoError(t, st.Update(already))

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 0, summary.Transformed)
}

func TestRun_SkipsEntriesWithoutJATSArtifact(t *testing.T) {
	bin := fakeBatchTransformer(t)
	r, st, _ := newTestRunner(t, bin)

	e := entry.New("aaaa1111", entry.Identifiers{})
	require.NoError(t, st.Update(e))

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 0, summary.Transformed)
}

func TestRun_NoPendingEntriesIsNoop(t *testing.T) {
	bin := fakeBatchTransformer(t)
	r, _, _ := newTestRunner(t, bin)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Scanned)
	assert.Equal(t, 0, summary.Transformed)
}

func TestRun_TransformerFailureReportsFailedCount(t *testing.T) {
	r, st, repo := newTestRunner(t, "/nonexistent/pub2tei")

	seedJATSEntry(t, st, repo, "aaaa1111")

	summary, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 0, summary.Transformed)
}
