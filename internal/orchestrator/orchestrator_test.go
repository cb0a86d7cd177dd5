package orchestrator

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarpipe/harvester/internal/entry"
	"github.com/scholarpipe/harvester/internal/fetcher"
	"github.com/scholarpipe/harvester/internal/metadataclient"
	"github.com/scholarpipe/harvester/internal/ratelimit"
	"github.com/scholarpipe/harvester/internal/repository"
	"github.com/scholarpipe/harvester/internal/store"
	"github.com/scholarpipe/harvester/internal/structuring"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReprocess_RequeuesOnlyFailedStages(t *testing.T) {
	st := newTestStore(t)
	o := New(st, nil, nil, nil, nil, Options{}, zerolog.Nop())

	e := entry.New("e1", entry.Identifiers{DOI: "10.1/x"})
	e.SetStage(entry.StageMetadata, entry.StateSuccess, entry.ReasonNone)
	e.SetStage(entry.StagePDF, entry.StateFailed, entry.ReasonAllURLsFailed)
	e.AttemptCounts[entry.StagePDF] = 3
	require.NoError(t, st.Update(e))

	ids := o.Reprocess()
	require.Contains(t, ids, "e1")

	got, _ := st.Get("e1")
	assert.Equal(t, entry.StateSuccess, got.StatusOf(entry.StageMetadata).State)
	assert.Equal(t, entry.StatePending, got.StatusOf(entry.StagePDF).State)
	assert.Equal(t, 0, got.AttemptCounts[entry.StagePDF])
}

func TestResumeWorkItems_SkipsDoneAndFailed(t *testing.T) {
	st := newTestStore(t)
	o := New(st, nil, nil, nil, nil, Options{}, zerolog.Nop())

	done := entry.New("done", entry.Identifiers{})
	done.Artifacts.TEIFromPDF = true
	require.NoError(t, st.Update(done))

	failed := entry.New("failed", entry.Identifiers{})
	failed.SetStage(entry.StageMetadata, entry.StateFailed, entry.ReasonUnresolved)
	require.NoError(t, st.Update(failed))

	pending := entry.New("pending", entry.Identifiers{})
	require.NoError(t, st.Update(pending))

	ids := o.ResumeWorkItems()
	assert.ElementsMatch(t, []string{"pending"}, ids)
}

func TestRun_HappyPathReachesDone(t *testing.T) {
	pdfServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(append([]byte("%PDF-1.4"), bytes.Repeat([]byte("x"), 2000)...))
	}))
	defer pdfServer.Close()

	oaServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"best_oa_location_url": "` + pdfServer.URL + `"}`))
	}))
	defer oaServer.Close()

	doiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message": {"title": ["A Study"]}}`))
	}))
	defer doiServer.Close()

	teiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<TEI>structured</TEI>"))
	}))
	defer teiServer.Close()

	st := newTestStore(t)
	repo, err := repository.NewLocalRepository(t.TempDir())
	require.NoError(t, err)

	rl := ratelimit.NewServiceLimiters(nil)
	mc := metadataclient.New(http.DefaultClient, metadataclient.Options{
		DOIRegistryURL: doiServer.URL,
		OALocatorURL:   oaServer.URL,
		ContactEmail:   "ops@example.com",
	}, rl, zerolog.Nop())

	fc := fetcher.New(http.DefaultClient, ratelimit.NewHostSemaphores(4), fetcher.Options{}, zerolog.Nop())
	sc := structuring.New(http.DefaultClient, structuring.Options{URL: teiServer.URL})

	o := New(st, repo, mc, fc, sc, Options{
		BatchSize:             2,
		TimeoutMetadata:       5 * time.Second,
		TimeoutPDFFetch:       5 * time.Second,
		TimeoutJATSFetch:      5 * time.Second,
		TimeoutPDFStructuring: 5 * time.Second,
		EnableGrobid:          true,
	}, zerolog.Nop())

	e := entry.New("happy", entry.Identifiers{DOI: "10.1/happy"})
	require.NoError(t, st.Update(e))

	summary, err := o.Run(context.Background(), []string{"happy"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	got, _ := st.Get("happy")
	assert.True(t, got.Done())
	assert.True(t, got.Artifacts.PDF)
	assert.True(t, got.Artifacts.TEIFromPDF)
}

// TestRun_GraceWindowLetsInFlightStageFinish asserts that cancelling Run's
// context does not immediately abort a stage already in flight: the stage
// gets up to GraceWindow to finish before its context is hard-cancelled
// (spec §4.6/§5).
func TestRun_GraceWindowLetsInFlightStageFinish(t *testing.T) {
	doiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message": {"title": ["A Slow Study"]}}`))
	}))
	defer doiServer.Close()

	st := newTestStore(t)
	rl := ratelimit.NewServiceLimiters(nil)
	mc := metadataclient.New(http.DefaultClient, metadataclient.Options{
		DOIRegistryURL: doiServer.URL,
		ContactEmail:   "ops@example.com",
	}, rl, zerolog.Nop())
	fc := fetcher.New(http.DefaultClient, ratelimit.NewHostSemaphores(4), fetcher.Options{}, zerolog.Nop())

	o := New(st, nil, mc, fc, nil, Options{
		BatchSize:       1,
		GraceWindow:     400 * time.Millisecond,
		TimeoutMetadata: 5 * time.Second,
	}, zerolog.Nop())

	e := entry.New("slow", entry.Identifiers{DOI: "10.1/slow"})
	require.NoError(t, st.Update(e))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := o.Run(ctx, []string{"slow"})
	require.NoError(t, err)

	got, _ := st.Get("slow")
	assert.Equal(t, entry.StateSuccess, got.StatusOf(entry.StageMetadata).State,
		"in-flight metadata call should finish inside the grace window despite ctx cancellation")
}
