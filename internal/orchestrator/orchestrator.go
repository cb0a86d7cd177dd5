// Package orchestrator implements the Pipeline Orchestrator (spec §4.6): a
// single-host, bounded-concurrency engine that drives every Entry through
// its stage state machine. The worker-pool shape and the
// logger/metrics/ticker idiom are grounded on warren's
// pkg/scheduler/scheduler.go and pkg/reconciler/reconciler.go — both run a
// fixed-size loop over a collection of domain objects, updating status and
// observing duration histograms — generalized here from a periodic
// reconciliation tick to a pull-based worker pool draining a work queue,
// since the harvester's unit of concurrency is one Entry run to
// completion rather than one sweep over all of them.
package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/scholarpipe/harvester/internal/entry"
	"github.com/scholarpipe/harvester/internal/fetcher"
	"github.com/scholarpipe/harvester/internal/metadataclient"
	"github.com/scholarpipe/harvester/internal/metrics"
	"github.com/scholarpipe/harvester/internal/repository"
	"github.com/scholarpipe/harvester/internal/store"
	"github.com/scholarpipe/harvester/internal/structuring"
)

// Options configures one Orchestrator run.
type Options struct {
	BatchSize       int
	PerStageRetries int
	MaxBackoff      time.Duration
	GraceWindow     time.Duration

	TimeoutMetadata       time.Duration
	TimeoutPDFFetch       time.Duration
	TimeoutJATSFetch      time.Duration
	TimeoutPDFStructuring time.Duration

	EnableGrobid    bool // spec §6 --grobid
	EnableThumbnail bool // spec §6 --thumbnail
	EnableAnnotation bool // spec §6 --annotation

	ThumbnailFn func(ctx context.Context, id string, pdf []byte) error
}

// Orchestrator wires the Entry State Store to the Metadata Client,
// Fetcher, PDF Structuring Client, and Artifact Repository, and drives
// every Entry through the state machine described in spec §4.6.
// JATS-to-TEI has no per-document path: it runs as a separate batch pass
// (internal/reversepass, spec §4.9).
type Orchestrator struct {
	store    *store.Store
	repo     repository.Repository
	metadata *metadataclient.Client
	fetch    *fetcher.Fetcher
	pdfToTEI *structuring.Client
	opts     Options
	log      zerolog.Logger
}

// New builds an Orchestrator. pdfToTEI may be nil when EnableGrobid is
// false.
func New(
	st *store.Store,
	repo repository.Repository,
	metadataClient *metadataclient.Client,
	fetchClient *fetcher.Fetcher,
	pdfToTEI *structuring.Client,
	opts Options,
	logger zerolog.Logger,
) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.PerStageRetries <= 0 {
		opts.PerStageRetries = 3
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 10 * time.Second
	}
	return &Orchestrator{
		store:    st,
		repo:     repo,
		metadata: metadataClient,
		fetch:    fetchClient,
		pdfToTEI: pdfToTEI,
		opts:     opts,
		log:      logger,
	}
}

// Summary reports the outcome of a Run.
type Summary struct {
	Processed int
	Succeeded int
	Failed    int
	Cancelled bool
}

// Run drains ids through the pipeline with a bounded worker pool of size
// BatchSize. On ctx cancellation, dispatch of new work stops immediately
// but in-flight stages keep running for up to GraceWindow before their
// contexts are hard-cancelled (spec §4.6, §5: "finish or abort current I/O
// within grace_seconds"). Every id given is worked; choosing which entries
// to run (leaving out done/failed ones, or requeueing the failed ones) is
// the caller's job, via ResumeWorkItems or Reprocess.
func (o *Orchestrator) Run(ctx context.Context, ids []string) (Summary, error) {
	work := make(chan string)
	var processed, succeeded, failed atomic.Int32

	hardCtx, hardCancel := context.WithCancel(context.Background())
	defer hardCancel()
	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-runDone:
			return
		}
		select {
		case <-time.After(o.opts.GraceWindow):
		case <-runDone:
		}
		hardCancel()
	}()

	grp, grpCtx := errgroup.WithContext(hardCtx)

	for w := 0; w < o.opts.BatchSize; w++ {
		grp.Go(func() error {
			for id := range work {
				e, ok := o.store.Get(id)
				if !ok {
					continue
				}
				o.runEntry(grpCtx, e)
				processed.Add(1)
				if e.Done() {
					succeeded.Add(1)
				} else if e.Failed() {
					failed.Add(1)
				}
			}
			return nil
		})
	}

	grp.Go(func() error {
		defer close(work)
		for _, id := range ids {
			select {
			case work <- id:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	err := grp.Wait()
	summary := Summary{Processed: int(processed.Load()), Succeeded: int(succeeded.Load()), Failed: int(failed.Load())}
	if err != nil && ctx.Err() != nil {
		summary.Cancelled = true
		return summary, nil
	}
	return summary, err
}

// runEntry drives one Entry through every stage it has not yet completed,
// in strict order, persisting after each stage transition (spec §4.6
// "a stage begins only after the previous stage's state is durably
// written").
func (o *Orchestrator) runEntry(ctx context.Context, e *entry.Entry) {
	log := o.log.With().Str("entry_id", e.ID).Logger()

	if o.StatusAllows(e, entry.StageMetadata) {
		if !o.runStage(ctx, e, entry.StageMetadata, o.doMetadata, log) {
			return
		}
	}
	if o.StatusAllows(e, entry.StagePDF) && len(e.CandidateURLs) > 0 {
		if !o.runStage(ctx, e, entry.StagePDF, o.doPDF, log) {
			return
		}
	}
	if o.StatusAllows(e, entry.StageJATS) && e.Identifiers.PMCID != "" {
		// Best-effort: absence of JATS is not a pipeline failure (spec §4.6).
		o.runStage(ctx, e, entry.StageJATS, o.doJATS, log)
	}
	if o.opts.EnableGrobid && o.pdfToTEI != nil && o.StatusAllows(e, entry.StageTEIPDF) && e.Artifacts.PDF {
		o.runStage(ctx, e, entry.StageTEIPDF, o.doTEIFromPDF, log)
	}
}

// StatusAllows reports whether stage s has not yet succeeded for e, i.e. it
// still needs to run (covers both pending and previously-failed-now-
// reprocessed entries).
func (o *Orchestrator) StatusAllows(e *entry.Entry, s entry.Stage) bool {
	return e.StatusOf(s).State != entry.StateSuccess
}

// stageFn performs one stage's work, returning a tagged Failure on error.
type stageFn func(ctx context.Context, e *entry.Entry) *entry.Failure

// runStage executes fn with the stage's timeout and retry policy,
// persisting the resulting state. Returns false if the Entry should stop
// advancing (terminal failure or exhausted retries).
func (o *Orchestrator) runStage(ctx context.Context, e *entry.Entry, stage entry.Stage, fn stageFn, log zerolog.Logger) bool {
	e.SetStage(stage, entry.StateInProgress, entry.ReasonNone)
	_ = o.store.Update(e)

	timer := metrics.NewTimer()
	var lastFailure *entry.Failure

	for attempt := 1; attempt <= o.opts.PerStageRetries+1; attempt++ {
		e.IncAttempt(stage)
		stageCtx, cancel := context.WithTimeout(ctx, o.timeoutFor(stage))
		lastFailure = fn(stageCtx, e)
		cancel()

		if lastFailure == nil {
			e.SetStage(stage, entry.StateSuccess, entry.ReasonNone)
			_ = o.store.Update(e)
			timer.ObserveDurationVec(metrics.StageDuration, string(stage))
			metrics.StageOutcomesTotal.WithLabelValues(string(stage), "success").Inc()
			return true
		}

		metrics.RetriesTotal.WithLabelValues(string(stage), string(lastFailure.Reason)).Inc()
		if !lastFailure.Retryable() || attempt > o.opts.PerStageRetries {
			break
		}

		backoff := o.backoffFor(attempt)
		log.Warn().Str("stage", string(stage)).Err(lastFailure).Dur("backoff", backoff).
			Int("attempt", attempt).Msg("stage failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			e.SetStage(stage, entry.StatePending, entry.ReasonNone)
			_ = o.store.Update(e)
			return false
		}
	}

	e.SetStage(stage, entry.StateFailed, lastFailure.Reason)
	_ = o.store.Update(e)
	metrics.StageOutcomesTotal.WithLabelValues(string(stage), "failed").Inc()
	log.Error().Str("stage", string(stage)).Err(lastFailure).Msg("stage failed, giving up")
	return false
}

func (o *Orchestrator) timeoutFor(stage entry.Stage) time.Duration {
	switch stage {
	case entry.StageMetadata:
		return o.opts.TimeoutMetadata
	case entry.StagePDF:
		return o.opts.TimeoutPDFFetch
	case entry.StageJATS:
		return o.opts.TimeoutJATSFetch
	case entry.StageTEIPDF:
		return o.opts.TimeoutPDFStructuring
	default:
		return 60 * time.Second
	}
}

// backoffFor computes exponential backoff capped at MaxBackoff (spec §4.6
// "exponential backoff capped at max_backoff").
func (o *Orchestrator) backoffFor(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > o.opts.MaxBackoff {
		return o.opts.MaxBackoff
	}
	return d
}

// Reprocess requeues every entry currently in a failed stage, resetting
// only that stage's attempt counter — successful stages are left intact
// (spec §6 --reprocess; Open Question #3).
func (o *Orchestrator) Reprocess() []string {
	var ids []string
	for _, e := range o.store.IterAll() {
		changed := false
		for _, s := range entry.Stages {
			if e.StatusOf(s).State == entry.StateFailed {
				e.SetStage(s, entry.StatePending, entry.ReasonNone)
				e.AttemptCounts[s] = 0
				changed = true
			}
		}
		if changed {
			_ = o.store.Update(e)
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// ResumeWorkItems returns every Entry id not yet done or terminally
// failed, the resume set the Orchestrator works from on startup (spec
// §4.6 "Resume").
func (o *Orchestrator) ResumeWorkItems() []string {
	var ids []string
	for _, e := range o.store.IterAll() {
		if e.Done() || e.Failed() {
			continue
		}
		ids = append(ids, e.ID)
	}
	return ids
}
