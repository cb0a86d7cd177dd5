// Package reversepass implements the Reverse Transform Pass (spec §4.9): a
// separable pipeline that scans the repository for `<id>.nxml` files
// missing their `<id>.pub2tei.tei.xml` sibling, stages them into a working
// directory, and invokes the batch JATS-to-TEI transformer once over the
// whole batch rather than per document. The subprocess lifecycle — bound
// to the caller's context with no timeout of its own, captured stderr,
// explicit exit handling — is modeled on
// warren's pkg/embedded/containerd.go, generalized from a long-running
// daemon to a single bounded batch invocation.
package reversepass

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/scholarpipe/harvester/internal/entry"
	"github.com/scholarpipe/harvester/internal/repository"
	"github.com/scholarpipe/harvester/internal/store"
)

// checkpointSize is how many staged files the batch transformer processes
// between checkpoints (spec §5 "JATS batch unbounded but checkpointed per
// 1,000 files").
const checkpointSize = 1000

// Options configures one reverse-pass run.
type Options struct {
	// BinaryPath is the batch JATS-to-TEI transformer executable
	// (Pub2TEI-shaped; invoked once per checkpoint batch over a staging
	// directory of .nxml files).
	BinaryPath string
}

// Runner drives the Reverse Transform Pass over every Entry in st whose
// repo artifacts have a JATS file but no TEI-from-JATS counterpart.
type Runner struct {
	store *store.Store
	repo  repository.Repository
	opts  Options
	log   zerolog.Logger
}

// New builds a Runner.
func New(st *store.Store, repo repository.Repository, opts Options, logger zerolog.Logger) *Runner {
	return &Runner{store: st, repo: repo, opts: opts, log: logger}
}

// Summary reports the outcome of a Run.
type Summary struct {
	Scanned    int
	Transformed int
	Failed     int
}

// candidate pairs an Entry with the repository paths its .nxml input and
// .pub2tei.tei.xml output live at.
type candidate struct {
	entry   *entry.Entry
	nxml    string
	teiPath string
}

// Run scans the State Store for Entries needing the reverse pass, batches
// them in groups of checkpointSize, and invokes the batch transformer once
// per batch, copying results back and updating the State Store per-Entry
// after each batch completes (spec §4.9).
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	var pending []candidate
	for _, e := range r.store.IterAll() {
		summary.Scanned++
		if !e.Artifacts.JATS || e.Artifacts.TEIFromJATS {
			continue
		}
		layout := repository.Layout{ID: e.ID}
		has, err := r.repo.Has(ctx, layout.JATS())
		if err != nil || !has {
			continue
		}
		pending = append(pending, candidate{entry: e, nxml: layout.JATS(), teiPath: layout.TEIFromJATS()})
	}

	for start := 0; start < len(pending); start += checkpointSize {
		end := start + checkpointSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		n, err := r.runBatch(ctx, batch)
		summary.Transformed += n
		summary.Failed += len(batch) - n
		r.log.Info().Int("batch_size", len(batch)).Int("transformed", n).Msg("reverse pass checkpoint")
		if err != nil {
			return summary, fmt.Errorf("reverse pass batch at offset %d: %w", start, err)
		}
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
	}

	return summary, nil
}

// runBatch stages one checkpoint's worth of .nxml files into a temp
// directory, invokes the batch transformer once, copies the resulting TEI
// files back into the repository, and updates the State Store for every
// Entry the transformer produced output for.
func (r *Runner) runBatch(ctx context.Context, batch []candidate) (int, error) {
	stageDir, err := os.MkdirTemp("", "harvester-reversepass-*")
	if err != nil {
		return 0, fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(stageDir)

	byFile := make(map[string]candidate, len(batch))
	for _, c := range batch {
		rc, err := r.repo.Get(ctx, c.nxml)
		if err != nil {
			r.log.Warn().Str("entry_id", c.entry.ID).Err(err).Msg("reading jats artifact for staging")
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			r.log.Warn().Str("entry_id", c.entry.ID).Err(err).Msg("reading jats artifact for staging")
			continue
		}
		fileName := c.entry.ID + ".nxml"
		if err := os.WriteFile(filepath.Join(stageDir, fileName), data, 0o600); err != nil {
			return 0, fmt.Errorf("staging %s: %w", fileName, err)
		}
		byFile[fileName] = c
	}

	if len(byFile) == 0 {
		return 0, nil
	}

	if err := r.invokeBatchTransform(ctx, stageDir); err != nil {
		return 0, err
	}

	transformed := 0
	for fileName, c := range byFile {
		base := strings.TrimSuffix(fileName, ".nxml")
		outPath := filepath.Join(stageDir, base+".pub2tei.tei.xml")
		tei, err := os.ReadFile(outPath)
		if err != nil {
			r.log.Warn().Str("entry_id", c.entry.ID).Err(err).Msg("batch transformer produced no output")
			continue
		}
		if err := r.repo.Put(ctx, c.teiPath, bytes.NewReader(tei)); err != nil {
			return transformed, fmt.Errorf("writing tei for %s: %w", c.entry.ID, err)
		}
		c.entry.Artifacts.TEIFromJATS = true
		c.entry.SetStage(entry.StageTEIJATS, entry.StateSuccess, entry.ReasonNone)
		if err := r.store.Update(c.entry); err != nil {
			return transformed, fmt.Errorf("updating state for %s: %w", c.entry.ID, err)
		}
		transformed++
	}
	return transformed, nil
}

// invokeBatchTransform runs the configured batch transformer once over
// stageDir, the same subprocess-with-captured-stderr idiom warren's
// ContainerdManager uses to supervise its own subprocess. It sets no
// timeout of its own; only cancellation of ctx stops the transformer.
func (r *Runner) invokeBatchTransform(ctx context.Context, stageDir string) error {
	cmd := exec.CommandContext(ctx, r.opts.BinaryPath, "-i", stageDir, "-o", stageDir)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("batch jats-to-tei transformer failed: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}
