// Package thumbnail generates page-raster thumbnails from a PDF (spec
// §4.8 "Thumbnail generation"). It wraps an external raster tool the same
// way warren's pkg/health/exec.go wraps a health-check command: a
// deadline-bound subprocess with captured stderr, run on a temp-file
// input. Failure here is non-fatal to the pipeline by design (spec §4.8).
package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Sizes are the three thumbnail heights the spec calls for (pixels).
var Sizes = []int{128, 256, 512}

// Generator invokes an external raster binary (e.g. pdftoppm) once per
// requested size.
type Generator struct {
	BinaryPath string
	Timeout    time.Duration
}

// New builds a Generator. binaryPath is the raster tool executable
// (configured, not hardcoded, since the spec leaves the tool unspecified).
func New(binaryPath string) *Generator {
	return &Generator{BinaryPath: binaryPath, Timeout: 30 * time.Second}
}

// Result is one rendered thumbnail.
type Result struct {
	HeightPx int
	PNG      []byte
}

// Generate renders pdfBytes at every configured height. A failure for one
// size does not abort the others; the caller decides whether any success
// at all counts as the stage succeeding (spec §4.8 "failure is non-fatal").
func (g *Generator) Generate(ctx context.Context, pdfBytes []byte) ([]Result, error) {
	tmpDir, err := os.MkdirTemp("", "harvester-thumb-*")
	if err != nil {
		return nil, fmt.Errorf("creating thumbnail temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	inPath := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(inPath, pdfBytes, 0o600); err != nil {
		return nil, fmt.Errorf("writing thumbnail input: %w", err)
	}

	var results []Result
	var errs []error
	for _, h := range Sizes {
		png, err := g.renderOne(ctx, tmpDir, inPath, h)
		if err != nil {
			errs = append(errs, fmt.Errorf("height %d: %w", h, err))
			continue
		}
		results = append(results, Result{HeightPx: h, PNG: png})
	}

	if len(results) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("thumbnail generation failed for every size: %v", errs)
	}
	return results, nil
}

func (g *Generator) renderOne(ctx context.Context, tmpDir, inPath string, heightPx int) ([]byte, error) {
	execCtx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	outPrefix := filepath.Join(tmpDir, fmt.Sprintf("out-%d", heightPx))
	cmd := exec.CommandContext(execCtx, g.BinaryPath,
		"-png", "-singlefile", "-scale-to", fmt.Sprintf("%d", heightPx),
		inPath, outPrefix,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("raster tool failed: %w (stderr: %s)", err, stderr.String())
	}

	data, err := os.ReadFile(outPrefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("reading rendered thumbnail: %w", err)
	}
	return data, nil
}
