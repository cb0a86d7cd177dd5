// Package repository implements the Artifact Repository: a content-
// addressed store for per-entry artifacts, backed by either a local
// filesystem or an object store (spec §4.7). The interface is modeled on
// the teacher's pkg/storage.Store — narrow, path-addressed, and selected
// once at config load — generalized from a fixed set of typed CRUD methods
// to five path-addressed primitives.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Repository is the narrow artifact-storage interface shared by both
// backends (spec §4.7).
type Repository interface {
	Put(ctx context.Context, path string, r io.Reader) error
	Has(ctx context.Context, path string) (bool, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	ListPrefix(ctx context.Context, prefix string) (<-chan string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// ErrNotFound is returned by Get when path does not exist.
var ErrNotFound = fmt.Errorf("artifact not found")

// Layout computes the storage paths for an Entry id, following the
// 4-level prefix fan-out from spec §3: aa/bb/cc/dd/<id>/<id>.<suffix>.
type Layout struct {
	ID string
}

// Dir returns the directory (or key prefix) an Entry's artifacts live
// under.
func (l Layout) Dir() string {
	p := l.ID
	for len(p) < 8 {
		p = p + "0"
	}
	return strings.Join([]string{p[0:2], p[2:4], p[4:6], p[6:8], l.ID}, "/")
}

// Path returns the full path to one of an Entry's artifact files.
func (l Layout) Path(suffix string) string {
	return l.Dir() + "/" + l.ID + suffix
}

// PDF, JATS, TEIFromPDF, TEIFromJATS, RefAnnotations, Metadata, and
// Thumbnail return the canonical artifact paths named in spec §3.
func (l Layout) PDF() string            { return l.Path(".pdf") }
func (l Layout) JATS() string           { return l.Path(".nxml") }
func (l Layout) TEIFromPDF() string     { return l.Path(".grobid.tei.xml") }
func (l Layout) TEIFromJATS() string    { return l.Path(".pub2tei.tei.xml") }
func (l Layout) RefAnnotations() string { return l.Path("-ref-annotations.json") }
func (l Layout) Metadata() string       { return l.Path(".json") }
func (l Layout) Thumbnail(size string) string {
	return l.Path(fmt.Sprintf("-thumb-%s.png", size))
}

// randomSuffix is used by the local backend's write-then-rename idiom so
// concurrent writers never collide on the same temp name.
func randomSuffix() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
