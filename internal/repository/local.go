package repository

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalRepository stores artifacts on a local (or NFS-mounted) filesystem
// rooted at Dir, using the same 4-level prefix fan-out the spec assigns to
// every backend (spec §4.7 "local backend").
type LocalRepository struct {
	Dir string
}

// NewLocalRepository returns a LocalRepository rooted at dir, creating dir
// if it does not already exist.
func NewLocalRepository(dir string) (*LocalRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating repository root: %w", err)
	}
	return &LocalRepository{Dir: dir}, nil
}

func (l *LocalRepository) full(path string) string {
	return filepath.Join(l.Dir, filepath.FromSlash(path))
}

// Put writes r to path atomically: spool to a sibling temp file, fsync,
// then rename into place, so a reader never observes a partial artifact
// (spec §4.7 "writes are atomic").
func (l *LocalRepository) Put(ctx context.Context, path string, r io.Reader) error {
	dest := l.full(path)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*-"+randomSuffix())
	if err != nil {
		return fmt.Errorf("creating temp artifact file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsyncing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("installing artifact: %w", err)
	}
	return nil
}

// Has reports whether path exists.
func (l *LocalRepository) Has(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(l.full(path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get opens path for reading. Callers must Close the returned ReadCloser.
func (l *LocalRepository) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(l.full(path))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListPrefix walks every file under prefix, emitting repository-relative
// paths on the returned channel. The walk runs in its own goroutine so
// callers can range over the channel without buffering the whole tree.
func (l *LocalRepository) ListPrefix(ctx context.Context, prefix string) (<-chan string, error) {
	root := l.full(prefix)
	out := make(chan string)

	go func() {
		defer close(out)
		_ = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if info.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(l.Dir, p)
			if relErr != nil {
				return relErr
			}
			select {
			case out <- filepath.ToSlash(rel):
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}()

	return out, nil
}

// DeletePrefix removes every file and directory under prefix.
func (l *LocalRepository) DeletePrefix(ctx context.Context, prefix string) error {
	root := l.full(prefix)
	if !strings.HasPrefix(filepath.Clean(root), filepath.Clean(l.Dir)) {
		return fmt.Errorf("refusing to delete outside repository root")
	}
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("deleting prefix %q: %w", prefix, err)
	}
	return nil
}
