// Package fetcher implements the PDF/JATS Fetcher (spec §4.3): trying
// candidate URLs in order, validating the response, and — for JATS —
// pulling the member out of the PMC OA archive tarball. The download idiom
// (User-Agent/Accept headers) is grounded on other_examples petar-djukic's
// acquire.go downloadFile, but the body is read into memory and returned
// to the caller; nothing is written to disk here. Response validation
// borrows warren pkg/health/http.go's status-range checker shape, extended
// with size and %PDF- magic-byte checks; the Content-Type header is not
// inspected.
package fetcher

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/scholarpipe/harvester/internal/entry"
	"github.com/scholarpipe/harvester/internal/ratelimit"
)

// Failure categories recorded on an Entry's status (spec §4.3).
var (
	ErrNoURL         = fmt.Errorf("no_url: no candidate URL available")
	ErrAllURLsFailed = fmt.Errorf("all_urls_failed: every candidate URL failed")
	ErrHTTPError     = fmt.Errorf("http_error")
	ErrInvalidContent = fmt.Errorf("invalid_content")
	ErrTooLarge      = fmt.Errorf("too_large")
)

const (
	minPDFBytes = 1024
	maxRedirectDepth = 5
)

// Options configures one Fetcher.
type Options struct {
	MinBytes      int64
	MaxBytes      int64
	MaxAttempts   int
	PMCArchiveGet func(ctx context.Context, pmcid string) (io.ReadCloser, error)
}

// Fetcher is the PDF/JATS Fetcher (spec §4.3).
type Fetcher struct {
	http  *http.Client
	hosts *ratelimit.HostSemaphores
	opts  Options
	log   zerolog.Logger

	cooldown map[string]bool // sources marked for cooldown this run (403/429)
}

// New builds a Fetcher. hosts caps concurrent downloads per destination
// host, independent of the orchestrator's global worker pool (spec §5).
//
// httpClient is shared with the metadata and structuring clients and is
// read concurrently across the worker pool, so New never mutates it.
// Instead it takes a shallow copy carrying the fetcher's own
// CheckRedirect policy, since http.Client.CheckRedirect has no per-call
// override and setting it on the shared client would be a data race.
func New(httpClient *http.Client, hosts *ratelimit.HostSemaphores, opts Options, logger zerolog.Logger) *Fetcher {
	if opts.MinBytes <= 0 {
		opts.MinBytes = minPDFBytes
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 200 * 1024 * 1024
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	ownClient := *httpClient
	ownClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirectDepth {
			return fmt.Errorf("stopped after %d redirects", maxRedirectDepth)
		}
		return nil
	}

	return &Fetcher{
		http:     &ownClient,
		hosts:    hosts,
		opts:     opts,
		log:      logger,
		cooldown: make(map[string]bool),
	}
}

// Result is one successful fetch: the artifact bytes and which candidate
// URL source supplied them.
type Result struct {
	Bytes  []byte
	Source string
}

// FetchPDF tries each candidate URL in order, returning the first one that
// validates (spec §4.3 "first success wins").
func (f *Fetcher) FetchPDF(ctx context.Context, candidates []entry.CandidateURL) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, ErrNoURL
	}

	var lastErr error
	for _, c := range candidates {
		host, err := hostOf(c.URL)
		if err != nil {
			lastErr = err
			continue
		}
		if f.cooldown[host] {
			continue
		}

		release, err := f.hosts.Acquire(ctx, host)
		if err != nil {
			return Result{}, err
		}
		data, status, err := f.download(ctx, c.URL)
		release()

		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusForbidden || status == http.StatusTooManyRequests {
			f.cooldown[host] = true
			lastErr = fmt.Errorf("%w: host %s returned %d", ErrHTTPError, host, status)
			continue
		}
		if status != http.StatusOK {
			lastErr = fmt.Errorf("%w: %d from %s", ErrHTTPError, status, c.URL)
			continue
		}
		if err := validatePDF(data, f.opts.MinBytes, f.opts.MaxBytes); err != nil {
			lastErr = err
			continue
		}
		return Result{Bytes: data, Source: c.Source}, nil
	}

	if lastErr == nil {
		lastErr = ErrAllURLsFailed
	}
	return Result{}, fmt.Errorf("%w: %v", ErrAllURLsFailed, lastErr)
}

// FetchJATS resolves pmcid to its PMC OA archive tarball via the injected
// lookup, then extracts the single .nxml member (spec §4.3).
func (f *Fetcher) FetchJATS(ctx context.Context, pmcid string) (Result, error) {
	if pmcid == "" || f.opts.PMCArchiveGet == nil {
		return Result{}, ErrNoURL
	}

	rc, err := f.opts.PMCArchiveGet(ctx, pmcid)
	if err != nil {
		return Result{}, fmt.Errorf("%w: fetching PMC archive for %s: %v", ErrHTTPError, pmcid, err)
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return Result{}, fmt.Errorf("%w: ungzipping PMC archive: %v", ErrInvalidContent, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("%w: reading PMC archive: %v", ErrInvalidContent, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if len(hdr.Name) < 5 || hdr.Name[len(hdr.Name)-5:] != ".nxml" {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, f.opts.MaxBytes+1))
		if err != nil {
			return Result{}, fmt.Errorf("%w: reading .nxml member: %v", ErrInvalidContent, err)
		}
		if int64(len(data)) > f.opts.MaxBytes {
			return Result{}, ErrTooLarge
		}
		return Result{Bytes: data, Source: "pmc_oa_archive"}, nil
	}
	return Result{}, fmt.Errorf("%w: no .nxml member in archive for %s", ErrInvalidContent, pmcid)
}

// download performs one GET, following redirects up to maxRedirectDepth
// (spec §4.3 "Redirects followed up to a fixed depth").
func (f *Fetcher) download(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/pdf")
	req.Header.Set("User-Agent", "scholarpipe-harvester")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrHTTPError, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response body: %w", err)
	}
	return data, resp.StatusCode, nil
}

// validatePDF checks size bounds, a PDF magic header, and (loosely) the
// content looking like a PDF (spec §4.3 "readable PDF header %PDF-").
func validatePDF(data []byte, minBytes, maxBytes int64) error {
	if int64(len(data)) < minBytes {
		return fmt.Errorf("%w: %d bytes below minimum %d", ErrInvalidContent, len(data), minBytes)
	}
	if int64(len(data)) > maxBytes {
		return ErrTooLarge
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return fmt.Errorf("%w: missing %%PDF- header", ErrInvalidContent)
	}
	return nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing candidate URL %q: %w", rawURL, err)
	}
	return u.Host, nil
}
