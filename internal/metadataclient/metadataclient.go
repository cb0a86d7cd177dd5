// Package metadataclient implements the Metadata Client: a unified
// interface over the bibliographic aggregator, the DOI registry, and the
// OA locator (spec §4.2). It is grounded on the HTTP/JSON/XML request
// style of other_examples' acquire.go (fetchArxivMetadata,
// fetchCrossRefMetadata) generalized from two hardcoded upstreams to the
// three configurable ones the spec names, with retry and rate-limiting
// layered on via cenkalti/backoff/v5 and internal/ratelimit.
package metadataclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/scholarpipe/harvester/internal/entry"
	"github.com/scholarpipe/harvester/internal/ratelimit"
)

// ErrUnresolved is returned when no source could produce a record (spec
// §4.2 "the call fails with unresolved").
var ErrUnresolved = fmt.Errorf("unresolved: no source returned a record")

// Source names used both as rate-limiter keys and as the attribution tag
// recorded on a candidate URL.
const (
	SourceAggregator  = "aggregator"
	SourceDOIRegistry = "doi_registry"
	SourceOALocator   = "oa_locator"
)

// Options configures one Client.
type Options struct {
	AggregatorURL string // empty disables the aggregator lookup
	DOIRegistryURL string
	OALocatorURL   string
	ContactEmail   string
	MaxAttempts    int

	CORD19PublisherPDFLookup func(ids entry.Identifiers) (string, bool)
	PMCOAArchiveLookup       func(pmcid string) (string, bool)
}

// Client is the Metadata Client (spec §4.2).
type Client struct {
	http *http.Client
	opts Options
	rl   *ratelimit.ServiceLimiters
	log  zerolog.Logger
}

// New builds a Client over an already-configured *http.Client (timeouts,
// transport tuning are the caller's concern — spec §5 "metadata 30s").
func New(httpClient *http.Client, opts Options, rl *ratelimit.ServiceLimiters, logger zerolog.Logger) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Client{http: httpClient, opts: opts, rl: rl, log: logger}
}

// Result is the Metadata Client's output: a normalized record plus an
// ordered, deduplicated list of candidate download URLs (spec §4.2).
type Result struct {
	Metadata      entry.Metadata
	CandidateURLs []entry.CandidateURL
}

// Enrich consults the configured sources in order — aggregator, DOI
// registry, OA locator — and assembles the candidate URL list (spec §4.2).
// The first source to answer supplies the canonical record; later sources
// only fill gaps in it.
func (c *Client) Enrich(ctx context.Context, ids entry.Identifiers) (Result, error) {
	if ids.Empty() {
		return Result{}, ErrUnresolved
	}

	var res Result
	found := false

	if c.opts.AggregatorURL != "" {
		if rec, url, err := c.queryAggregator(ctx, ids); err == nil {
			res.Metadata = rec
			found = true
			if url != "" {
				res.CandidateURLs = append(res.CandidateURLs, entry.CandidateURL{URL: url, Source: SourceAggregator, Priority: 2})
			}
		} else {
			c.log.Warn().Err(err).Str("source", SourceAggregator).Msg("metadata source failed")
		}
	}

	if ids.DOI != "" {
		if rec, url, err := c.queryDOIRegistry(ctx, ids.DOI); err == nil {
			res.Metadata = fillGaps(res.Metadata, rec)
			found = true
			if url != "" {
				res.CandidateURLs = append(res.CandidateURLs, entry.CandidateURL{URL: url, Source: SourceDOIRegistry, Priority: 3})
			}
		} else {
			c.log.Warn().Err(err).Str("source", SourceDOIRegistry).Msg("metadata source failed")
		}
	}

	if bestURL, err := c.queryOALocator(ctx, ids); err == nil && bestURL != "" {
		found = true
		res.CandidateURLs = append([]entry.CandidateURL{{URL: bestURL, Source: SourceOALocator, Priority: 1}}, res.CandidateURLs...)
	} else if err != nil {
		c.log.Warn().Err(err).Str("source", SourceOALocator).Msg("metadata source failed")
	}

	// (a) PMC-OA-archive URL, highest priority of all, if PMCID known.
	if ids.PMCID != "" && c.opts.PMCOAArchiveLookup != nil {
		if url, ok := c.opts.PMCOAArchiveLookup(ids.PMCID); ok {
			res.CandidateURLs = append([]entry.CandidateURL{{URL: url, Source: "pmc_oa_archive", Priority: 0}}, res.CandidateURLs...)
			found = true
		}
	}

	// (e) CORD-19 Elsevier publisher PDF mirror lookup, consulted last.
	if c.opts.CORD19PublisherPDFLookup != nil {
		if url, ok := c.opts.CORD19PublisherPDFLookup(ids); ok {
			res.CandidateURLs = append(res.CandidateURLs, entry.CandidateURL{URL: url, Source: "cord19_publisher_pdf", Priority: 4})
			found = true
		}
	}

	if !found {
		return Result{}, ErrUnresolved
	}

	res.CandidateURLs = dedupeURLs(res.CandidateURLs)
	return res, nil
}

func fillGaps(base, fill entry.Metadata) entry.Metadata {
	if base.Title == "" {
		base.Title = fill.Title
	}
	if len(base.Authors) == 0 {
		base.Authors = fill.Authors
	}
	if base.Venue == "" {
		base.Venue = fill.Venue
	}
	if base.Year == 0 {
		base.Year = fill.Year
	}
	if base.License == "" {
		base.License = fill.License
	}
	if base.Abstract == "" {
		base.Abstract = fill.Abstract
	}
	if base.OAURL == "" {
		base.OAURL = fill.OAURL
	}
	return base
}

// dedupeURLs removes duplicate URLs, preserving first occurrence and thus
// the highest-priority source that offered each one (spec §4.2 "Duplicates
// removed preserving first occurrence").
func dedupeURLs(urls []entry.CandidateURL) []entry.CandidateURL {
	seen := make(map[string]bool, len(urls))
	out := make([]entry.CandidateURL, 0, len(urls))
	for _, u := range urls {
		if seen[u.URL] {
			continue
		}
		seen[u.URL] = true
		out = append(out, u)
	}
	return out
}

type aggregatorResponse struct {
	Title    string   `json:"title"`
	Authors  []string `json:"authors"`
	Venue    string   `json:"venue"`
	Year     int      `json:"year"`
	License  string   `json:"license"`
	Abstract string   `json:"abstract"`
	OAURL    string   `json:"oa_url"`
	PDFURL   string   `json:"pdf_url"`
}

func (c *Client) queryAggregator(ctx context.Context, ids entry.Identifiers) (entry.Metadata, string, error) {
	var resp aggregatorResponse
	err := c.getJSON(ctx, SourceAggregator, c.opts.AggregatorURL+"/lookup", ids, &resp)
	if err != nil {
		return entry.Metadata{}, "", err
	}
	return entry.Metadata{
		Title:    resp.Title,
		Authors:  resp.Authors,
		Venue:    resp.Venue,
		Year:     resp.Year,
		License:  resp.License,
		Abstract: resp.Abstract,
		OAURL:    resp.OAURL,
	}, resp.PDFURL, nil
}

type doiRegistryAuthor struct {
	Given  string `json:"given"`
	Family string `json:"family"`
}

type doiRegistryLink struct {
	URL         string `json:"URL"`
	ContentType string `json:"content-type"`
}

type doiRegistryResponse struct {
	Message struct {
		Title   []string            `json:"title"`
		Author  []doiRegistryAuthor `json:"author"`
		Created struct {
			DateParts [][]int `json:"date-parts"`
		} `json:"created"`
		Abstract string            `json:"abstract"`
		Link     []doiRegistryLink `json:"link"`
	} `json:"message"`
}

func (c *Client) queryDOIRegistry(ctx context.Context, doi string) (entry.Metadata, string, error) {
	var resp doiRegistryResponse
	url := c.opts.DOIRegistryURL + "/" + doi
	if err := c.getJSON(ctx, SourceDOIRegistry, url, entry.Identifiers{DOI: doi}, &resp); err != nil {
		return entry.Metadata{}, "", err
	}

	var rec entry.Metadata
	if len(resp.Message.Title) > 0 {
		rec.Title = resp.Message.Title[0]
	}
	rec.Abstract = resp.Message.Abstract
	for _, a := range resp.Message.Author {
		rec.Authors = append(rec.Authors, a.Given+" "+a.Family)
	}
	if len(resp.Message.Created.DateParts) > 0 && len(resp.Message.Created.DateParts[0]) > 0 {
		rec.Year = resp.Message.Created.DateParts[0][0]
	}

	var publisherURL string
	for _, l := range resp.Message.Link {
		if l.ContentType == "application/pdf" {
			publisherURL = l.URL
			break
		}
	}
	return rec, publisherURL, nil
}

type oaLocatorResponse struct {
	BestOAURL string `json:"best_oa_location_url"`
}

func (c *Client) queryOALocator(ctx context.Context, ids entry.Identifiers) (string, error) {
	var resp oaLocatorResponse
	if err := c.getJSON(ctx, SourceOALocator, c.opts.OALocatorURL, ids, &resp); err != nil {
		return "", err
	}
	return resp.BestOAURL, nil
}

// getJSON performs one rate-limited, retried GET against an upstream,
// decoding a JSON body into out. 4xx responses are terminal; 5xx and
// network errors are retried with exponential backoff (spec §4.2 "5xx,
// network ... retried ... 4xx is terminal").
func (c *Client) getJSON(ctx context.Context, service, url string, ids entry.Identifiers, out any) error {
	operation := func() (struct{}, error) {
		if err := c.rl.Wait(ctx, service); err != nil {
			return struct{}{}, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "scholarpipe-harvester ("+c.opts.ContactEmail+")")
		req.Header.Set("mailto", c.opts.ContactEmail)

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("request to %s: %w", service, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return struct{}{}, fmt.Errorf("%s returned HTTP %d", service, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			io.Copy(io.Discard, resp.Body)
			return struct{}{}, backoff.Permanent(fmt.Errorf("%s returned HTTP %d", service, resp.StatusCode))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("decoding %s response: %w", service, err))
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(2*time.Minute),
	)
	return err
}
