// Package dedup implements the Deduplication & Identifier Resolver: it
// collapses a raw input stream into distinct logical Entries, assigning
// each a stable id (spec §4.1). There is no direct analogue for this in the
// teacher repo (warren has no deduplication concern). The cascade state
// lives in a Resolver, which keeps one private index map per key.
package dedup

import (
	"math/big"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/scholarpipe/harvester/internal/entry"
	"github.com/scholarpipe/harvester/internal/identifiers"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Row is one raw input row, prior to dedup, carrying whatever identifiers
// the input source supplied plus a free-text title/author/year for the
// article-level dedup cascade.
type Row struct {
	Identifiers  entry.Identifiers
	Title        string
	FirstAuthor  string
	Year         int
	IsCORD19     bool
}

// articleKey is the normalized (title, first author, year) dedup key used
// when no stronger identifier is available (spec §4.1 step 3).
type articleKey struct {
	title  string
	author string
	year   int
}

// Resolver collapses a stream of Rows into distinct Entries. It is not
// safe for concurrent use; the Deduplicator runs as a single pass ahead of
// the Orchestrator's worker pool.
type Resolver struct {
	byDOI     map[string]*entry.Entry
	byPMID    map[string]*entry.Entry
	byPMCID   map[string]*entry.Entry
	byArticle map[articleKey]*entry.Entry
	byCordID  map[string]*entry.Entry
}

// NewResolver returns an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{
		byDOI:     make(map[string]*entry.Entry),
		byPMID:    make(map[string]*entry.Entry),
		byPMCID:   make(map[string]*entry.Entry),
		byArticle: make(map[articleKey]*entry.Entry),
		byCordID:  make(map[string]*entry.Entry),
	}
}

// Resolve consumes one raw input row and returns the Entry it belongs to
// (newly created, or an existing one it was merged into) plus whether it
// is a brand-new logical article.
func (r *Resolver) Resolve(row Row) (e *entry.Entry, isNew bool) {
	ids := normalizeRow(row)

	// Step 1: CORD-19 explicit-duplicate case — exact cord_id match wins
	// immediately, before any other key is consulted.
	if ids.CordID != "" {
		if existing, ok := r.byCordID[ids.CordID]; ok {
			r.merge(existing, ids)
			return existing, false
		}
	}

	// Step 2: DOI, then PMID, then PMCID — first non-empty wins (spec §4.1
	// step 2; Open Question #1 fixes "DOI wins" when it disagrees with the
	// title/author/year key).
	if ids.DOI != "" {
		if existing, ok := r.byDOI[ids.DOI]; ok {
			r.merge(existing, ids)
			return existing, false
		}
	}
	if ids.DOI == "" && ids.PMID != "" {
		if existing, ok := r.byPMID[ids.PMID]; ok {
			r.merge(existing, ids)
			return existing, false
		}
	}
	if ids.DOI == "" && ids.PMID == "" && ids.PMCID != "" {
		if existing, ok := r.byPMCID[ids.PMCID]; ok {
			r.merge(existing, ids)
			return existing, false
		}
	}

	// Step 3: article-level dedup by normalized (title, first author, year).
	key, hasKey := articleKeyOf(row)
	if hasKey {
		if existing, ok := r.byArticle[key]; ok {
			r.merge(existing, ids)
			return existing, false
		}
	}

	// No match: create a new Entry.
	id := ids.CordID
	if id == "" {
		id = newRandomID()
	}
	e = entry.New(id, ids)
	r.index(e, key, hasKey)
	return e, true
}

// normalizeRow normalizes every identifier field on a raw row.
func normalizeRow(row Row) entry.Identifiers {
	ids := row.Identifiers
	ids.DOI = identifiers.NormalizeDOI(ids.DOI)
	ids.PMID = identifiers.NormalizePMID(ids.PMID)
	ids.PMCID = identifiers.NormalizePMCID(ids.PMCID)
	return ids
}

// merge unions the identifier fields of an existing Entry with a newly
// seen row's identifiers: a field already set on e is kept, and only empty
// fields are filled from ids. The richness of the two identifier sets is
// not compared, and e's id is never swapped (ids are immutable once
// assigned — spec §3).
func (r *Resolver) merge(e *entry.Entry, ids entry.Identifiers) {
	if e.Identifiers.DOI == "" {
		e.Identifiers.DOI = ids.DOI
	}
	if e.Identifiers.PMID == "" {
		e.Identifiers.PMID = ids.PMID
	}
	if e.Identifiers.PMCID == "" {
		e.Identifiers.PMCID = ids.PMCID
	}
	if e.Identifiers.PII == "" {
		e.Identifiers.PII = ids.PII
	}
	if e.Identifiers.CordID == "" {
		e.Identifiers.CordID = ids.CordID
	}

	// Re-index under every key the merged identifier set now satisfies, so
	// a later row using any of them still finds this Entry.
	r.index(e, articleKey{}, false)
}

// index registers an Entry under every key it currently satisfies.
func (r *Resolver) index(e *entry.Entry, key articleKey, hasKey bool) {
	if e.Identifiers.CordID != "" {
		r.byCordID[e.Identifiers.CordID] = e
	}
	if e.Identifiers.DOI != "" {
		r.byDOI[e.Identifiers.DOI] = e
	}
	if e.Identifiers.PMID != "" {
		r.byPMID[e.Identifiers.PMID] = e
	}
	if e.Identifiers.PMCID != "" {
		r.byPMCID[e.Identifiers.PMCID] = e
	}
	if hasKey {
		r.byArticle[key] = e
	}
}

// articleKeyOf builds the normalized (title, first author, year) key for a
// row, reporting false if the title is empty (no meaningful key).
func articleKeyOf(row Row) (articleKey, bool) {
	title := NormalizeTitle(row.Title)
	if title == "" {
		return articleKey{}, false
	}
	return articleKey{
		title:  title,
		author: strings.ToLower(strings.TrimSpace(row.FirstAuthor)),
		year:   row.Year,
	}, true
}

// NormalizeTitle lowercases a title, turns every run of whitespace and
// punctuation into a single space (so "COVID-19" becomes "covid 19"), and
// decomposes accents (spec §4.1 step 3) using Unicode NFD decomposition
// followed by a combining-mark filter — the accent-folding step the spec
// calls for is not expressible correctly with strings.ToLower alone.
func NormalizeTitle(title string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, title)
	if err != nil {
		folded = title
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	prevSpace := false
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevSpace = false
		default:
			// Whitespace, punctuation and every other rune act as a single
			// word separator.
			if !prevSpace && b.Len() > 0 {
				b.WriteRune(' ')
				prevSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// newRandomID returns a fresh 22-character id (spec §3: "22-char random"
// for non-CORD-19 inputs). It takes the 16 raw bytes of a v4 UUID and
// re-encodes them in base62 (0-9a-zA-Z), left-padded with '0' to 22
// characters, rather than the standard hyphenated 36-character form, since
// the spec's id length invariant is fixed.
func newRandomID() string {
	id := uuid.New()
	s := new(big.Int).SetBytes(id[:]).Text(62)
	return strings.Repeat("0", 22-len(s)) + s
}
