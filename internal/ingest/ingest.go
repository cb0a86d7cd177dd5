// Package ingest reads the harvester's four input selectors (spec §6:
// --dois, --pmids, --pmcids, --cord19) into dedup.Rows and resolves them
// into Entries in the State Store, ahead of the Orchestrator's run. There
// is no single teacher file for this glue; it follows the same
// plain-function style as internal/dedup.
package ingest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/scholarpipe/harvester/internal/dedup"
	"github.com/scholarpipe/harvester/internal/entry"
	"github.com/scholarpipe/harvester/internal/identifiers"
	"github.com/scholarpipe/harvester/internal/store"
)

// Summary reports how many rows were read and how many distinct Entries
// they resolved into.
type Summary struct {
	RowsRead     int
	DistinctIDs  int
	SkippedRows  int // malformed rows, spec §7 "input_error ... skipped with a warning, not counted as failure"
}

// FromDOIList reads one DOI per line from path and resolves each into st.
func FromDOIList(path string, resolver *dedup.Resolver, st *store.Store) (Summary, error) {
	return fromLineList(path, resolver, st, func(line string) entry.Identifiers {
		return entry.Identifiers{DOI: line}
	})
}

// FromPMIDList reads one PMID per line from path and resolves each into st.
func FromPMIDList(path string, resolver *dedup.Resolver, st *store.Store) (Summary, error) {
	return fromLineList(path, resolver, st, func(line string) entry.Identifiers {
		return entry.Identifiers{PMID: line}
	})
}

// FromPMCIDList reads one PMCID per line from path and resolves each into
// st.
func FromPMCIDList(path string, resolver *dedup.Resolver, st *store.Store) (Summary, error) {
	return fromLineList(path, resolver, st, func(line string) entry.Identifiers {
		return entry.Identifiers{PMCID: line}
	})
}

func fromLineList(path string, resolver *dedup.Resolver, st *store.Store, toIDs func(string) entry.Identifiers) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("opening input list: %w", err)
	}
	defer f.Close()

	var summary Summary
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		summary.RowsRead++

		row := dedup.Row{Identifiers: toIDs(line)}
		e, isNew := resolver.Resolve(row)
		if err := st.Update(e); err != nil {
			return summary, fmt.Errorf("recording entry %s: %w", e.ID, err)
		}
		if isNew || !seen[e.ID] {
			seen[e.ID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("reading input list: %w", err)
	}
	summary.DistinctIDs = len(seen)
	return summary, nil
}

// FromCORD19 decodes a CORD-19 metadata CSV from path and resolves every
// row into st, tolerating malformed rows per spec §7 input_error (skipped
// with a warning, not counted as a pipeline failure).
func FromCORD19(path string, resolver *dedup.Resolver, st *store.Store, warn func(msg string)) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("opening CORD-19 file: %w", err)
	}
	defer f.Close()

	reader, err := identifiers.NewCORD19Reader(f)
	if err != nil {
		return Summary{}, fmt.Errorf("reading CORD-19 header: %w", err)
	}

	var summary Summary
	seen := make(map[string]bool)
	for {
		row, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			summary.SkippedRows++
			if warn != nil {
				warn(fmt.Sprintf("skipping malformed CORD-19 row: %v", err))
			}
			continue
		}
		summary.RowsRead++

		dedupRow := dedup.Row{
			Identifiers: entry.Identifiers{
				DOI:    row.DOI,
				PMCID:  row.PMCID,
				PMID:   row.PubMedID,
				CordID: row.CordUID,
			},
			Title:       row.Title,
			FirstAuthor: firstAuthor(row.Authors),
			Year:        yearFromPublishTime(row.PublishTime),
			IsCORD19:    true,
		}
		e, isNew := resolver.Resolve(dedupRow)
		if err := st.Update(e); err != nil {
			return summary, fmt.Errorf("recording entry %s: %w", e.ID, err)
		}
		if isNew || !seen[e.ID] {
			seen[e.ID] = true
		}
	}
	summary.DistinctIDs = len(seen)
	return summary, nil
}

// firstAuthor extracts the first semicolon-separated author from a
// CORD-19 "authors" field.
func firstAuthor(authors string) string {
	parts := strings.SplitN(authors, ";", 2)
	return strings.TrimSpace(parts[0])
}

// yearFromPublishTime extracts the leading four-digit year from a
// publish_time value (e.g. "2020-03-16").
func yearFromPublishTime(s string) int {
	if len(s) < 4 {
		return 0
	}
	y, err := strconv.Atoi(s[:4])
	if err != nil {
		return 0
	}
	return y
}
