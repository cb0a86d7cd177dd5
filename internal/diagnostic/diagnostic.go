// Package diagnostic implements the Diagnostic Reporter (spec §4.10): a
// single read-only pass over the State Store producing completeness
// counts. It is grounded on warren's pkg/metrics/collector.go, which runs
// the same shape of read-only scan-and-tally over live state.
package diagnostic

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/scholarpipe/harvester/internal/store"
)

// Report is the diagnostic summary (spec §4.10).
type Report struct {
	TotalEntries       int `json:"total_entries"`
	WithValidOAURL     int `json:"with_valid_oa_url"`
	WithDownloadedPDF  int `json:"with_downloaded_pdf"`
	WithTEIFromPDF     int `json:"with_tei_from_pdf"`
	WithTEIFromJATS    int `json:"with_tei_from_jats"`
	WithAnyTEI         int `json:"with_any_tei"`
	Done               int `json:"done"`
	Failed             int `json:"failed"`
}

// Run scans every Entry in st once and tallies the counts named in spec
// §4.10 ("total entries, distinct after dedup, with valid OA URL, with
// downloaded PDF, with TEI-from-PDF, with TEI-from-JATS, with at least one
// TEI").
func Run(st *store.Store) Report {
	var r Report
	for _, e := range st.IterAll() {
		r.TotalEntries++
		if e.Metadata.OAURL != "" {
			r.WithValidOAURL++
		}
		if e.Artifacts.PDF {
			r.WithDownloadedPDF++
		}
		if e.Artifacts.TEIFromPDF {
			r.WithTEIFromPDF++
		}
		if e.Artifacts.TEIFromJATS {
			r.WithTEIFromJATS++
		}
		if e.Artifacts.AnyTEI() {
			r.WithAnyTEI++
		}
		if e.Done() {
			r.Done++
		}
		if e.Failed() {
			r.Failed++
		}
	}
	return r
}

// WriteText renders the plain-text form of the report (spec §4.10 "a
// short plain-text report").
func WriteText(w io.Writer, r Report) error {
	_, err := fmt.Fprintf(w,
		"entries: %d\nwith oa url: %d\nwith pdf: %d\nwith tei from pdf: %d\nwith tei from jats: %d\nwith any tei: %d\ndone: %d\nfailed: %d\n",
		r.TotalEntries, r.WithValidOAURL, r.WithDownloadedPDF, r.WithTEIFromPDF,
		r.WithTEIFromJATS, r.WithAnyTEI, r.Done, r.Failed,
	)
	return err
}

// WriteJSON renders the JSON summary form of the report.
func WriteJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
