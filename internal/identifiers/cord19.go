package identifiers

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// CORD19Row is one decoded row of a CORD-19 metadata.csv file. Only the
// columns the harvester consumes are promoted to fields; everything else is
// ignored, and any column missing from the header decodes to the zero value
// (spec §6: "missing columns tolerated where not used").
type CORD19Row struct {
	CordUID     string
	SHA         string
	SourceX     string
	Title       string
	DOI         string
	PMCID       string
	PubMedID    string
	License     string
	Abstract    string
	PublishTime string
	Authors     string
	Journal     string
	URL         string
}

// cord19Columns lists the accepted column names from spec §6, in the order
// they matter for lookups. Extra columns are ignored by construction since
// we only ever look up names in this set.
var cord19Columns = []string{
	"cord_uid", "sha", "source_x", "title", "doi", "pmcid", "pubmed_id",
	"license", "abstract", "publish_time", "authors", "journal", "mag_id",
	"who_covidence_id", "arxiv_id", "pdf_json_files", "pmc_json_files",
	"url", "s2_id",
}

// CORD19Reader decodes CORD-19 metadata CSV rows using a header→index map
// built once from the header row, per the "dynamic row shapes" design note
// (spec §9): no per-row reflection or attribute lookup by name.
type CORD19Reader struct {
	r       *csv.Reader
	index   map[string]int
	fields  int
}

// NewCORD19Reader reads the header row from r and returns a reader ready to
// decode subsequent rows.
func NewCORD19Reader(r io.Reader) (*CORD19Reader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // tolerate ragged rows; missing trailing columns decode as empty
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CORD-19 header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}

	return &CORD19Reader{r: cr, index: index, fields: len(header)}, nil
}

// Next decodes the next row, returning io.EOF when exhausted.
func (c *CORD19Reader) Next() (CORD19Row, error) {
	rec, err := c.r.Read()
	if err != nil {
		return CORD19Row{}, err
	}

	get := func(col string) string {
		i, ok := c.index[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	return CORD19Row{
		CordUID:     get("cord_uid"),
		SHA:         get("sha"),
		SourceX:     get("source_x"),
		Title:       get("title"),
		DOI:         get("doi"),
		PMCID:       get("pmcid"),
		PubMedID:    get("pubmed_id"),
		License:     get("license"),
		Abstract:    get("abstract"),
		PublishTime: get("publish_time"),
		Authors:     get("authors"),
		Journal:     get("journal"),
		URL:         get("url"),
	}, nil
}
