// Package identifiers normalizes external article identifiers (DOI, PMID,
// PMCID) and decodes CORD-19 metadata CSV rows.
package identifiers

import "strings"

// NormalizeDOI lowercases and trims a DOI, per spec §8 invariant 10 (two
// rows with the same DOI in different case collapse to one Entry).
func NormalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	doi = strings.TrimPrefix(doi, "https://doi.org/")
	doi = strings.TrimPrefix(doi, "http://doi.org/")
	doi = strings.TrimPrefix(doi, "doi:")
	return strings.ToLower(doi)
}

// NormalizePMID strips whitespace and a "PMID:" prefix if present.
func NormalizePMID(pmid string) string {
	pmid = strings.TrimSpace(pmid)
	pmid = strings.TrimPrefix(pmid, "PMID:")
	pmid = strings.TrimPrefix(pmid, "pmid:")
	return strings.TrimSpace(pmid)
}

// NormalizePMCID upper-cases and ensures the "PMC" prefix.
func NormalizePMCID(pmcid string) string {
	pmcid = strings.TrimSpace(pmcid)
	pmcid = strings.ToUpper(pmcid)
	if pmcid != "" && !strings.HasPrefix(pmcid, "PMC") {
		pmcid = "PMC" + pmcid
	}
	return pmcid
}
