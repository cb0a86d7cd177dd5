package identifiers

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCORD19Reader_DecodesKnownColumns(t *testing.T) {
	csv := "cord_uid,sha,source_x,title,doi,pmcid,pubmed_id,license,abstract,publish_time,authors,journal,url\n" +
		"fq4xq00d,abc,PMC,A Title,10.1/x,PMC123,456,cc-by,an abstract,2020-03-16,Smith; Jones,Nature,http://example.com\n"

	reader, err := NewCORD19Reader(strings.NewReader(csv))
	require.NoError(t, err)

	row, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "fq4xq00d", row.CordUID)
	assert.Equal(t, "10.1/x", row.DOI)
	assert.Equal(t, "PMC123", row.PMCID)
	assert.Equal(t, "456", row.PubMedID)
	assert.Equal(t, "2020-03-16", row.PublishTime)
	assert.Equal(t, "Smith; Jones", row.Authors)

	_, err = reader.Next()
	assert.Equal(t, io.EOF, err)
}

func TestCORD19Reader_TolerantOfMissingTrailingColumns(t *testing.T) {
	csv := "cord_uid,sha,source_x,title,doi,pmcid,pubmed_id,license,abstract,publish_time,authors,journal,mag_id,who_covidence_id,arxiv_id,pdf_json_files,pmc_json_files,url,s2_id\n" +
		"fq4xq00d,abc,PMC,A Title,10.1/x\n"

	reader, err := NewCORD19Reader(strings.NewReader(csv))
	require.NoError(t, err)

	row, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "10.1/x", row.DOI)
	assert.Equal(t, "", row.PMCID)
	assert.Equal(t, "", row.PublishTime)
}

func TestCORD19Reader_IgnoresUnknownColumns(t *testing.T) {
	csv := "cord_uid,some_future_column,doi\n" +
		"fq4xq00d,whatever,10.1/x\n"

	reader, err := NewCORD19Reader(strings.NewReader(csv))
	require.NoError(t, err)

	row, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "fq4xq00d", row.CordUID)
	assert.Equal(t, "10.1/x", row.DOI)
}

func TestNewCORD19Reader_EmptyInputErrors(t *testing.T) {
	_, err := NewCORD19Reader(strings.NewReader(""))
	assert.Error(t, err)
}
