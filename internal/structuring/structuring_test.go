package structuring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPDFToTEI_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(10<<20))
		w.Write([]byte("<TEI>ok</TEI>"))
	}))
	defer srv.Close()

	c := New(http.DefaultClient, Options{URL: srv.URL, RequestConsolidation: true})
	res, err := c.PDFToTEI(context.Background(), []byte("%PDF-1.4 fake"))
	require.NoError(t, err)
	assert.Equal(t, "<TEI>ok</TEI>", string(res.TEI))
	assert.False(t, res.HasWarnings)
}

func TestPDFToTEI_PartialContentIsWarningNotFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("<TEI>partial</TEI>"))
	}))
	defer srv.Close()

	c := New(http.DefaultClient, Options{URL: srv.URL})
	res, err := c.PDFToTEI(context.Background(), []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.True(t, res.HasWarnings)
}

func TestPDFToTEI_ServerErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(http.DefaultClient, Options{URL: srv.URL})
	_, err := c.PDFToTEI(context.Background(), []byte("%PDF-1.4"))
	assert.ErrorIs(t, err, ErrStructuringFailed)
}
