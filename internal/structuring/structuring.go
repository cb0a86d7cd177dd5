// Package structuring implements the PDF-to-TEI Structuring Client (spec
// §4.4): a thin HTTP client over the GROBID-shaped structuring service.
// JATS-to-TEI transforms run in batch only, driven by internal/reversepass
// directly invoking the Pub2TEI-shaped subprocess transformer; there is no
// per-document HTTP path for that direction (spec §4.9). Circuit breaking
// guards the PDF structuring call specifically, since it is CPU-bound on
// the server and the spec calls it out as the step most likely to
// dominate worker hold-time (§4.6). The request/response shape follows
// warren pkg/client's thin-wrapper-over-a-remote-call style, generalized
// from gRPC to multipart HTTP.
package structuring

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// ErrStructuringFailed wraps a transport error or a response status other
// than 200 or 206. A 206 response is not a failure: it is returned as a
// Result with HasWarnings set.
var ErrStructuringFailed = fmt.Errorf("structuring: transform call failed")

// Result is one structuring call's outcome.
type Result struct {
	TEI         []byte
	HasWarnings bool
}

// Options configures a PDF structuring Client.
type Options struct {
	URL                  string
	RequestConsolidation bool
	RequestCoordinates   bool
	// BytesPerSecondBudget sizes the per-call timeout proportionally to
	// the PDF's size (spec §4.4 "timeout proportional to file size").
	BytesPerSecondBudget int64
	MinTimeout           time.Duration
}

// Client is the PDF-to-TEI structuring client, wrapped in a circuit
// breaker since a saturated structuring service degrades every worker at
// once (spec §4.6 "per-host concurrency cap protects it" — the breaker is
// the complementary protection on the client side).
type Client struct {
	http *http.Client
	opts Options
	cb   *gobreaker.CircuitBreaker[Result]
}

// New builds a PDF structuring Client.
func New(httpClient *http.Client, opts Options) *Client {
	if opts.MinTimeout <= 0 {
		opts.MinTimeout = 60 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        "pdf_structuring",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{http: httpClient, opts: opts, cb: cb}
}

// PDFToTEI sends pdfBytes to the structuring service as a multipart
// upload, requesting reference consolidation and, if configured,
// coordinate annotations (spec §4.4).
func (c *Client) PDFToTEI(ctx context.Context, pdfBytes []byte) (Result, error) {
	return c.cb.Execute(func() (Result, error) {
		timeout := c.opts.MinTimeout
		if c.opts.BytesPerSecondBudget > 0 {
			if d := time.Duration(int64(len(pdfBytes))/c.opts.BytesPerSecondBudget) * time.Second; d > timeout {
				timeout = d
			}
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		body := &bytes.Buffer{}
		w := multipart.NewWriter(body)
		part, err := w.CreateFormFile("input", "document.pdf")
		if err != nil {
			return Result{}, fmt.Errorf("building multipart body: %w", err)
		}
		if _, err := part.Write(pdfBytes); err != nil {
			return Result{}, fmt.Errorf("writing pdf bytes: %w", err)
		}
		if c.opts.RequestConsolidation {
			w.WriteField("consolidateCitations", "1")
		}
		if c.opts.RequestCoordinates {
			w.WriteField("teiCoordinates", "ref,biblStruct")
		}
		if err := w.Close(); err != nil {
			return Result{}, fmt.Errorf("closing multipart writer: %w", err)
		}

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.opts.URL, body)
		if err != nil {
			return Result{}, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Content-Type", w.FormDataContentType())

		resp, err := c.http.Do(req)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrStructuringFailed, err)
		}
		defer resp.Body.Close()

		tei, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, fmt.Errorf("reading structuring response: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return Result{TEI: tei, HasWarnings: false}, nil
		case http.StatusPartialContent:
			return Result{TEI: tei, HasWarnings: true}, nil
		default:
			return Result{}, fmt.Errorf("%w: HTTP %d", ErrStructuringFailed, resp.StatusCode)
		}
	})
}

// ReferenceAnnotations fetches the alternate ref-annotation endpoint for an
// already-structured PDF (spec §4.8 "obtained from the PDF structuring
// call via an alternate endpoint"). Failure here is non-fatal to the
// caller by design.
func (c *Client) ReferenceAnnotations(ctx context.Context, pdfBytes []byte) ([]byte, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("input", "document.pdf")
	if err != nil {
		return nil, fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := part.Write(pdfBytes); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL+"/referenceAnnotations", body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reference annotation request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reference annotation service returned HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
