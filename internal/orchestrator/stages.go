package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/scholarpipe/harvester/internal/entry"
	"github.com/scholarpipe/harvester/internal/fetcher"
	"github.com/scholarpipe/harvester/internal/metadataclient"
	"github.com/scholarpipe/harvester/internal/repository"
)

// doMetadata runs the "enrich" transition: metadata lookup plus candidate
// URL assembly (spec §4.6 "pending → metadata_ok").
func (o *Orchestrator) doMetadata(ctx context.Context, e *entry.Entry) *entry.Failure {
	res, err := o.metadata.Enrich(ctx, e.Identifiers)
	if err != nil {
		if errors.Is(err, metadataclient.ErrUnresolved) {
			return entry.NewFailure(entry.StageMetadata, entry.ReasonUnresolved, err)
		}
		return entry.NewFailure(entry.StageMetadata, entry.ReasonHTTPError, err)
	}
	e.Metadata = res.Metadata
	e.CandidateURLs = res.CandidateURLs
	e.EnrichedAt = time.Now()
	return nil
}

// doPDF runs the "fetch_pdf" transition (spec §4.6 "urls_ready → pdf_ok").
func (o *Orchestrator) doPDF(ctx context.Context, e *entry.Entry) *entry.Failure {
	res, err := o.fetch.FetchPDF(ctx, e.CandidateURLs)
	if err != nil {
		return classifyFetchErr(entry.StagePDF, err)
	}

	l := repository.Layout{ID: e.ID}
	if err := o.repo.Put(ctx, l.PDF(), bytes.NewReader(res.Bytes)); err != nil {
		return entry.NewFailure(entry.StagePDF, entry.ReasonHTTPError, err)
	}
	e.Artifacts.PDF = true
	e.Source = res.Source
	return nil
}

// doJATS runs the best-effort "fetch_jats" transition (spec §4.6
// "jats_maybe"; absence of JATS is not failure at the pipeline level, but
// the stage itself still records its own outcome).
func (o *Orchestrator) doJATS(ctx context.Context, e *entry.Entry) *entry.Failure {
	res, err := o.fetch.FetchJATS(ctx, e.Identifiers.PMCID)
	if err != nil {
		return classifyFetchErr(entry.StageJATS, err)
	}

	l := repository.Layout{ID: e.ID}
	if err := o.repo.Put(ctx, l.JATS(), bytes.NewReader(res.Bytes)); err != nil {
		return entry.NewFailure(entry.StageJATS, entry.ReasonHTTPError, err)
	}
	e.Artifacts.JATS = true
	return nil
}

// doTEIFromPDF runs the "structure_pdf" transition, gated on --grobid and
// a prior pdf_ok (spec §4.6 "tei_pdf_maybe").
func (o *Orchestrator) doTEIFromPDF(ctx context.Context, e *entry.Entry) *entry.Failure {
	l := repository.Layout{ID: e.ID}
	rc, err := o.repo.Get(ctx, l.PDF())
	if err != nil {
		return entry.NewFailure(entry.StageTEIPDF, entry.ReasonInputError, err)
	}
	defer rc.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(rc); err != nil {
		return entry.NewFailure(entry.StageTEIPDF, entry.ReasonInputError, err)
	}

	res, err := o.pdfToTEI.PDFToTEI(ctx, buf.Bytes())
	if err != nil {
		return entry.NewFailure(entry.StageTEIPDF, entry.ReasonStructuring, err)
	}

	if err := o.repo.Put(ctx, l.TEIFromPDF(), bytes.NewReader(res.TEI)); err != nil {
		return entry.NewFailure(entry.StageTEIPDF, entry.ReasonHTTPError, err)
	}
	e.Artifacts.TEIFromPDF = true
	if res.HasWarnings {
		e.MarkWarning(entry.StageTEIPDF, "structuring service reported warnings")
	}

	if o.opts.EnableAnnotation {
		if ann, err := o.annotate(ctx, buf.Bytes()); err == nil {
			_ = o.repo.Put(ctx, l.RefAnnotations(), bytes.NewReader(ann))
			e.Artifacts.RefAnnotations = true
		}
	}
	if o.opts.EnableThumbnail && o.opts.ThumbnailFn != nil {
		if err := o.opts.ThumbnailFn(ctx, e.ID, buf.Bytes()); err == nil {
			e.Artifacts.Thumbnails = true
		}
	}
	return nil
}

func (o *Orchestrator) annotate(ctx context.Context, pdf []byte) ([]byte, error) {
	return o.pdfToTEI.ReferenceAnnotations(ctx, pdf)
}

func classifyFetchErr(stage entry.Stage, err error) *entry.Failure {
	switch {
	case errors.Is(err, fetcher.ErrNoURL):
		return entry.NewFailure(stage, entry.ReasonNoURL, err)
	case errors.Is(err, fetcher.ErrAllURLsFailed):
		return entry.NewFailure(stage, entry.ReasonAllURLsFailed, err)
	case errors.Is(err, fetcher.ErrTooLarge):
		return entry.NewFailure(stage, entry.ReasonTooLarge, err)
	case errors.Is(err, fetcher.ErrInvalidContent):
		return entry.NewFailure(stage, entry.ReasonInvalidContent, err)
	default:
		return entry.NewFailure(stage, entry.ReasonHTTPError, err)
	}
}
