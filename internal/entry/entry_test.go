package entry

import (
	"errors"
	"testing"
)

func TestNew_AllStagesPending(t *testing.T) {
	e := New("id1", Identifiers{DOI: "10.1/x"})
	for _, s := range Stages {
		if got := e.StatusOf(s).State; got != StatePending {
			t.Errorf("stage %s = %s, want pending", s, got)
		}
	}
}

func TestIdentifiers_Richness(t *testing.T) {
	cases := []struct {
		ids  Identifiers
		want int
	}{
		{Identifiers{PMCID: "PMC1", DOI: "10.1/x"}, 4},
		{Identifiers{DOI: "10.1/x"}, 3},
		{Identifiers{PMID: "1"}, 2},
		{Identifiers{}, 1},
	}
	for _, c := range cases {
		if got := c.ids.Richness(); got != c.want {
			t.Errorf("Richness(%+v) = %d, want %d", c.ids, got, c.want)
		}
	}
}

func TestIdentifiers_Empty(t *testing.T) {
	if !(Identifiers{}).Empty() {
		t.Error("zero-value Identifiers should be Empty")
	}
	if (Identifiers{DOI: "10.1/x"}).Empty() {
		t.Error("Identifiers with a DOI should not be Empty")
	}
}

func TestEntry_Done_TEIFromPDFAlone(t *testing.T) {
	e := New("id1", Identifiers{})
	e.Artifacts.TEIFromPDF = true
	if !e.Done() {
		t.Error("expected Done() with only tei_from_pdf set")
	}
}

func TestEntry_Done_JATSWithoutTEIFromJATSIsNotDone(t *testing.T) {
	e := New("id1", Identifiers{})
	e.Artifacts.JATS = true
	if e.Done() {
		t.Error("JATS alone without tei_from_jats should not count as done")
	}
}

func TestEntry_Done_JATSWithTEIFromJATS(t *testing.T) {
	e := New("id1", Identifiers{})
	e.Artifacts.JATS = true
	e.Artifacts.TEIFromJATS = true
	if !e.Done() {
		t.Error("expected Done() with jats + tei_from_jats set")
	}
}

func TestEntry_Failed(t *testing.T) {
	e := New("id1", Identifiers{})
	if e.Failed() {
		t.Error("fresh Entry should not be failed")
	}
	e.SetStage(StagePDF, StateFailed, ReasonAllURLsFailed)
	if !e.Failed() {
		t.Error("expected Failed() after a stage is set to failed")
	}
}

func TestEntry_IncAttempt(t *testing.T) {
	e := New("id1", Identifiers{})
	if got := e.IncAttempt(StageMetadata); got != 1 {
		t.Errorf("first IncAttempt = %d, want 1", got)
	}
	if got := e.IncAttempt(StageMetadata); got != 2 {
		t.Errorf("second IncAttempt = %d, want 2", got)
	}
}

func TestReason_Retryable(t *testing.T) {
	if !ReasonHTTPError.Retryable() {
		t.Error("http_error should be retryable")
	}
	if !ReasonTimeout.Retryable() {
		t.Error("timeout should be retryable")
	}
	if ReasonInvalidContent.Retryable() {
		t.Error("invalid_content should not be retryable")
	}
}

func TestFailure_Error(t *testing.T) {
	f := NewFailure(StagePDF, ReasonHTTPError, errors.New("503"))
	want := "pdf: http_error: 503"
	if got := f.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
