// Package entry defines the Entry data model: the unit of work the rest of
// the harvester orchestrates. It mirrors the plain-struct style of the
// teacher's pkg/types package but trades a fleet-of-structs cluster model
// for the article-pipeline shape the harvester actually needs.
package entry

import "time"

// Stage identifies one step in an Entry's state machine.
type Stage string

const (
	StageMetadata Stage = "metadata"
	StagePDF      Stage = "pdf"
	StageJATS     Stage = "jats"
	StageTEIPDF   Stage = "tei_pdf"
	StageTEIJATS  Stage = "tei_jats"
)

// Stages lists every stage in state-machine order.
var Stages = []Stage{StageMetadata, StagePDF, StageJATS, StageTEIPDF, StageTEIJATS}

// State is the lifecycle state of a single stage.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
)

// Reason is a stage failure taxonomy tag, per spec §7.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonConfigError     Reason = "config_error"
	ReasonInputError      Reason = "input_error"
	ReasonUnresolved      Reason = "unresolved"
	ReasonNoOAURL         Reason = "no_oa_url"
	ReasonHTTPError       Reason = "http_error"
	ReasonTimeout         Reason = "timeout"
	ReasonInvalidContent  Reason = "invalid_content"
	ReasonTooLarge        Reason = "too_large"
	ReasonStructuring     Reason = "structuring_failed"
	ReasonNoURL           Reason = "no_url"
	ReasonAllURLsFailed   Reason = "all_urls_failed"
)

// Retryable reports whether a Reason should be retried by the Orchestrator
// (spec §7: http_error/timeout are retryable, everything else is terminal).
func (r Reason) Retryable() bool {
	switch r {
	case ReasonHTTPError, ReasonTimeout:
		return true
	default:
		return false
	}
}

// StageStatus is the per-stage status carried on an Entry.
type StageStatus struct {
	State       State     `json:"state"`
	Reason      Reason    `json:"reason,omitempty"`
	HasWarnings bool      `json:"has_warnings,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Identifiers is the small record of known external identifiers for an
// article; any subset may be empty.
type Identifiers struct {
	DOI    string `json:"doi,omitempty"`
	PMID   string `json:"pmid,omitempty"`
	PMCID  string `json:"pmcid,omitempty"`
	PII    string `json:"pii,omitempty"`
	CordID string `json:"cord_id,omitempty"`
}

// Empty reports whether no identifier field is populated.
func (i Identifiers) Empty() bool {
	return i.DOI == "" && i.PMID == "" && i.PMCID == "" && i.PII == "" && i.CordID == ""
}

// Richness ranks an identifier set for merge-preference purposes: PMC > DOI
// > PMID > title-only (spec §4.1).
func (i Identifiers) Richness() int {
	switch {
	case i.PMCID != "":
		return 4
	case i.DOI != "":
		return 3
	case i.PMID != "":
		return 2
	default:
		return 1
	}
}

// CandidateURL is one ordered candidate download URL discovered during
// enrichment.
type CandidateURL struct {
	URL      string `json:"url"`
	Source   string `json:"source"`
	Priority int    `json:"priority"`
}

// Metadata is the normalized bibliographic record produced by enrichment.
type Metadata struct {
	Title    string    `json:"title,omitempty"`
	Authors  []string  `json:"authors,omitempty"`
	Venue    string    `json:"venue,omitempty"`
	Year     int       `json:"year,omitempty"`
	License  string    `json:"license,omitempty"`
	Abstract string    `json:"abstract,omitempty"`
	OAURL    string    `json:"oa_url,omitempty"`
}

// Artifacts tracks presence flags for every artifact kind an Entry may own.
type Artifacts struct {
	PDF             bool `json:"pdf"`
	JATS            bool `json:"jats"`
	TEIFromPDF      bool `json:"tei_from_pdf"`
	TEIFromJATS     bool `json:"tei_from_jats"`
	RefAnnotations  bool `json:"ref_annotations"`
	Thumbnails      bool `json:"thumbnails"`
}

// AnyTEI reports whether at least one TEI artifact has been produced.
func (a Artifacts) AnyTEI() bool {
	return a.TEIFromPDF || a.TEIFromJATS
}

// Entry is the unit of work the Orchestrator drives through its pipeline.
type Entry struct {
	ID            string                 `json:"id"`
	Identifiers   Identifiers            `json:"identifiers"`
	Metadata      Metadata               `json:"metadata"`
	Source        string                 `json:"source,omitempty"`
	CandidateURLs []CandidateURL         `json:"candidate_urls,omitempty"`
	Artifacts     Artifacts              `json:"artifacts"`
	Status        map[Stage]StageStatus  `json:"status"`
	AttemptCounts map[Stage]int          `json:"attempt_counts"`
	Warnings      []string               `json:"warnings,omitempty"`
	EnrichedAt    time.Time              `json:"enriched_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// New creates a fresh Entry with every stage pending.
func New(id string, ids Identifiers) *Entry {
	now := time.Now()
	e := &Entry{
		ID:            id,
		Identifiers:   ids,
		Status:        make(map[Stage]StageStatus, len(Stages)),
		AttemptCounts: make(map[Stage]int, len(Stages)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, s := range Stages {
		e.Status[s] = StageStatus{State: StatePending, UpdatedAt: now}
	}
	return e
}

// StatusOf returns the status of a stage, defaulting to pending if unset.
func (e *Entry) StatusOf(s Stage) StageStatus {
	if st, ok := e.Status[s]; ok {
		return st
	}
	return StageStatus{State: StatePending}
}

// SetStage records a new stage status and bumps UpdatedAt.
func (e *Entry) SetStage(s Stage, state State, reason Reason) {
	if e.Status == nil {
		e.Status = make(map[Stage]StageStatus, len(Stages))
	}
	e.Status[s] = StageStatus{State: state, Reason: reason, UpdatedAt: time.Now()}
	e.UpdatedAt = time.Now()
}

// MarkWarning records a non-fatal warning on a successful stage.
func (e *Entry) MarkWarning(s Stage, msg string) {
	st := e.StatusOf(s)
	st.HasWarnings = true
	e.Status[s] = st
	e.Warnings = append(e.Warnings, msg)
}

// IncAttempt increments and returns the attempt counter for a stage.
func (e *Entry) IncAttempt(s Stage) int {
	if e.AttemptCounts == nil {
		e.AttemptCounts = make(map[Stage]int, len(Stages))
	}
	e.AttemptCounts[s]++
	return e.AttemptCounts[s]
}

// Done reports whether the Entry has reached a terminal success state per
// spec §4.6 / Open Question #2: either a TEI-from-PDF artifact, or a JATS
// artifact with its TEI-from-JATS counterpart.
func (e *Entry) Done() bool {
	if e.Artifacts.TEIFromPDF {
		return true
	}
	if e.Artifacts.JATS && e.Artifacts.TEIFromJATS {
		return true
	}
	return false
}

// Failed reports whether any stage ended in a terminal failed state.
func (e *Entry) Failed() bool {
	for _, s := range Stages {
		if e.StatusOf(s).State == StateFailed {
			return true
		}
	}
	return false
}

// Failure is a tagged stage failure, used by every component so the
// Orchestrator's retry decision is a check on the typed Reason (via
// Retryable) rather than a string compare (SPEC_FULL §7).
type Failure struct {
	Stage  Stage
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return string(f.Stage) + ": " + string(f.Reason) + ": " + f.Err.Error()
	}
	return string(f.Stage) + ": " + string(f.Reason)
}

// Retryable reports whether the Orchestrator should retry this failure.
func (f *Failure) Retryable() bool {
	return f.Reason.Retryable()
}

// NewFailure builds a tagged Failure.
func NewFailure(stage Stage, reason Reason, err error) *Failure {
	return &Failure{Stage: stage, Reason: reason, Err: err}
}
