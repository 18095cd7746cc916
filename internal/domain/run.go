package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunStage string

const (
	StageRouting         RunStage = "routing"
	StageInterviewing    RunStage = "interviewing"
	StageDocumentDraft   RunStage = "document_drafting"
	StageSitemapPlanning RunStage = "sitemap_planning"
	StagePageGeneration  RunStage = "page_generation"
	StageValidating      RunStage = "validating"
	StageFinalizing      RunStage = "finalizing"
	StageCompleted       RunStage = "completed"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// PipelineRun is owned exclusively by the orchestrator for its lifetime.
type PipelineRun struct {
	RunID     uuid.UUID
	SessionID uuid.UUID
	Stage     RunStage
	Status    RunStatus
	StartedAt time.Time
	Decision  RoutingDecision

	// slug -> page version id for every page that produced a version.
	ProducedPages map[string]uuid.UUID
	// slugs whose generation never produced a version.
	FailedPages []string
}

func (r *PipelineRun) PartialFailure() bool {
	return r != nil && len(r.FailedPages) > 0
}

// RunResult is what the orchestrator hands back to its caller.
type RunResult struct {
	RunID          uuid.UUID
	Status         RunStatus
	PartialFailure bool
	ProducedPages  map[string]uuid.UUID
	FailedPages    []string
	DocVersionID   uuid.UUID
	SnapshotID     uuid.UUID
}

// PagePlan is one page's slot in the sitemap.
type PagePlan struct {
	Slug     string   `json:"slug"`
	Title    string   `json:"title"`
	Sections []string `json:"sections"`
	NavOrder int      `json:"nav_order"`
}

type SitemapPlan struct {
	Pages []PagePlan `json:"pages"`
}

func (p SitemapPlan) Slugs() []string {
	out := make([]string, 0, len(p.Pages))
	for _, pg := range p.Pages {
		out = append(out, pg.Slug)
	}
	return out
}
