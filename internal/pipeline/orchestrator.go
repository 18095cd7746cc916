package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/pagesmith/pagesmith-backend/internal/aesthetic"
	"github.com/pagesmith/pagesmith-backend/internal/domain"
	"github.com/pagesmith/pagesmith-backend/internal/modelpool"
	pkgerrors "github.com/pagesmith/pagesmith-backend/internal/pkg/errors"
	"github.com/pagesmith/pagesmith-backend/internal/platform/logger"
	"github.com/pagesmith/pagesmith-backend/internal/realtime/bus"
	"github.com/pagesmith/pagesmith-backend/internal/routing"
	"github.com/pagesmith/pagesmith-backend/internal/versionstore"
)

// RunInput is everything a single generation run needs from the caller.
type RunInput struct {
	SessionID     uuid.UUID
	Brief         string
	ExistingPages []string
	Images        []domain.ImageInput
}

// RunHandle tracks an in-flight asynchronous run.
type RunHandle struct {
	RunID uuid.UUID
	Done  <-chan domain.RunResult
}

// Orchestrator drives one brief through routing, drafting, page generation,
// validation and the final project snapshot. Each run is single-writer:
// only the orchestrator mutates its PipelineRun.
type Orchestrator struct {
	log                 *logger.Logger
	router              *routing.Engine
	pool                modelpool.Invoker
	validator           *aesthetic.Validator
	store               *versionstore.Store
	bus                 bus.Bus
	pageConcurrency     int
	interviewConfidence float64
	tracer              trace.Tracer

	mu     sync.Mutex
	aborts map[uuid.UUID]*atomic.Bool
}

func NewOrchestrator(
	log *logger.Logger,
	router *routing.Engine,
	pool modelpool.Invoker,
	validator *aesthetic.Validator,
	store *versionstore.Store,
	b bus.Bus,
	pageConcurrency int,
	interviewConfidence float64,
) *Orchestrator {
	if pageConcurrency <= 0 {
		pageConcurrency = 3
	}
	if interviewConfidence <= 0 || interviewConfidence > 1 {
		interviewConfidence = 0.6
	}
	return &Orchestrator{
		log:                 log.With("service", "PipelineOrchestrator"),
		router:              router,
		pool:                pool,
		validator:           validator,
		store:               store,
		bus:                 b,
		pageConcurrency:     pageConcurrency,
		interviewConfidence: interviewConfidence,
		tracer:              otel.Tracer("pipeline"),
		aborts:              map[uuid.UUID]*atomic.Bool{},
	}
}

// StartRun launches the run in a goroutine and returns immediately. The
// result arrives on the handle's Done channel.
func (o *Orchestrator) StartRun(ctx context.Context, in RunInput) *RunHandle {
	runID := uuid.New()
	done := make(chan domain.RunResult, 1)
	go func() {
		res, err := o.run(ctx, runID, in)
		if err != nil {
			o.log.Error("run failed", "run_id", runID, "error", err.Error())
		}
		done <- res
		close(done)
	}()
	return &RunHandle{RunID: runID, Done: done}
}

// Run executes synchronously. Callers that want cancellation use AbortRun
// rather than canceling ctx, so in-flight model calls drain instead of
// leaving half-written state.
func (o *Orchestrator) Run(ctx context.Context, in RunInput) (domain.RunResult, error) {
	return o.run(ctx, uuid.New(), in)
}

// AbortRun requests a cooperative stop. The run finishes its current model
// call, discards the result and emits a single aborted terminal event.
// Returns false when the run is unknown or already finished.
func (o *Orchestrator) AbortRun(runID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	flag, ok := o.aborts[runID]
	if !ok {
		return false
	}
	flag.Store(true)
	return true
}

func (o *Orchestrator) registerRun(runID uuid.UUID) *atomic.Bool {
	flag := &atomic.Bool{}
	o.mu.Lock()
	o.aborts[runID] = flag
	o.mu.Unlock()
	return flag
}

func (o *Orchestrator) unregisterRun(runID uuid.UUID) {
	o.mu.Lock()
	delete(o.aborts, runID)
	o.mu.Unlock()
}

// pageOwnerID derives a stable owner for a page's version history from the
// session and slug, so regenerating a page appends to the same history.
func pageOwnerID(sessionID uuid.UUID, slug string) uuid.UUID {
	return uuid.NewSHA1(sessionID, []byte("page:"+slug))
}

func (o *Orchestrator) run(ctx context.Context, runID uuid.UUID, in RunInput) (domain.RunResult, error) {
	abort := o.registerRun(runID)
	defer o.unregisterRun(runID)

	ctx, span := o.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("run_id", runID.String())))
	defer span.End()

	state := &domain.PipelineRun{
		RunID:         runID,
		SessionID:     in.SessionID,
		Stage:         domain.StageRouting,
		Status:        domain.RunRunning,
		StartedAt:     time.Now().UTC(),
		ProducedPages: map[string]uuid.UUID{},
	}
	progress := newProgressReporter(runID, o.bus, 0)

	fail := func(stage domain.RunStage, err error) (domain.RunResult, error) {
		state.Status = domain.RunFailed
		progress.Terminal(ctx, string(stage), string(domain.RunFailed), err.Error())
		return o.result(state, uuid.Nil, uuid.Nil), err
	}
	aborted := func(stage domain.RunStage) (domain.RunResult, error) {
		state.Status = domain.RunAborted
		progress.Terminal(ctx, string(stage), string(domain.RunAborted), "run aborted")
		return o.result(state, uuid.Nil, uuid.Nil), nil
	}

	// Routing.
	progress.Stage(ctx, string(domain.StageRouting), 5, "classifying brief")
	decision, err := o.router.Route(ctx, in.SessionID, in.Brief, in.ExistingPages)
	if err != nil {
		return fail(domain.StageRouting, fmt.Errorf("routing: %w", err))
	}
	state.Decision = decision
	span.SetAttributes(
		attribute.String("product_type", string(decision.ProductType)),
		attribute.String("complexity", string(decision.Complexity)),
	)
	if abort.Load() {
		return aborted(domain.StageRouting)
	}

	// Interview, only for uncertain non-trivial briefs.
	var interviewNote map[string]any
	if decision.Confidence < o.interviewConfidence && decision.Complexity != domain.ComplexitySimple {
		state.Stage = domain.StageInterviewing
		progress.Stage(ctx, string(domain.StageInterviewing), 10, "clarifying brief")
		resp, ierr := o.pool.Invoke(ctx, in.SessionID, domain.RoleExpander, interviewRequest(in.Brief, decision), decision.ProductType)
		if ierr != nil {
			o.log.Warn("interview skipped", "run_id", runID, "error", ierr.Error())
		} else {
			interviewNote = resp.JSON
		}
		if abort.Load() {
			return aborted(domain.StageInterviewing)
		}
	} else {
		progress.Stage(ctx, string(domain.StageInterviewing), 10, "interview skipped")
	}

	// Product document.
	state.Stage = domain.StageDocumentDraft
	progress.Stage(ctx, string(domain.StageDocumentDraft), 25, "drafting product document")
	docResp, err := o.pool.Invoke(ctx, in.SessionID, domain.RoleWriter, documentRequest(in.Brief, decision, interviewNote), decision.ProductType)
	if err != nil {
		return fail(domain.StageDocumentDraft, fmt.Errorf("product document: %w", err))
	}
	doc := docResp.JSON
	if abort.Load() {
		return aborted(domain.StageDocumentDraft)
	}
	docVersion, err := o.store.Create(ctx, domain.FamilyProductDoc, in.SessionID, doc, domain.SourceAuto)
	if err != nil {
		return fail(domain.StageDocumentDraft, fmt.Errorf("store product document: %w", err))
	}

	// Sitemap.
	state.Stage = domain.StageSitemapPlanning
	progress.Stage(ctx, string(domain.StageSitemapPlanning), 35, "planning sitemap")
	plan, err := o.planSitemap(ctx, in.SessionID, doc, decision)
	if err != nil {
		return fail(domain.StageSitemapPlanning, fmt.Errorf("sitemap: %w", err))
	}
	if abort.Load() {
		return aborted(domain.StageSitemapPlanning)
	}

	// Pages, bounded fan-out. A page that exhausts its fallback chain fails
	// alone; the rest of the run continues.
	state.Stage = domain.StagePageGeneration
	progress.Stage(ctx, string(domain.StagePageGeneration), 40, "generating pages")
	drafts := o.generatePages(ctx, in, decision, doc, plan, progress, abort, state)
	if abort.Load() {
		return aborted(domain.StagePageGeneration)
	}
	if len(drafts) == 0 && len(plan.Pages) > 0 {
		return fail(domain.StagePageGeneration, fmt.Errorf("all %d pages failed: %w", len(plan.Pages), pkgerrors.ErrPoolExhausted))
	}

	// Validation and version writes.
	state.Stage = domain.StageValidating
	progress.Stage(ctx, string(domain.StageValidating), 75, "validating pages")
	if err := o.validateAndPersist(ctx, in.SessionID, decision, drafts, progress, abort, state); err != nil {
		return fail(domain.StageValidating, err)
	}
	if abort.Load() {
		return aborted(domain.StageValidating)
	}

	// Snapshot.
	state.Stage = domain.StageFinalizing
	progress.Stage(ctx, string(domain.StageFinalizing), 95, "snapshotting project")
	snapshot, err := o.snapshotProject(ctx, in.SessionID, decision, docVersion.ID, state)
	if err != nil {
		return fail(domain.StageFinalizing, fmt.Errorf("project snapshot: %w", err))
	}

	state.Stage = domain.StageCompleted
	state.Status = domain.RunCompleted
	msg := "run completed"
	if state.PartialFailure() {
		msg = fmt.Sprintf("run completed with %d failed page(s)", len(state.FailedPages))
	}
	progress.Terminal(ctx, string(domain.StageCompleted), string(domain.RunCompleted), msg)
	return o.result(state, docVersion.ID, snapshot.ID), nil
}

func (o *Orchestrator) result(state *domain.PipelineRun, docVersionID, snapshotID uuid.UUID) domain.RunResult {
	return domain.RunResult{
		RunID:          state.RunID,
		Status:         state.Status,
		PartialFailure: state.PartialFailure(),
		ProducedPages:  state.ProducedPages,
		FailedPages:    state.FailedPages,
		DocVersionID:   docVersionID,
		SnapshotID:     snapshotID,
	}
}

func (o *Orchestrator) planSitemap(ctx context.Context, sessionID uuid.UUID, doc map[string]any, decision domain.RoutingDecision) (domain.SitemapPlan, error) {
	var plan domain.SitemapPlan

	resp, err := o.pool.Invoke(ctx, sessionID, domain.RoleWriter, sitemapRequest(doc, decision), decision.ProductType)
	if err != nil {
		return plan, err
	}
	if b, merr := json.Marshal(resp.JSON); merr == nil {
		_ = json.Unmarshal(b, &plan)
	}

	// Dedupe slugs and enforce the complexity cap even when the model
	// overshoots.
	maxPages := maxPagesFor(decision.Complexity)
	targets := map[string]bool{}
	for _, slug := range decision.TargetPages {
		if s := strings.TrimSpace(strings.ToLower(slug)); s != "" {
			targets[s] = true
		}
	}
	seen := map[string]bool{}
	kept := plan.Pages[:0:0]
	for _, pg := range plan.Pages {
		slug := strings.TrimSpace(strings.ToLower(pg.Slug))
		if slug == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		pg.Slug = slug
		kept = append(kept, pg)
		if len(kept) >= maxPages {
			break
		}
	}
	plan.Pages = kept

	// Pages the user pinned with @mentions must survive planning; the model
	// output is untrusted and may have dropped them. Evict trailing
	// non-pinned pages when the cap is full.
	for _, slug := range decision.TargetPages {
		slug = strings.TrimSpace(strings.ToLower(slug))
		if slug == "" || seen[slug] {
			continue
		}
		if len(plan.Pages) >= maxPages {
			evicted := false
			for i := len(plan.Pages) - 1; i >= 0; i-- {
				if !targets[plan.Pages[i].Slug] {
					o.log.Warn("evicting planned page for pinned page",
						"evicted", plan.Pages[i].Slug, "pinned", slug)
					plan.Pages = append(plan.Pages[:i], plan.Pages[i+1:]...)
					evicted = true
					break
				}
			}
			if !evicted {
				break
			}
		}
		o.log.Warn("planner dropped pinned page, restoring", "slug", slug)
		plan.Pages = append(plan.Pages, domain.PagePlan{
			Slug:     slug,
			Title:    titleFromSlug(slug),
			NavOrder: len(plan.Pages) + 1,
		})
		seen[slug] = true
	}

	if len(plan.Pages) == 0 {
		return plan, fmt.Errorf("sitemap has no usable pages")
	}
	sort.SliceStable(plan.Pages, func(i, j int) bool {
		return plan.Pages[i].NavOrder < plan.Pages[j].NavOrder
	})
	return plan, nil
}

// pageDraft is a generated page held in memory until validation writes it.
type pageDraft struct {
	plan    domain.PagePlan
	content map[string]any
}

func (o *Orchestrator) generatePages(
	ctx context.Context,
	in RunInput,
	decision domain.RoutingDecision,
	doc map[string]any,
	plan domain.SitemapPlan,
	progress *progressReporter,
	abort *atomic.Bool,
	state *domain.PipelineRun,
) []pageDraft {
	siblings := plan.Slugs()
	total := len(plan.Pages)

	var mu sync.Mutex
	var drafts []pageDraft
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.pageConcurrency)
	for _, pg := range plan.Pages {
		pg := pg
		g.Go(func() error {
			if abort.Load() {
				return nil
			}
			content, err := o.generateOnePage(gctx, in, decision, doc, pg, siblings)

			mu.Lock()
			defer mu.Unlock()
			done++
			if abort.Load() {
				return nil
			}
			if err != nil {
				o.log.Warn("page generation failed", "run_id", state.RunID, "slug", pg.Slug, "error", err.Error())
				state.FailedPages = append(state.FailedPages, pg.Slug)
				progress.PageRange(ctx, string(domain.StagePageGeneration), pg.Slug, done, total, 40, 75, "page failed")
				return nil
			}
			drafts = append(drafts, pageDraft{plan: pg, content: content})
			progress.PageRange(ctx, string(domain.StagePageGeneration), pg.Slug, done, total, 40, 75, "page generated")
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(drafts, func(i, j int) bool { return drafts[i].plan.NavOrder < drafts[j].plan.NavOrder })
	sort.Strings(state.FailedPages)
	return drafts
}

// generateOnePage calls the writer, retrying once only when a successful
// call came back structurally empty. A pool error means the fallback chain
// already ran its course, so the page fails immediately.
func (o *Orchestrator) generateOnePage(
	ctx context.Context,
	in RunInput,
	decision domain.RoutingDecision,
	doc map[string]any,
	pg domain.PagePlan,
	siblings []string,
) (map[string]any, error) {
	req := pageRequest(pg, siblings, doc, decision, in.Images)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := o.pool.Invoke(ctx, in.SessionID, domain.RoleWriter, req, decision.ProductType)
		if err != nil {
			return nil, err
		}
		content := resp.JSON
		if content == nil {
			lastErr = fmt.Errorf("page %q: empty structured output", pg.Slug)
			continue
		}
		// The plan's slug wins over whatever the model echoed back.
		content["slug"] = pg.Slug
		content["nav_order"] = pg.NavOrder
		return content, nil
	}
	return nil, lastErr
}

func (o *Orchestrator) validateAndPersist(
	ctx context.Context,
	sessionID uuid.UUID,
	decision domain.RoutingDecision,
	drafts []pageDraft,
	progress *progressReporter,
	abort *atomic.Bool,
	state *domain.PipelineRun,
) error {
	total := len(drafts)
	for i, draft := range drafts {
		if abort.Load() {
			return nil
		}
		content := draft.content
		if o.validator != nil && aesthetic.Scorable(decision.ProductType) {
			res, err := o.validator.ValidateAndRefine(ctx, sessionID, content, decision.ProductType)
			if err != nil {
				o.log.Warn("aesthetic validation skipped", "run_id", state.RunID, "slug", draft.plan.Slug, "error", err.Error())
			} else {
				content = res.Final
				progress.PageRange(ctx, string(domain.StageValidating), draft.plan.Slug, i+1, total, 75, 90,
					fmt.Sprintf("aesthetic score %d/25 over %d attempt(s)", res.FinalScore.Total, len(res.Attempts)))
			}
		}
		if abort.Load() {
			return nil
		}
		version, err := o.store.Create(ctx, domain.FamilyPage, pageOwnerID(sessionID, draft.plan.Slug), content, domain.SourceAuto)
		if err != nil {
			return fmt.Errorf("store page %q: %w", draft.plan.Slug, err)
		}
		state.ProducedPages[draft.plan.Slug] = version.ID
		progress.PageRange(ctx, string(domain.StageValidating), draft.plan.Slug, i+1, total, 75, 90, "page stored")
	}
	return nil
}

func (o *Orchestrator) snapshotProject(
	ctx context.Context,
	sessionID uuid.UUID,
	decision domain.RoutingDecision,
	docVersionID uuid.UUID,
	state *domain.PipelineRun,
) (*domain.VersionRecord, error) {
	pages := map[string]string{}
	for slug, id := range state.ProducedPages {
		pages[slug] = id.String()
	}
	snapshot := map[string]any{
		"run_id":         state.RunID.String(),
		"doc_version_id": docVersionID.String(),
		"pages":          pages,
		"failed_pages":   state.FailedPages,
		"decision":       decision,
	}
	return o.store.Create(ctx, domain.FamilyProject, sessionID, snapshot, domain.SourceAuto)
}
