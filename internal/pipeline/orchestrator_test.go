package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pagesmith/pagesmith-backend/internal/aesthetic"
	"github.com/pagesmith/pagesmith-backend/internal/db"
	"github.com/pagesmith/pagesmith-backend/internal/domain"
	pkgerrors "github.com/pagesmith/pagesmith-backend/internal/pkg/errors"
	"github.com/pagesmith/pagesmith-backend/internal/platform/logger"
	"github.com/pagesmith/pagesmith-backend/internal/realtime"
	"github.com/pagesmith/pagesmith-backend/internal/realtime/bus"
	"github.com/pagesmith/pagesmith-backend/internal/routing"
	"github.com/pagesmith/pagesmith-backend/internal/versionstore"
)

// fakePool answers by request schema name, so one fake covers every role
// the pipeline touches.
type fakePool struct {
	mu       sync.Mutex
	handlers map[string]func(req domain.ModelRequest) (domain.ModelResponse, error)
	calls    []string
}

func (p *fakePool) Invoke(ctx context.Context, sessionID uuid.UUID, role domain.Role, req domain.ModelRequest, productType domain.ProductType) (domain.ModelResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req.SchemaName)
	h := p.handlers[req.SchemaName]
	p.mu.Unlock()
	if h == nil {
		return domain.ModelResponse{}, fmt.Errorf("no handler for %q", req.SchemaName)
	}
	return h(req)
}

func (p *fakePool) called(schema string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == schema {
			n++
		}
	}
	return n
}

func classification(productType string, complexity string, confidence float64) func(domain.ModelRequest) (domain.ModelResponse, error) {
	return func(domain.ModelRequest) (domain.ModelResponse, error) {
		return domain.ModelResponse{JSON: map[string]any{
			"product_type": productType,
			"complexity":   complexity,
			"confidence":   confidence,
		}}, nil
	}
}

func docHandler(req domain.ModelRequest) (domain.ModelResponse, error) {
	return domain.ModelResponse{JSON: map[string]any{
		"title": "Test Site",
		"tier":  "standard",
		"sections": []any{
			map[string]any{"heading": "Hero", "bullets": []any{"value prop"}},
		},
	}}, nil
}

func sitemapHandler(slugs ...string) func(domain.ModelRequest) (domain.ModelResponse, error) {
	return func(domain.ModelRequest) (domain.ModelResponse, error) {
		pages := make([]any, 0, len(slugs))
		for i, slug := range slugs {
			pages = append(pages, map[string]any{
				"slug":      slug,
				"title":     "Page " + slug,
				"sections":  []any{"main"},
				"nav_order": i + 1,
			})
		}
		return domain.ModelResponse{JSON: map[string]any{"pages": pages}}, nil
	}
}

func pageHandler(failSlugs ...string) func(domain.ModelRequest) (domain.ModelResponse, error) {
	fail := map[string]bool{}
	for _, s := range failSlugs {
		fail[s] = true
	}
	return func(req domain.ModelRequest) (domain.ModelResponse, error) {
		for slug := range fail {
			if strings.Contains(req.User, `"slug":"`+slug+`"`) {
				return domain.ModelResponse{}, fmt.Errorf("backend down: %w", pkgerrors.ErrPoolExhausted)
			}
		}
		return domain.ModelResponse{JSON: map[string]any{
			"title": "Page",
			"html":  "<html>page</html>",
		}}, nil
	}
}

func scoreHandler(total int) func(domain.ModelRequest) (domain.ModelResponse, error) {
	per := total / 5
	rem := total - per*4
	return func(domain.ModelRequest) (domain.ModelResponse, error) {
		return domain.ModelResponse{JSON: map[string]any{
			"dimensions": map[string]any{
				"typography": per, "contrast": per, "layout": per, "color": per, "cta": rem,
			},
			"auto_checks": map[string]any{
				"wcag_contrast": "pass", "line_height": "pass", "type_scale": "pass",
			},
			"issues": []any{},
		}}, nil
	}
}

func newTestStore(t *testing.T) *versionstore.Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := versionstore.NewStore(gdb, logger.NewNop(), 2)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return store
}

func newTestOrchestrator(t *testing.T, pool *fakePool) (*Orchestrator, *versionstore.Store, *bus.ChannelBus) {
	t.Helper()
	log := logger.NewNop()
	store := newTestStore(t)
	chBus := bus.NewChannelBus(256)
	router := routing.NewEngine(log, pool, nil)
	validator := aesthetic.NewValidator(log, pool, 18, 2)
	o := NewOrchestrator(log, router, pool, validator, store, chBus, 2, 0.6)
	return o, store, chBus
}

func drainEvents(b *bus.ChannelBus) []realtime.ProgressEvent {
	_ = b.Close()
	var out []realtime.ProgressEvent
	for ev := range b.Events() {
		out = append(out, ev)
	}
	return out
}

func TestRun_HappyPath(t *testing.T) {
	pool := &fakePool{handlers: map[string]func(domain.ModelRequest) (domain.ModelResponse, error){
		"brief_classification_v1": classification("landing", "medium", 0.9),
		"product_doc_v1":          docHandler,
		"sitemap_plan_v1":         sitemapHandler("home", "pricing"),
		"page_generation_v1":      pageHandler(),
		"aesthetic_score_v1":      scoreHandler(20),
	}}
	o, store, chBus := newTestOrchestrator(t, pool)

	sessionID := uuid.New()
	res, err := o.Run(context.Background(), RunInput{SessionID: sessionID, Brief: "a landing page for a bakery"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunCompleted {
		t.Fatalf("status = %q", res.Status)
	}
	if res.PartialFailure {
		t.Fatalf("unexpected partial failure: %v", res.FailedPages)
	}
	if len(res.ProducedPages) != 2 {
		t.Fatalf("produced pages = %v", res.ProducedPages)
	}
	if res.DocVersionID == uuid.Nil || res.SnapshotID == uuid.Nil {
		t.Fatalf("missing doc/snapshot ids: %+v", res)
	}

	// Interview must not fire at 0.9 confidence.
	if pool.called("interview_note_v1") != 0 {
		t.Fatalf("interview ran despite high confidence")
	}

	// Page histories exist under stable derived owners.
	for slug, versionID := range res.ProducedPages {
		row, err := store.Get(context.Background(), domain.FamilyPage, versionID)
		if err != nil {
			t.Fatalf("get page %q: %v", slug, err)
		}
		if row.OwnerID != pageOwnerID(sessionID, slug) {
			t.Fatalf("page %q owner = %s", slug, row.OwnerID)
		}
		if row.Source != string(domain.SourceAuto) {
			t.Fatalf("page %q source = %q", slug, row.Source)
		}
	}

	// Project snapshot references the doc version.
	snap, err := store.Get(context.Background(), domain.FamilyProject, res.SnapshotID)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if !strings.Contains(string(snap.Content), res.DocVersionID.String()) {
		t.Fatalf("snapshot does not reference doc version: %s", snap.Content)
	}

	events := drainEvents(chBus)
	if len(events) == 0 {
		t.Fatalf("no progress events")
	}
	terminals := 0
	last := 0
	for _, ev := range events {
		if ev.Percent < last {
			t.Fatalf("progress regressed: %d after %d", ev.Percent, last)
		}
		last = ev.Percent
		if ev.Terminal {
			terminals++
			if ev.Status != string(domain.RunCompleted) {
				t.Fatalf("terminal status = %q", ev.Status)
			}
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", terminals)
	}
	if events[len(events)-1].Percent != 100 {
		t.Fatalf("final percent = %d", events[len(events)-1].Percent)
	}
}

func TestRun_SinglePageFailureIsPartial(t *testing.T) {
	pool := &fakePool{handlers: map[string]func(domain.ModelRequest) (domain.ModelResponse, error){
		"brief_classification_v1": classification("ecommerce", "medium", 0.95),
		"product_doc_v1":          docHandler,
		"sitemap_plan_v1":         sitemapHandler("home", "catalog", "contact"),
		"page_generation_v1":      pageHandler("catalog"),
	}}
	o, store, chBus := newTestOrchestrator(t, pool)

	res, err := o.Run(context.Background(), RunInput{SessionID: uuid.New(), Brief: "an online store"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunCompleted {
		t.Fatalf("status = %q, a single failed page must not fail the run", res.Status)
	}
	if !res.PartialFailure {
		t.Fatalf("partial failure flag not set")
	}
	if len(res.FailedPages) != 1 || res.FailedPages[0] != "catalog" {
		t.Fatalf("failed pages = %v", res.FailedPages)
	}
	if len(res.ProducedPages) != 2 {
		t.Fatalf("produced pages = %v", res.ProducedPages)
	}
	if _, ok := res.ProducedPages["catalog"]; ok {
		t.Fatalf("failed page has a version id")
	}

	// Ecommerce pages skip aesthetic scoring.
	if pool.called("aesthetic_score_v1") != 0 {
		t.Fatalf("flow product type was scored")
	}

	snap, err := store.Get(context.Background(), domain.FamilyProject, res.SnapshotID)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if !strings.Contains(string(snap.Content), "catalog") {
		t.Fatalf("snapshot does not record the failed page: %s", snap.Content)
	}
	_ = drainEvents(chBus)
}

func TestRun_AllPagesFailedFailsRun(t *testing.T) {
	pool := &fakePool{handlers: map[string]func(domain.ModelRequest) (domain.ModelResponse, error){
		"brief_classification_v1": classification("landing", "simple", 0.9),
		"product_doc_v1":          docHandler,
		"sitemap_plan_v1":         sitemapHandler("home"),
		"page_generation_v1":      pageHandler("home"),
	}}
	o, _, chBus := newTestOrchestrator(t, pool)

	res, err := o.Run(context.Background(), RunInput{SessionID: uuid.New(), Brief: "a page"})
	if err == nil {
		t.Fatalf("expected error when every page fails")
	}
	if res.Status != domain.RunFailed {
		t.Fatalf("status = %q", res.Status)
	}
	events := drainEvents(chBus)
	terminal := events[len(events)-1]
	if !terminal.Terminal || terminal.Status != string(domain.RunFailed) {
		t.Fatalf("last event = %+v, want failed terminal", terminal)
	}
}

func TestRun_RoutingFailure(t *testing.T) {
	pool := &fakePool{handlers: map[string]func(domain.ModelRequest) (domain.ModelResponse, error){
		"brief_classification_v1": func(domain.ModelRequest) (domain.ModelResponse, error) {
			return domain.ModelResponse{}, pkgerrors.ErrPoolExhausted
		},
	}}
	o, _, chBus := newTestOrchestrator(t, pool)

	res, err := o.Run(context.Background(), RunInput{SessionID: uuid.New(), Brief: "anything"})
	if err == nil {
		t.Fatalf("expected routing error")
	}
	if res.Status != domain.RunFailed {
		t.Fatalf("status = %q", res.Status)
	}
	events := drainEvents(chBus)
	terminals := 0
	for _, ev := range events {
		if ev.Terminal {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events = %d", terminals)
	}
}

func TestRun_LowConfidenceTriggersInterview(t *testing.T) {
	pool := &fakePool{handlers: map[string]func(domain.ModelRequest) (domain.ModelResponse, error){
		"brief_classification_v1": classification("other", "complex", 0.3),
		"interview_note_v1": func(domain.ModelRequest) (domain.ModelResponse, error) {
			return domain.ModelResponse{JSON: map[string]any{
				"assumptions": []any{"single language"},
				"questions":   []any{"what is the brand color?"},
			}}, nil
		},
		"product_doc_v1":     docHandler,
		"sitemap_plan_v1":    sitemapHandler("home"),
		"page_generation_v1": pageHandler(),
	}}
	o, _, chBus := newTestOrchestrator(t, pool)

	res, err := o.Run(context.Background(), RunInput{SessionID: uuid.New(), Brief: "something vague"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunCompleted {
		t.Fatalf("status = %q", res.Status)
	}
	if pool.called("interview_note_v1") != 1 {
		t.Fatalf("interview calls = %d, want 1", pool.called("interview_note_v1"))
	}
	_ = drainEvents(chBus)
}

func TestRun_LowConfidenceSimpleSkipsInterview(t *testing.T) {
	pool := &fakePool{handlers: map[string]func(domain.ModelRequest) (domain.ModelResponse, error){
		"brief_classification_v1": classification("card", "simple", 0.3),
		"product_doc_v1":          docHandler,
		"sitemap_plan_v1":         sitemapHandler("home"),
		"page_generation_v1":      pageHandler(),
		"aesthetic_score_v1":      scoreHandler(22),
	}}
	o, _, chBus := newTestOrchestrator(t, pool)

	if _, err := o.Run(context.Background(), RunInput{SessionID: uuid.New(), Brief: "a business card"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pool.called("interview_note_v1") != 0 {
		t.Fatalf("interview ran for a simple brief")
	}
	_ = drainEvents(chBus)
}

func TestRun_SitemapCapEnforced(t *testing.T) {
	pool := &fakePool{handlers: map[string]func(domain.ModelRequest) (domain.ModelResponse, error){
		"brief_classification_v1": classification("landing", "simple", 0.9),
		"product_doc_v1":          docHandler,
		"sitemap_plan_v1":         sitemapHandler("a", "b", "c", "d", "e"),
		"page_generation_v1":      pageHandler(),
		"aesthetic_score_v1":      scoreHandler(20),
	}}
	o, _, chBus := newTestOrchestrator(t, pool)

	res, err := o.Run(context.Background(), RunInput{SessionID: uuid.New(), Brief: "small site"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.ProducedPages) != 3 {
		t.Fatalf("produced pages = %d, simple complexity caps at 3", len(res.ProducedPages))
	}
	_ = drainEvents(chBus)
}

func TestRun_PinnedPagesSurvivePlanning(t *testing.T) {
	// The planner drops the @mentioned page; the orchestrator must restore it.
	pool := &fakePool{handlers: map[string]func(domain.ModelRequest) (domain.ModelResponse, error){
		"brief_classification_v1": classification("landing", "medium", 0.9),
		"product_doc_v1":          docHandler,
		"sitemap_plan_v1":         sitemapHandler("home"),
		"page_generation_v1":      pageHandler(),
		"aesthetic_score_v1":      scoreHandler(20),
	}}
	o, _, chBus := newTestOrchestrator(t, pool)

	res, err := o.Run(context.Background(), RunInput{
		SessionID:     uuid.New(),
		Brief:         "refresh the site, keep @pricing",
		ExistingPages: []string{"pricing"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := res.ProducedPages["pricing"]; !ok {
		t.Fatalf("pinned page dropped by planner was not restored: %v", res.ProducedPages)
	}
	if _, ok := res.ProducedPages["home"]; !ok {
		t.Fatalf("planned page lost: %v", res.ProducedPages)
	}
	_ = drainEvents(chBus)
}

func TestRun_PinnedPageEvictsPlannedPageAtCap(t *testing.T) {
	// Simple complexity caps at 3 pages. The plan fills the cap without the
	// pinned page, so a trailing non-pinned page makes room for it.
	pool := &fakePool{handlers: map[string]func(domain.ModelRequest) (domain.ModelResponse, error){
		"brief_classification_v1": classification("landing", "simple", 0.9),
		"product_doc_v1":          docHandler,
		"sitemap_plan_v1":         sitemapHandler("home", "about", "contact"),
		"page_generation_v1":      pageHandler(),
		"aesthetic_score_v1":      scoreHandler(20),
	}}
	o, _, chBus := newTestOrchestrator(t, pool)

	res, err := o.Run(context.Background(), RunInput{
		SessionID:     uuid.New(),
		Brief:         "small site, keep @pricing",
		ExistingPages: []string{"pricing"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.ProducedPages) != 3 {
		t.Fatalf("produced pages = %d, cap is 3", len(res.ProducedPages))
	}
	if _, ok := res.ProducedPages["pricing"]; !ok {
		t.Fatalf("pinned page missing at cap: %v", res.ProducedPages)
	}
	_ = drainEvents(chBus)
}

func TestRun_ExhaustedPageIsNotRetried(t *testing.T) {
	var pageCalls int32
	pool := &fakePool{handlers: map[string]func(domain.ModelRequest) (domain.ModelResponse, error){
		"brief_classification_v1": classification("ecommerce", "medium", 0.95),
		"product_doc_v1":          docHandler,
		"sitemap_plan_v1":         sitemapHandler("home", "catalog"),
		"page_generation_v1": func(req domain.ModelRequest) (domain.ModelResponse, error) {
			if strings.Contains(req.User, `"slug":"catalog"`) {
				atomic.AddInt32(&pageCalls, 1)
				return domain.ModelResponse{}, fmt.Errorf("dead role: %w", pkgerrors.ErrPoolExhausted)
			}
			return domain.ModelResponse{JSON: map[string]any{"title": "Page", "html": "<html>x</html>"}}, nil
		},
	}}
	o, _, chBus := newTestOrchestrator(t, pool)

	res, err := o.Run(context.Background(), RunInput{SessionID: uuid.New(), Brief: "a store"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.FailedPages) != 1 || res.FailedPages[0] != "catalog" {
		t.Fatalf("failed pages = %v", res.FailedPages)
	}
	if n := atomic.LoadInt32(&pageCalls); n != 1 {
		t.Fatalf("exhausted page invoked the pool %d times; the chain already ran, want 1", n)
	}
	_ = drainEvents(chBus)
}

func TestRun_EmptyStructuredOutputRetriedOnce(t *testing.T) {
	var pageCalls int32
	pool := &fakePool{handlers: map[string]func(domain.ModelRequest) (domain.ModelResponse, error){
		"brief_classification_v1": classification("ecommerce", "simple", 0.95),
		"product_doc_v1":          docHandler,
		"sitemap_plan_v1":         sitemapHandler("home"),
		"page_generation_v1": func(req domain.ModelRequest) (domain.ModelResponse, error) {
			if atomic.AddInt32(&pageCalls, 1) == 1 {
				return domain.ModelResponse{Text: "not json"}, nil
			}
			return domain.ModelResponse{JSON: map[string]any{"title": "Page", "html": "<html>x</html>"}}, nil
		},
	}}
	o, _, chBus := newTestOrchestrator(t, pool)

	res, err := o.Run(context.Background(), RunInput{SessionID: uuid.New(), Brief: "a store"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.ProducedPages) != 1 {
		t.Fatalf("produced pages = %v", res.ProducedPages)
	}
	if n := atomic.LoadInt32(&pageCalls); n != 2 {
		t.Fatalf("structurally empty response retried %d times, want exactly one retry", n-1)
	}
	_ = drainEvents(chBus)
}

func TestAbortRun_StopsBetweenStages(t *testing.T) {
	pageStarted := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	pool := &fakePool{handlers: map[string]func(domain.ModelRequest) (domain.ModelResponse, error){
		"brief_classification_v1": classification("landing", "medium", 0.9),
		"product_doc_v1":          docHandler,
		"sitemap_plan_v1":         sitemapHandler("home", "about"),
		"page_generation_v1": func(req domain.ModelRequest) (domain.ModelResponse, error) {
			once.Do(func() { close(pageStarted) })
			<-release
			return domain.ModelResponse{JSON: map[string]any{
				"title": "Page",
				"html":  "<html>late</html>",
			}}, nil
		},
	}}
	o, store, chBus := newTestOrchestrator(t, pool)

	sessionID := uuid.New()
	handle := o.StartRun(context.Background(), RunInput{SessionID: sessionID, Brief: "a landing page"})

	select {
	case <-pageStarted:
	case <-time.After(5 * time.Second):
		t.Fatalf("page generation never started")
	}
	if !o.AbortRun(handle.RunID) {
		t.Fatalf("abort rejected for a live run")
	}
	close(release)

	var res domain.RunResult
	select {
	case res = <-handle.Done:
	case <-time.After(5 * time.Second):
		t.Fatalf("run never finished")
	}
	if res.Status != domain.RunAborted {
		t.Fatalf("status = %q, want aborted", res.Status)
	}
	if len(res.ProducedPages) != 0 {
		t.Fatalf("aborted run produced page versions: %v", res.ProducedPages)
	}

	// The drained model results must not reach the store.
	for _, slug := range []string{"home", "about"} {
		rows, err := store.List(context.Background(), domain.FamilyPage, pageOwnerID(sessionID, slug), true)
		if err != nil {
			t.Fatalf("list %q: %v", slug, err)
		}
		if len(rows) != 0 {
			t.Fatalf("aborted run wrote %d versions for %q", len(rows), slug)
		}
	}

	events := drainEvents(chBus)
	terminals := 0
	for _, ev := range events {
		if ev.Terminal {
			terminals++
			if ev.Status != string(domain.RunAborted) {
				t.Fatalf("terminal status = %q", ev.Status)
			}
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", terminals)
	}

	// A finished run is no longer abortable.
	if o.AbortRun(handle.RunID) {
		t.Fatalf("abort accepted after the run finished")
	}
}
