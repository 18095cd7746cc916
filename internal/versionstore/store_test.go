package versionstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pagesmith/pagesmith-backend/internal/db"
	"github.com/pagesmith/pagesmith-backend/internal/domain"
	pkgerrors "github.com/pagesmith/pagesmith-backend/internal/pkg/errors"
	"github.com/pagesmith/pagesmith-backend/internal/platform/logger"
)

func newTestStore(t *testing.T) *Store {
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
	// A single connection keeps every session on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := NewStore(gdb, logger.NewNop(), 2)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestCreate_SequencesAreMonotonePerOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	owner := uuid.New()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Create(ctx, domain.FamilyPage, owner, map[string]any{"rev": i}, domain.SourceAuto)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	rows, err := store.List(ctx, domain.FamilyPage, owner, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != n {
		t.Fatalf("rows = %d, want %d", len(rows), n)
	}
	// Newest first: n, n-1, ... 1 with no gaps or duplicates.
	for i, row := range rows {
		if want := n - i; row.SequenceNumber != want {
			t.Fatalf("row %d sequence = %d, want %d", i, row.SequenceNumber, want)
		}
	}
}

func TestCreate_OwnersDoNotShareSequences(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	va, err := store.Create(ctx, domain.FamilyProductDoc, a, map[string]any{"doc": 1}, domain.SourceAuto)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	vb, err := store.Create(ctx, domain.FamilyProductDoc, b, map[string]any{"doc": 1}, domain.SourceAuto)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if va.SequenceNumber != 1 || vb.SequenceNumber != 1 {
		t.Fatalf("sequences = %d, %d; each owner starts at 1", va.SequenceNumber, vb.SequenceNumber)
	}
}

func TestPin_CapConflictListsCurrentPins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	owner := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		v, err := store.Create(ctx, domain.FamilyPage, owner, map[string]any{"rev": i}, domain.SourceAuto)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, v.ID)
	}

	for _, id := range ids[:2] {
		res, err := store.Pin(ctx, domain.FamilyPage, id)
		if err != nil {
			t.Fatalf("pin: %v", err)
		}
		if res.Status != PinOK {
			t.Fatalf("pin status = %q", res.Status)
		}
	}

	res, err := store.Pin(ctx, domain.FamilyPage, ids[2])
	if err != nil {
		t.Fatalf("third pin must not error: %v", err)
	}
	if res.Status != PinConflict {
		t.Fatalf("third pin status = %q, want conflict", res.Status)
	}
	if len(res.CurrentPinned) != 2 {
		t.Fatalf("conflict lists %d pins, want 2", len(res.CurrentPinned))
	}

	// Unpin one and retry.
	if err := store.Unpin(ctx, domain.FamilyPage, ids[0]); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	res, err = store.Pin(ctx, domain.FamilyPage, ids[2])
	if err != nil {
		t.Fatalf("pin after unpin: %v", err)
	}
	if res.Status != PinOK {
		t.Fatalf("pin after unpin status = %q", res.Status)
	}
}

func TestPin_AlreadyPinnedIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	owner := uuid.New()

	v, err := store.Create(ctx, domain.FamilyPage, owner, map[string]any{"rev": 0}, domain.SourceAuto)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		res, err := store.Pin(ctx, domain.FamilyPage, v.ID)
		if err != nil {
			t.Fatalf("pin %d: %v", i, err)
		}
		if res.Status != PinOK {
			t.Fatalf("pin %d status = %q", i, res.Status)
		}
	}
}

func TestRollback_CreatesNewVersionWithCopiedContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	owner := uuid.New()

	v1, err := store.Create(ctx, domain.FamilyPage, owner, map[string]any{"html": "first"}, domain.SourceAuto)
	if err != nil {
		t.Fatalf("create v1: %v", err)
	}
	if _, err := store.Create(ctx, domain.FamilyPage, owner, map[string]any{"html": "second"}, domain.SourceAuto); err != nil {
		t.Fatalf("create v2: %v", err)
	}

	rolled, err := store.Rollback(ctx, domain.FamilyPage, owner, v1.ID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rolled.ID == v1.ID {
		t.Fatalf("rollback reused the target row")
	}
	if rolled.SequenceNumber != 3 {
		t.Fatalf("rollback sequence = %d, want 3", rolled.SequenceNumber)
	}
	if rolled.Source != string(domain.SourceRollback) {
		t.Fatalf("rollback source = %q", rolled.Source)
	}
	if string(rolled.Content) != string(v1.Content) {
		t.Fatalf("rollback content = %s, want %s", rolled.Content, v1.Content)
	}
}

func TestRollback_WrongOwnerLooksLikeMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v, err := store.Create(ctx, domain.FamilyPage, uuid.New(), map[string]any{"html": "x"}, domain.SourceAuto)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = store.Rollback(ctx, domain.FamilyPage, uuid.New(), v.ID)
	if !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRelease_HiddenFromDefaultListButStillPinnable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	owner := uuid.New()

	v, err := store.Create(ctx, domain.FamilyProductDoc, owner, map[string]any{"doc": 1}, domain.SourceAuto)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Release(ctx, domain.FamilyProductDoc, v.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	rows, err := store.List(ctx, domain.FamilyProductDoc, owner, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("released version still listed by default")
	}
	rows, err = store.List(ctx, domain.FamilyProductDoc, owner, true)
	if err != nil {
		t.Fatalf("list released: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("released version missing from full listing")
	}

	res, err := store.Pin(ctx, domain.FamilyProductDoc, v.ID)
	if err != nil {
		t.Fatalf("pin released: %v", err)
	}
	if res.Status != PinOK {
		t.Fatalf("pin released status = %q", res.Status)
	}
}

func TestSweep_EvictedContentIsGone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	owner := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		v, err := store.Create(ctx, domain.FamilyPage, owner, map[string]any{"rev": i}, domain.SourceAuto)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := store.Release(ctx, domain.FamilyPage, v.ID); err != nil {
			t.Fatalf("release: %v", err)
		}
		ids = append(ids, v.ID)
	}
	// Pin the oldest so the sweep must skip it.
	if res, err := store.Pin(ctx, domain.FamilyPage, ids[0]); err != nil || res.Status != PinOK {
		t.Fatalf("pin oldest: %v %v", res.Status, err)
	}

	evicted, err := store.Sweep(ctx, domain.FamilyPage, owner, 1)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if evicted != 2 {
		t.Fatalf("evicted = %d, want 2", evicted)
	}

	// Newest released survives the keep-count.
	if _, err := store.Materialize(ctx, domain.FamilyPage, ids[3]); err != nil {
		t.Fatalf("materialize kept version: %v", err)
	}
	// Pinned version untouched.
	if _, err := store.Materialize(ctx, domain.FamilyPage, ids[0]); err != nil {
		t.Fatalf("materialize pinned version: %v", err)
	}
	// Swept versions are gone but their rows remain.
	for _, id := range ids[1:3] {
		if _, err := store.Materialize(ctx, domain.FamilyPage, id); !errors.Is(err, pkgerrors.ErrGone) {
			t.Fatalf("materialize swept %s: err = %v, want ErrGone", id, err)
		}
		if _, err := store.Get(ctx, domain.FamilyPage, id); err != nil {
			t.Fatalf("swept row must stay readable: %v", err)
		}
	}
}

func TestPin_SweptVersionIsGone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	owner := uuid.New()

	v, err := store.Create(ctx, domain.FamilyPage, owner, map[string]any{"rev": 0}, domain.SourceAuto)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Release(ctx, domain.FamilyPage, v.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.Sweep(ctx, domain.FamilyPage, owner, 0); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := store.Pin(ctx, domain.FamilyPage, v.ID); !errors.Is(err, pkgerrors.ErrGone) {
		t.Fatalf("pin swept: err = %v, want ErrGone", err)
	}
	if _, err := store.Rollback(ctx, domain.FamilyPage, owner, v.ID); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("rollback swept: err = %v, want ErrNotFound", err)
	}
}

func TestFamiliesAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	owner := uuid.New()

	page, err := store.Create(ctx, domain.FamilyPage, owner, map[string]any{"html": "x"}, domain.SourceAuto)
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	if _, err := store.Get(ctx, domain.FamilyProject, page.ID); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("page version visible through project family: %v", err)
	}
}

func TestSnapshotProject_ManualSource(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	session := uuid.New()

	snap, err := store.SnapshotProject(ctx, session, map[string]any{"pages": map[string]any{}})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Source != string(domain.SourceManual) {
		t.Fatalf("snapshot source = %q, want manual", snap.Source)
	}
	if fmt.Sprint(snap.OwnerID) != fmt.Sprint(session) {
		t.Fatalf("snapshot owner = %s, want session", snap.OwnerID)
	}
}
