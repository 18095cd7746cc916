package versionstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pagesmith/pagesmith-backend/internal/domain"
	pkgerrors "github.com/pagesmith/pagesmith-backend/internal/pkg/errors"
	"github.com/pagesmith/pagesmith-backend/internal/platform/logger"
	"github.com/pagesmith/pagesmith-backend/internal/repos"
)

type PinStatus string

const (
	PinOK       PinStatus = "ok"
	PinConflict PinStatus = "conflict"
)

// PinResult is a typed outcome, not an error: a conflict carries the
// currently pinned set so the caller can choose one to unpin and retry.
type PinResult struct {
	Status        PinStatus
	CurrentPinned []*domain.VersionRecord
}

// Store is the entity-scoped append-only history for the three version
// families. Content is immutable after creation; only pin/release/
// availability flags ever change.
type Store struct {
	log    *logger.Logger
	repos  map[domain.VersionFamily]repos.VersionRepo
	pinCap int

	// Serializes creates (and pin-cap checks) per owner per family.
	// Creates for different owners stay fully concurrent.
	mu       sync.Mutex
	ownerMus map[string]*sync.Mutex
}

func NewStore(db *gorm.DB, baseLog *logger.Logger, pinCap int) (*Store, error) {
	if pinCap <= 0 {
		pinCap = 2
	}
	s := &Store{
		log:      baseLog.With("service", "VersionStore"),
		repos:    map[domain.VersionFamily]repos.VersionRepo{},
		pinCap:   pinCap,
		ownerMus: map[string]*sync.Mutex{},
	}
	for _, family := range []domain.VersionFamily{
		domain.FamilyPage,
		domain.FamilyProductDoc,
		domain.FamilyProject,
	} {
		repo, err := repos.NewVersionRepo(db, baseLog, family)
		if err != nil {
			return nil, err
		}
		s.repos[family] = repo
	}
	return s, nil
}

func (s *Store) PinCap() int { return s.pinCap }

func (s *Store) repo(family domain.VersionFamily) (repos.VersionRepo, error) {
	repo, ok := s.repos[family]
	if !ok {
		return nil, fmt.Errorf("unknown version family %q: %w", family, pkgerrors.ErrInvalidArgument)
	}
	return repo, nil
}

func (s *Store) ownerLock(family domain.VersionFamily, ownerID uuid.UUID) *sync.Mutex {
	key := string(family) + "/" + ownerID.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.ownerMus[key]
	if !ok {
		mu = &sync.Mutex{}
		s.ownerMus[key] = mu
	}
	return mu
}

// Create appends a new immutable version for the owner. Sequence numbers
// are strictly increasing per owner and never reused.
func (s *Store) Create(ctx context.Context, family domain.VersionFamily, ownerID uuid.UUID, content any, source domain.VersionSource) (*domain.VersionRecord, error) {
	repo, err := s.repo(family)
	if err != nil {
		return nil, err
	}
	mu := s.ownerLock(family, ownerID)
	mu.Lock()
	defer mu.Unlock()
	return repo.Create(ctx, nil, ownerID, content, source)
}

// List returns the owner's versions newest-first, hiding released versions
// unless asked for.
func (s *Store) List(ctx context.Context, family domain.VersionFamily, ownerID uuid.UUID, includeReleased bool) ([]*domain.VersionRecord, error) {
	repo, err := s.repo(family)
	if err != nil {
		return nil, err
	}
	return repo.List(ctx, nil, ownerID, includeReleased)
}

func (s *Store) Get(ctx context.Context, family domain.VersionFamily, id uuid.UUID) (*domain.VersionRecord, error) {
	repo, err := s.repo(family)
	if err != nil {
		return nil, err
	}
	return repo.GetByID(ctx, nil, id)
}

// Pin marks a version protected from eviction, bounded by the pin cap per
// owner per family. Pinning a released version still succeeds; pinning an
// unavailable one does not.
func (s *Store) Pin(ctx context.Context, family domain.VersionFamily, id uuid.UUID) (PinResult, error) {
	var out PinResult
	repo, err := s.repo(family)
	if err != nil {
		return out, err
	}
	target, err := repo.GetByID(ctx, nil, id)
	if err != nil {
		return out, err
	}
	if !target.Available {
		return out, fmt.Errorf("pin %s: %w", id, pkgerrors.ErrGone)
	}

	mu := s.ownerLock(family, target.OwnerID)
	mu.Lock()
	defer mu.Unlock()

	if target.IsPinned {
		out.Status = PinOK
		return out, nil
	}
	pinned, err := repo.ListPinned(ctx, nil, target.OwnerID)
	if err != nil {
		return out, err
	}
	if len(pinned) >= s.pinCap {
		out.Status = PinConflict
		out.CurrentPinned = pinned
		return out, nil
	}
	if err := repo.SetPinned(ctx, nil, id, true); err != nil {
		return out, err
	}
	out.Status = PinOK
	return out, nil
}

// Unpin is idempotent; unpinning a non-pinned version is a no-op success.
func (s *Store) Unpin(ctx context.Context, family domain.VersionFamily, id uuid.UUID) error {
	repo, err := s.repo(family)
	if err != nil {
		return err
	}
	return repo.SetPinned(ctx, nil, id, false)
}

// Release is one-directional; there is no unrelease.
func (s *Store) Release(ctx context.Context, family domain.VersionFamily, id uuid.UUID) error {
	repo, err := s.repo(family)
	if err != nil {
		return err
	}
	return repo.SetReleased(ctx, nil, id)
}

// Rollback creates a brand-new version whose content copies the target's.
// History is never rewritten in place.
func (s *Store) Rollback(ctx context.Context, family domain.VersionFamily, ownerID, targetID uuid.UUID) (*domain.VersionRecord, error) {
	repo, err := s.repo(family)
	if err != nil {
		return nil, err
	}
	target, err := repo.GetByID(ctx, nil, targetID)
	if err != nil {
		return nil, err
	}
	if target.OwnerID != ownerID || !target.Available {
		return nil, fmt.Errorf("rollback target %s: %w", targetID, pkgerrors.ErrNotFound)
	}

	mu := s.ownerLock(family, ownerID)
	mu.Lock()
	defer mu.Unlock()
	return repo.Create(ctx, nil, ownerID, []byte(target.Content), domain.SourceRollback)
}

// Materialize returns the version's content for preview. Released versions
// stay previewable while their content blob survives; evicted ones are Gone.
func (s *Store) Materialize(ctx context.Context, family domain.VersionFamily, id uuid.UUID) ([]byte, error) {
	repo, err := s.repo(family)
	if err != nil {
		return nil, err
	}
	row, err := repo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if !row.Available {
		return nil, fmt.Errorf("materialize %s: %w", id, pkgerrors.ErrGone)
	}
	return []byte(row.Content), nil
}

// Sweep evicts the content of old released versions past the keep-count,
// never touching pinned versions. This is what makes Gone reachable.
func (s *Store) Sweep(ctx context.Context, family domain.VersionFamily, ownerID uuid.UUID, keep int) (int, error) {
	repo, err := s.repo(family)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	rows, err := repo.List(ctx, nil, ownerID, true)
	if err != nil {
		return 0, err
	}
	evicted := 0
	seen := 0
	for _, row := range rows {
		if !row.IsReleased || row.IsPinned || !row.Available {
			continue
		}
		seen++
		if seen <= keep {
			continue
		}
		if err := repo.SetUnavailable(ctx, nil, row.ID); err != nil {
			return evicted, err
		}
		evicted++
	}
	if evicted > 0 {
		s.log.Info("swept released versions", "family", string(family), "owner_id", ownerID, "evicted", evicted)
	}
	return evicted, nil
}

// SnapshotProject records an explicit manual snapshot for a session.
func (s *Store) SnapshotProject(ctx context.Context, sessionID uuid.UUID, content any) (*domain.VersionRecord, error) {
	return s.Create(ctx, domain.FamilyProject, sessionID, content, domain.SourceManual)
}
