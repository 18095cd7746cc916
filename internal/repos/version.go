package repos

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pagesmith/pagesmith-backend/internal/domain"
	pkgerrors "github.com/pagesmith/pagesmith-backend/internal/pkg/errors"
	"github.com/pagesmith/pagesmith-backend/internal/platform/logger"
)

// VersionRepo is the row-level access for one version family's table. The
// three families share this implementation; the family only picks the table.
type VersionRepo interface {
	// Create assigns the next sequence number for the owner inside a single
	// transaction. Callers serialize concurrent creates for the same owner.
	Create(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, content any, source domain.VersionSource) (*domain.VersionRecord, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.VersionRecord, error)
	List(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, includeReleased bool) ([]*domain.VersionRecord, error)
	ListPinned(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID) ([]*domain.VersionRecord, error)
	SetPinned(ctx context.Context, tx *gorm.DB, id uuid.UUID, pinned bool) error
	SetReleased(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	SetUnavailable(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type versionRepo struct {
	db     *gorm.DB
	log    *logger.Logger
	family domain.VersionFamily
	table  string
}

func NewVersionRepo(db *gorm.DB, baseLog *logger.Logger, family domain.VersionFamily) (VersionRepo, error) {
	table := domain.VersionTableName(family)
	if table == "" {
		return nil, fmt.Errorf("unknown version family %q", family)
	}
	return &versionRepo{
		db:     db,
		log:    baseLog.With("repo", "VersionRepo", "family", string(family)),
		family: family,
		table:  table,
	}, nil
}

func (r *versionRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *versionRepo) Create(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, content any, source domain.VersionSource) (*domain.VersionRecord, error) {
	if ownerID == uuid.Nil {
		return nil, pkgerrors.ErrInvalidArgument
	}
	var raw []byte
	switch v := content.(type) {
	case nil:
		raw = []byte("null")
	case []byte:
		raw = v
	case datatypes.JSON:
		raw = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	row := &domain.VersionRecord{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Content:   datatypes.JSON(raw),
		Source:    string(source),
		Available: true,
		CreatedAt: time.Now().UTC(),
	}

	err := r.conn(tx).WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var maxSeq int
		if err := txx.Table(r.table).
			Where("owner_id = ?", ownerID).
			Select("COALESCE(MAX(sequence_number), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		row.SequenceNumber = maxSeq + 1
		return txx.Table(r.table).Create(row).Error
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *versionRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.VersionRecord, error) {
	var row domain.VersionRecord
	err := r.conn(tx).WithContext(ctx).Table(r.table).
		Where("id = ?", id).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, pkgerrors.ErrNotFound
	}
	return &row, nil
}

func (r *versionRepo) List(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, includeReleased bool) ([]*domain.VersionRecord, error) {
	q := r.conn(tx).WithContext(ctx).Table(r.table).
		Where("owner_id = ?", ownerID)
	if !includeReleased {
		q = q.Where("is_released = ?", false)
	}
	var rows []*domain.VersionRecord
	if err := q.Order("sequence_number DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *versionRepo) ListPinned(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID) ([]*domain.VersionRecord, error) {
	var rows []*domain.VersionRecord
	err := r.conn(tx).WithContext(ctx).Table(r.table).
		Where("owner_id = ? AND is_pinned = ?", ownerID, true).
		Order("sequence_number DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *versionRepo) SetPinned(ctx context.Context, tx *gorm.DB, id uuid.UUID, pinned bool) error {
	return r.updateFlags(ctx, tx, id, map[string]interface{}{"is_pinned": pinned})
}

func (r *versionRepo) SetReleased(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return r.updateFlags(ctx, tx, id, map[string]interface{}{"is_released": true})
}

func (r *versionRepo) SetUnavailable(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return r.updateFlags(ctx, tx, id, map[string]interface{}{"available": false})
}

func (r *versionRepo) updateFlags(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	res := r.conn(tx).WithContext(ctx).Table(r.table).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}
