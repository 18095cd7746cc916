package repos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pagesmith/pagesmith-backend/internal/domain"
	"github.com/pagesmith/pagesmith-backend/internal/platform/logger"
)

type SessionRoutingRepo interface {
	// Append persists a new decision for the session. Decisions are
	// write-once; there is no update path.
	Append(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, decision domain.RoutingDecision) (*domain.SessionRouting, error)
	Latest(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*domain.RoutingDecision, error)
}

type sessionRoutingRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSessionRoutingRepo(db *gorm.DB, baseLog *logger.Logger) SessionRoutingRepo {
	return &sessionRoutingRepo{db: db, log: baseLog.With("repo", "SessionRoutingRepo")}
}

func (r *sessionRoutingRepo) Append(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, decision domain.RoutingDecision) (*domain.SessionRouting, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	raw, err := json.Marshal(decision)
	if err != nil {
		return nil, err
	}
	row := &domain.SessionRouting{
		ID:        uuid.New(),
		SessionID: sessionID,
		Decision:  datatypes.JSON(raw),
		CreatedAt: time.Now().UTC(),
	}
	if err := transaction.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *sessionRoutingRepo) Latest(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*domain.RoutingDecision, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var row domain.SessionRouting
	err := transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	var decision domain.RoutingDecision
	if err := json.Unmarshal(row.Decision, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}
