package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pagesmith/pagesmith-backend/internal/domain"
	"github.com/pagesmith/pagesmith-backend/internal/platform/logger"
)

type ModelCallLogRepo interface {
	Create(ctx context.Context, tx *gorm.DB, rows []*domain.ModelCallLog) error
	ListBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, limit int) ([]*domain.ModelCallLog, error)
	AddSessionUsage(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, usage domain.TokenUsage) error
	GetSessionUsage(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*domain.SessionUsage, error)
}

type modelCallLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewModelCallLogRepo(db *gorm.DB, baseLog *logger.Logger) ModelCallLogRepo {
	return &modelCallLogRepo{db: db, log: baseLog.With("repo", "ModelCallLogRepo")}
}

func (r *modelCallLogRepo) Create(ctx context.Context, tx *gorm.DB, rows []*domain.ModelCallLog) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
	}
	return transaction.WithContext(ctx).Create(&rows).Error
}

func (r *modelCallLogRepo) ListBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, limit int) ([]*domain.ModelCallLog, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var rows []*domain.ModelCallLog
	err := transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *modelCallLogRepo) AddSessionUsage(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, usage domain.TokenUsage) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if sessionID == uuid.Nil {
		return nil
	}
	now := time.Now().UTC()
	return transaction.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"input_tokens":  gorm.Expr("input_tokens + ?", usage.InputTokens),
			"output_tokens": gorm.Expr("output_tokens + ?", usage.OutputTokens),
			"updated_at":    now,
		}),
	}).Create(&domain.SessionUsage{
		SessionID:    sessionID,
		InputTokens:  int64(usage.InputTokens),
		OutputTokens: int64(usage.OutputTokens),
		UpdatedAt:    now,
	}).Error
}

func (r *modelCallLogRepo) GetSessionUsage(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*domain.SessionUsage, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var row domain.SessionUsage
	err := transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.SessionID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}
