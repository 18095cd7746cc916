package modelpool

import (
	"context"

	"github.com/google/uuid"

	"github.com/pagesmith/pagesmith-backend/internal/domain"
	"github.com/pagesmith/pagesmith-backend/internal/repos"
)

// RepoRecorder persists attempt rows and session usage through the repos layer.
type RepoRecorder struct {
	calls repos.ModelCallLogRepo
}

func NewRepoRecorder(calls repos.ModelCallLogRepo) *RepoRecorder {
	return &RepoRecorder{calls: calls}
}

func (r *RepoRecorder) Record(ctx context.Context, row *domain.ModelCallLog) error {
	return r.calls.Create(ctx, nil, []*domain.ModelCallLog{row})
}

func (r *RepoRecorder) AddUsage(ctx context.Context, sessionID uuid.UUID, usage domain.TokenUsage) error {
	return r.calls.AddSessionUsage(ctx, nil, sessionID, usage)
}
