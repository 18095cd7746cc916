package bus

import (
	"context"

	"github.com/pagesmith/pagesmith-backend/internal/realtime"
)

type Bus interface {
	Publish(ctx context.Context, ev realtime.ProgressEvent) error
	Close() error
}
