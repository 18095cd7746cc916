package realtime

import "github.com/google/uuid"

// ProgressEvent is the only channel through which collaborators observe a
// run mid-flight. Events for one run are delivered in stage order; events
// from concurrent page tasks may interleave but carry the page slug.
type ProgressEvent struct {
	RunID    uuid.UUID `json:"run_id"`
	Stage    string    `json:"stage"`
	PageSlug string    `json:"page_slug,omitempty"`
	Percent  int       `json:"percent"`
	Message  string    `json:"message"`
	Terminal bool      `json:"terminal"`
	Status   string    `json:"status,omitempty"`
}
