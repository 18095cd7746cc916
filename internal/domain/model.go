package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Role is the logical function a model fulfills, decoupled from any backend.
type Role string

const (
	RoleClassifier   Role = "classifier"
	RoleWriter       Role = "writer"
	RoleValidator    Role = "validator"
	RoleExpander     Role = "expander"
	RoleStyleRefiner Role = "style_refiner"
)

type Capability string

const (
	CapabilityText   Capability = "text"
	CapabilityVision Capability = "vision"
)

// ModelDescriptor is one backend candidate for a role. Read-only at runtime.
type ModelDescriptor struct {
	Role         Role         `yaml:"role" json:"role"`
	BackendID    string       `yaml:"backend_id" json:"backend_id"`
	Endpoint     string       `yaml:"endpoint" json:"endpoint"`
	Model        string       `yaml:"model" json:"model"`
	MaxTokens    int          `yaml:"max_tokens" json:"max_tokens"`
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`
	Priority     int          `yaml:"priority" json:"priority"`
}

func (d ModelDescriptor) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

type ImageInput struct {
	// Can be https://... or data:image/...;base64,...
	ImageURL string
	Detail   string // "low" | "high"
}

// ModelRequest is the backend-independent request handed to the pool.
type ModelRequest struct {
	System string
	User   string
	Images []ImageInput

	// Structured output. When Schema is set the response must parse as JSON
	// and carry every field in Required, otherwise the attempt counts as
	// malformed and the pool advances the fallback chain.
	SchemaName string
	Schema     map[string]any
	Required   []string
}

func (r ModelRequest) NeedsVision() bool { return len(r.Images) > 0 }

type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

type ModelResponse struct {
	Text      string
	JSON      map[string]any
	BackendID string
	Usage     TokenUsage
}

type CallOutcome string

const (
	CallOK        CallOutcome = "ok"
	CallError     CallOutcome = "error"
	CallTimeout   CallOutcome = "timeout"
	CallMalformed CallOutcome = "malformed"
)

// ModelCallLog records one pool attempt, success or failure.
type ModelCallLog struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID *uuid.UUID     `gorm:"type:uuid;index" json:"session_id,omitempty"`
	Role      string         `gorm:"column:role;not null;index" json:"role"`
	BackendID string         `gorm:"column:backend_id;not null" json:"backend_id"`
	Outcome   string         `gorm:"column:outcome;not null" json:"outcome"`
	LatencyMS int64          `gorm:"column:latency_ms;not null;default:0" json:"latency_ms"`
	Error     string         `gorm:"column:error" json:"error"`
	Usage     datatypes.JSON `gorm:"column:usage" json:"usage"`
	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
}

func (ModelCallLog) TableName() string { return "model_call_log" }

// SessionUsage is the aggregated token usage per session, updated by the pool.
type SessionUsage struct {
	SessionID    uuid.UUID `gorm:"type:uuid;primaryKey" json:"session_id"`
	InputTokens  int64     `gorm:"column:input_tokens;not null;default:0" json:"input_tokens"`
	OutputTokens int64     `gorm:"column:output_tokens;not null;default:0" json:"output_tokens"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

func (SessionUsage) TableName() string { return "session_usage" }
