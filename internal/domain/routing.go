package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ProductType string

const (
	ProductLanding    ProductType = "landing"
	ProductEcommerce  ProductType = "ecommerce"
	ProductBooking    ProductType = "booking"
	ProductCard       ProductType = "card"
	ProductInvitation ProductType = "invitation"
	ProductOther      ProductType = "other"
)

type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

type DocTier string

const (
	TierChecklist DocTier = "checklist"
	TierStandard  DocTier = "standard"
	TierExtended  DocTier = "extended"
)

type Guardrails struct {
	Hard []string `json:"hard"`
	Soft []string `json:"soft"`
}

// RoutingDecision is the immutable result of classifying one user brief.
// A later turn produces a new decision, never an edit.
type RoutingDecision struct {
	ProductType  ProductType `json:"product_type"`
	Complexity   Complexity  `json:"complexity"`
	Confidence   float64     `json:"confidence"`
	SkillID      string      `json:"skill_id"`
	DocTier      DocTier     `json:"doc_tier"`
	StyleProfile string      `json:"style_profile"`
	Guardrails   Guardrails  `json:"guardrails"`
	TargetPages  []string    `json:"target_pages"`
	CreatedAt    time.Time   `json:"created_at"`
}

// SessionRouting is the append-only persisted form of a routing decision.
type SessionRouting struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID uuid.UUID      `gorm:"type:uuid;not null;index" json:"session_id"`
	Decision  datatypes.JSON `gorm:"column:decision;not null" json:"decision"`
	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
}

func (SessionRouting) TableName() string { return "session_routing" }
