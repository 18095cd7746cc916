package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type VersionFamily string

const (
	FamilyPage       VersionFamily = "page"
	FamilyProductDoc VersionFamily = "product_doc"
	FamilyProject    VersionFamily = "project"
)

type VersionSource string

const (
	SourceAuto     VersionSource = "auto"
	SourceManual   VersionSource = "manual"
	SourceRollback VersionSource = "rollback"
)

// VersionRecord is the shared row shape of all three version families.
// The family picks the table; the columns are identical.
//
// Content is immutable after creation; only the pin/release/availability
// flags ever change.
type VersionRecord struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_id"`
	SequenceNumber int            `gorm:"column:sequence_number;not null" json:"sequence_number"`
	Content        datatypes.JSON `gorm:"column:content" json:"content"`
	Source         string         `gorm:"column:source;not null" json:"source"`
	IsPinned       bool           `gorm:"column:is_pinned;not null;default:false" json:"is_pinned"`
	IsReleased     bool           `gorm:"column:is_released;not null;default:false" json:"is_released"`
	Available      bool           `gorm:"column:available;not null;default:true" json:"available"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
}

func VersionTableName(family VersionFamily) string {
	switch family {
	case FamilyPage:
		return "page_version"
	case FamilyProductDoc:
		return "product_doc_version"
	case FamilyProject:
		return "project_snapshot"
	default:
		return ""
	}
}
