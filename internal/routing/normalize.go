package routing

import (
	"strings"

	"github.com/pagesmith/pagesmith-backend/internal/domain"
)

// NormalizeComplexity maps legacy tier-vocabulary labels and canonical
// labels onto the canonical complexity set. Idempotent: canonical values
// map to themselves. Unknown or empty input lands on medium.
func NormalizeComplexity(raw string) domain.Complexity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "simple", "checklist", "basic", "low":
		return domain.ComplexitySimple
	case "medium", "standard", "moderate":
		return domain.ComplexityMedium
	case "complex", "extended", "high", "advanced":
		return domain.ComplexityComplex
	default:
		return domain.ComplexityMedium
	}
}

// DocTierFor derives the document tier from canonical complexity. The tier
// is never re-asked of the model.
func DocTierFor(c domain.Complexity) domain.DocTier {
	switch c {
	case domain.ComplexitySimple:
		return domain.TierChecklist
	case domain.ComplexityComplex:
		return domain.TierExtended
	default:
		return domain.TierStandard
	}
}

// NormalizeProductType maps free-form classifier output onto the product
// type enum, defaulting to other.
func NormalizeProductType(raw string) domain.ProductType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "landing", "landing_page", "landingpage":
		return domain.ProductLanding
	case "ecommerce", "e-commerce", "shop", "store":
		return domain.ProductEcommerce
	case "booking", "reservation":
		return domain.ProductBooking
	case "card", "business_card":
		return domain.ProductCard
	case "invitation", "invite", "event":
		return domain.ProductInvitation
	default:
		return domain.ProductOther
	}
}
