package routing

import "github.com/pagesmith/pagesmith-backend/internal/domain"

// Guardrails are derived from the product type via this static table, not
// generated by the model, so safety constraints stay deterministic.
var guardrailTable = map[domain.ProductType]domain.Guardrails{
	domain.ProductLanding: {
		Hard: []string{"readable-font-size", "color-contrast"},
		Soft: []string{"single-primary-cta", "above-fold-value-prop"},
	},
	domain.ProductEcommerce: {
		Hard: []string{"touch-target-size", "readable-font-size", "color-contrast", "visible-price"},
		Soft: []string{"product-grid-consistency", "cart-affordance"},
	},
	domain.ProductBooking: {
		Hard: []string{"touch-target-size", "readable-font-size", "color-contrast"},
		Soft: []string{"date-picker-clarity", "confirmation-summary"},
	},
	domain.ProductCard: {
		Hard: []string{"readable-font-size", "color-contrast"},
		Soft: []string{"whitespace-balance"},
	},
	domain.ProductInvitation: {
		Hard: []string{"readable-font-size", "color-contrast"},
		Soft: []string{"event-details-prominence"},
	},
	domain.ProductOther: {
		Hard: []string{"readable-font-size", "color-contrast"},
		Soft: nil,
	},
}

func GuardrailsFor(pt domain.ProductType) domain.Guardrails {
	if g, ok := guardrailTable[pt]; ok {
		return cloneGuardrails(g)
	}
	return cloneGuardrails(guardrailTable[domain.ProductOther])
}

func cloneGuardrails(g domain.Guardrails) domain.Guardrails {
	out := domain.Guardrails{}
	out.Hard = append(out.Hard, g.Hard...)
	out.Soft = append(out.Soft, g.Soft...)
	return out
}
