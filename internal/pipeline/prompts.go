package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pagesmith/pagesmith-backend/internal/domain"
)

func interviewRequest(brief string, decision domain.RoutingDecision) domain.ModelRequest {
	system := strings.Join([]string{
		"You prepare a short clarification note before a website build starts.",
		"The brief was classified with low confidence. Write the assumptions",
		"the builder should make explicit and the questions a designer would",
		"ask, so the product document can address them up front.",
		"Return ONLY JSON matching the schema.",
	}, "\n")
	user := strings.Join([]string{
		"PRODUCT_TYPE: " + string(decision.ProductType),
		"COMPLEXITY: " + string(decision.Complexity),
		"USER_BRIEF:",
		strings.TrimSpace(brief),
	}, "\n")
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"assumptions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"questions":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []any{"assumptions", "questions"},
	}
	return domain.ModelRequest{
		System:     system,
		User:       user,
		SchemaName: "interview_note_v1",
		Schema:     schema,
		Required:   []string{"assumptions", "questions"},
	}
}

func tierInstructions(tier domain.DocTier) string {
	switch tier {
	case domain.TierChecklist:
		return "Keep the document to a terse checklist: one short section, bullet points only."
	case domain.TierExtended:
		return "Write an extended document: per-section rationale, audience notes, and content guidance for every page."
	default:
		return "Write a standard document: a section per page plus shared style notes."
	}
}

func documentRequest(brief string, decision domain.RoutingDecision, interviewNote map[string]any) domain.ModelRequest {
	system := strings.Join([]string{
		"You author the product document that drives a website build.",
		tierInstructions(decision.DocTier),
		"Honor every hard guardrail; treat soft guardrails as preferences.",
		"Return ONLY JSON matching the schema.",
	}, "\n")

	guardrails, _ := json.Marshal(decision.Guardrails)
	parts := []string{
		"PRODUCT_TYPE: " + string(decision.ProductType),
		"DOC_TIER: " + string(decision.DocTier),
		"STYLE_PROFILE: " + defaultString(decision.StyleProfile, "(none)"),
		"GUARDRAILS: " + string(guardrails),
		"USER_BRIEF:",
		strings.TrimSpace(brief),
	}
	if len(interviewNote) > 0 {
		note, _ := json.Marshal(interviewNote)
		parts = append(parts, "CLARIFICATION_NOTE:", string(note))
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
			"tier":  map[string]any{"type": "string"},
			"sections": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"heading": map[string]any{"type": "string"},
						"bullets": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required": []any{"heading", "bullets"},
				},
			},
			"style_notes": map[string]any{"type": "string"},
		},
		"required": []any{"title", "tier", "sections"},
	}

	return domain.ModelRequest{
		System:     system,
		User:       strings.Join(parts, "\n"),
		SchemaName: "product_doc_v1",
		Schema:     schema,
		Required:   []string{"title", "sections"},
	}
}

func maxPagesFor(c domain.Complexity) int {
	switch c {
	case domain.ComplexitySimple:
		return 3
	case domain.ComplexityComplex:
		return 10
	default:
		return 6
	}
}

func sitemapRequest(doc map[string]any, decision domain.RoutingDecision) domain.ModelRequest {
	system := strings.Join([]string{
		"You plan the sitemap for a website build from its product document.",
		fmt.Sprintf("Plan at most %d pages.", maxPagesFor(decision.Complexity)),
		"Every page needs a unique kebab-case slug, a title, its sections,",
		"and a nav_order starting at 1.",
		"Return ONLY JSON matching the schema.",
	}, "\n")

	rawDoc, _ := json.Marshal(doc)
	parts := []string{
		"PRODUCT_TYPE: " + string(decision.ProductType),
		"PRODUCT_DOC:",
		string(rawDoc),
	}
	if len(decision.TargetPages) > 0 {
		parts = append(parts, "REQUIRED_PAGES: "+strings.Join(decision.TargetPages, ", "))
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"pages": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"slug":      map[string]any{"type": "string"},
						"title":     map[string]any{"type": "string"},
						"sections":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"nav_order": map[string]any{"type": "integer", "minimum": 1},
					},
					"required": []any{"slug", "title", "sections", "nav_order"},
				},
			},
		},
		"required": []any{"pages"},
	}

	return domain.ModelRequest{
		System:     system,
		User:       strings.Join(parts, "\n"),
		SchemaName: "sitemap_plan_v1",
		Schema:     schema,
		Required:   []string{"pages"},
	}
}

func pageRequest(page domain.PagePlan, siblings []string, doc map[string]any, decision domain.RoutingDecision, images []domain.ImageInput) domain.ModelRequest {
	system := strings.Join([]string{
		"You generate one page of a multi-page website.",
		"Use the product document for copy and the page plan for structure.",
		"Internal links may only target the sibling slugs provided.",
		"Honor every hard guardrail; treat soft guardrails as preferences.",
		"Return ONLY JSON matching the schema.",
	}, "\n")

	rawDoc, _ := json.Marshal(doc)
	rawPlan, _ := json.Marshal(page)
	guardrails, _ := json.Marshal(decision.Guardrails)
	user := strings.Join([]string{
		"PRODUCT_TYPE: " + string(decision.ProductType),
		"SKILL_ID: " + decision.SkillID,
		"STYLE_PROFILE: " + defaultString(decision.StyleProfile, "(none)"),
		"GUARDRAILS: " + string(guardrails),
		"PAGE_PLAN:",
		string(rawPlan),
		"SIBLING_SLUGS: " + strings.Join(siblings, ", "),
		"PRODUCT_DOC:",
		string(rawDoc),
	}, "\n")

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
			"slug":  map[string]any{"type": "string"},
			"html":  map[string]any{"type": "string"},
			"css":   map[string]any{"type": "string"},
		},
		"required": []any{"title", "slug", "html"},
	}

	return domain.ModelRequest{
		System:     system,
		User:       user,
		Images:     images,
		SchemaName: "page_generation_v1",
		Schema:     schema,
		Required:   []string{"title", "html"},
	}
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func titleFromSlug(slug string) string {
	words := strings.Split(strings.ReplaceAll(slug, "-", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
