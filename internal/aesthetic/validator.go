package aesthetic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pagesmith/pagesmith-backend/internal/domain"
	"github.com/pagesmith/pagesmith-backend/internal/modelpool"
	"github.com/pagesmith/pagesmith-backend/internal/platform/logger"
)

// Scorable reports whether a product type's pages go through visual
// scoring. Flow-style pages (ecommerce, booking) do not.
func Scorable(pt domain.ProductType) bool {
	switch pt {
	case domain.ProductLanding, domain.ProductCard, domain.ProductInvitation:
		return true
	default:
		return false
	}
}

type Result struct {
	Final      map[string]any
	FinalScore domain.AestheticScore
	Attempts   []domain.AestheticAttempt
}

type Validator struct {
	log            *logger.Logger
	pool           modelpool.Invoker
	passThreshold  int
	maxRefinements int
}

func NewValidator(log *logger.Logger, pool modelpool.Invoker, passThreshold, maxRefinements int) *Validator {
	if passThreshold <= 0 {
		passThreshold = 18
	}
	if maxRefinements < 0 {
		maxRefinements = 2
	}
	return &Validator{
		log:            log.With("service", "AestheticValidator"),
		pool:           pool,
		passThreshold:  passThreshold,
		maxRefinements: maxRefinements,
	}
}

func (v *Validator) PassThreshold() int { return v.passThreshold }

// ValidateAndRefine scores content and runs a bounded refine loop. A
// candidate replaces the current best only when its total is >= the best's
// total, so the selected score never decreases across the loop.
func (v *Validator) ValidateAndRefine(ctx context.Context, sessionID uuid.UUID, content map[string]any, productType domain.ProductType) (Result, error) {
	var out Result

	score, err := v.score(ctx, sessionID, content, productType)
	if err != nil {
		return out, fmt.Errorf("initial score: %w", err)
	}
	out.Final = content
	out.FinalScore = score
	out.Attempts = append(out.Attempts, domain.AestheticAttempt{Content: content, Score: score})
	if score.PassesThreshold(v.passThreshold) {
		return out, nil
	}

	best := content
	bestScore := score
	for i := 0; i < v.maxRefinements; i++ {
		candidate, rerr := v.refine(ctx, sessionID, best, bestScore, productType)
		if rerr != nil {
			v.log.Warn("refinement attempt failed", "iteration", i+1, "error", rerr.Error())
			break
		}
		candidateScore, serr := v.score(ctx, sessionID, candidate, productType)
		if serr != nil {
			v.log.Warn("candidate scoring failed", "iteration", i+1, "error", serr.Error())
			break
		}
		out.Attempts = append(out.Attempts, domain.AestheticAttempt{Content: candidate, Score: candidateScore})
		if candidateScore.Total >= bestScore.Total {
			best = candidate
			bestScore = candidateScore
		}
		if bestScore.PassesThreshold(v.passThreshold) {
			break
		}
	}

	out.Final = best
	out.FinalScore = bestScore
	return out, nil
}

func (v *Validator) score(ctx context.Context, sessionID uuid.UUID, content map[string]any, productType domain.ProductType) (domain.AestheticScore, error) {
	var zero domain.AestheticScore

	resp, err := v.pool.Invoke(ctx, sessionID, domain.RoleValidator, scoreRequest(content, productType), productType)
	if err != nil {
		return zero, err
	}

	var raw struct {
		Dimensions struct {
			Typography int `json:"typography"`
			Contrast   int `json:"contrast"`
			Layout     int `json:"layout"`
			Color      int `json:"color"`
			CTA        int `json:"cta"`
		} `json:"dimensions"`
		AutoChecks struct {
			WCAGContrast string `json:"wcag_contrast"`
			LineHeight   string `json:"line_height"`
			TypeScale    string `json:"type_scale"`
		} `json:"auto_checks"`
		Issues []string `json:"issues"`
	}
	if b, merr := json.Marshal(resp.JSON); merr == nil {
		_ = json.Unmarshal(b, &raw)
	}

	dims := domain.AestheticDimensions{
		Typography: clampDim(raw.Dimensions.Typography),
		Contrast:   clampDim(raw.Dimensions.Contrast),
		Layout:     clampDim(raw.Dimensions.Layout),
		Color:      clampDim(raw.Dimensions.Color),
		CTA:        clampDim(raw.Dimensions.CTA),
	}
	checks := domain.AutoChecks{
		WCAGContrast: checkResult(raw.AutoChecks.WCAGContrast),
		LineHeight:   checkResult(raw.AutoChecks.LineHeight),
		TypeScale:    checkResult(raw.AutoChecks.TypeScale),
	}
	return domain.NewAestheticScore(dims, checks, raw.Issues), nil
}

func (v *Validator) refine(ctx context.Context, sessionID uuid.UUID, content map[string]any, score domain.AestheticScore, productType domain.ProductType) (map[string]any, error) {
	resp, err := v.pool.Invoke(ctx, sessionID, domain.RoleStyleRefiner, refineRequest(content, score, productType), productType)
	if err != nil {
		return nil, err
	}
	candidate, ok := resp.JSON["content"].(map[string]any)
	if !ok || len(candidate) == 0 {
		return nil, fmt.Errorf("refiner output missing content")
	}
	return candidate, nil
}

func scoreRequest(content map[string]any, productType domain.ProductType) domain.ModelRequest {
	system := strings.Join([]string{
		"You score the visual quality of one generated web page.",
		"Score five dimensions from 1 (poor) to 5 (excellent):",
		"typography, contrast, layout, color, cta.",
		"Run three auto checks and report pass or fail:",
		"wcag_contrast, line_height, type_scale.",
		"List concrete issues worth fixing, most important first.",
		"Return ONLY JSON matching the schema.",
	}, "\n")

	raw, _ := json.Marshal(content)
	user := "PRODUCT_TYPE: " + string(productType) + "\nPAGE_CONTENT:\n" + string(raw)

	dimSchema := map[string]any{"type": "integer", "minimum": 1, "maximum": 5}
	checkSchema := map[string]any{"type": "string", "enum": []any{"pass", "fail"}}
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"dimensions": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"typography": dimSchema,
					"contrast":   dimSchema,
					"layout":     dimSchema,
					"color":      dimSchema,
					"cta":        dimSchema,
				},
				"required": []any{"typography", "contrast", "layout", "color", "cta"},
			},
			"auto_checks": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"wcag_contrast": checkSchema,
					"line_height":   checkSchema,
					"type_scale":    checkSchema,
				},
				"required": []any{"wcag_contrast", "line_height", "type_scale"},
			},
			"issues": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []any{"dimensions", "auto_checks", "issues"},
	}

	return domain.ModelRequest{
		System:     system,
		User:       user,
		SchemaName: "aesthetic_score_v1",
		Schema:     schema,
		Required:   []string{"dimensions", "auto_checks", "issues"},
	}
}

func refineRequest(content map[string]any, score domain.AestheticScore, productType domain.ProductType) domain.ModelRequest {
	system := strings.Join([]string{
		"You refine the visual style of one generated web page.",
		"Fix the listed issues without changing the page's copy or structure.",
		"Return the full revised page under the content key.",
		"Return ONLY JSON matching the schema.",
	}, "\n")

	rawContent, _ := json.Marshal(content)
	rawScore, _ := json.Marshal(score)
	user := strings.Join([]string{
		"PRODUCT_TYPE: " + string(productType),
		"CURRENT_SCORE:",
		string(rawScore),
		"PAGE_CONTENT:",
		string(rawContent),
	}, "\n")

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"content": map[string]any{"type": "object"},
			"notes":   map[string]any{"type": "string"},
		},
		"required": []any{"content"},
	}

	return domain.ModelRequest{
		System:     system,
		User:       user,
		SchemaName: "style_refinement_v1",
		Schema:     schema,
		Required:   []string{"content"},
	}
}

func clampDim(v int) int {
	if v < 1 {
		return 1
	}
	if v > 5 {
		return 5
	}
	return v
}

func checkResult(raw string) domain.CheckResult {
	if strings.EqualFold(strings.TrimSpace(raw), "pass") {
		return domain.CheckPass
	}
	return domain.CheckFail
}
