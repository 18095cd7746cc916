package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pagesmith/pagesmith-backend/internal/domain"
	"github.com/pagesmith/pagesmith-backend/internal/modelpool"
	pkgerrors "github.com/pagesmith/pagesmith-backend/internal/pkg/errors"
	"github.com/pagesmith/pagesmith-backend/internal/platform/logger"
	"github.com/pagesmith/pagesmith-backend/internal/repos"
)

type Engine struct {
	log      *logger.Logger
	pool     modelpool.Invoker
	sessions repos.SessionRoutingRepo
}

func NewEngine(log *logger.Logger, pool modelpool.Invoker, sessions repos.SessionRoutingRepo) *Engine {
	return &Engine{
		log:      log.With("service", "RoutingEngine"),
		pool:     pool,
		sessions: sessions,
	}
}

// rawClassification is the untrusted classifier payload before validation.
type rawClassification struct {
	ProductType  string  `json:"product_type"`
	Complexity   string  `json:"complexity"`
	Confidence   float64 `json:"confidence"`
	SkillID      string  `json:"skill_id"`
	StyleProfile string  `json:"style_profile"`
}

// Route classifies one user brief into an immutable RoutingDecision and
// persists it onto the session's routing metadata. A classifier-pool
// exhaustion fails routing outright; there is no silent default product
// type because guardrails and downstream prompts depend on the decision.
func (e *Engine) Route(ctx context.Context, sessionID uuid.UUID, userMessage string, existingPages []string) (domain.RoutingDecision, error) {
	var decision domain.RoutingDecision
	if strings.TrimSpace(userMessage) == "" {
		return decision, fmt.Errorf("empty brief: %w", pkgerrors.ErrInvalidArgument)
	}

	resp, err := e.pool.Invoke(ctx, sessionID, domain.RoleClassifier, classifierRequest(userMessage), "")
	if err != nil {
		if errors.Is(err, pkgerrors.ErrPoolExhausted) {
			return decision, fmt.Errorf("classifier exhausted: %v: %w", err, pkgerrors.ErrRoutingFailed)
		}
		return decision, fmt.Errorf("classify: %w", err)
	}

	raw := rawClassification{}
	if b, merr := json.Marshal(resp.JSON); merr == nil {
		_ = json.Unmarshal(b, &raw)
	}
	if strings.TrimSpace(raw.ProductType) == "" {
		return decision, fmt.Errorf("classifier output missing product_type: %w", pkgerrors.ErrRoutingFailed)
	}

	productType := NormalizeProductType(raw.ProductType)
	complexity := NormalizeComplexity(raw.Complexity)
	confidence := raw.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	skillID := strings.TrimSpace(raw.SkillID)
	if skillID == "" {
		skillID = "skill." + string(productType)
	}

	decision = domain.RoutingDecision{
		ProductType:  productType,
		Complexity:   complexity,
		Confidence:   confidence,
		SkillID:      skillID,
		DocTier:      DocTierFor(complexity),
		StyleProfile: strings.TrimSpace(raw.StyleProfile),
		Guardrails:   GuardrailsFor(productType),
		TargetPages:  ParseMentions(userMessage, existingPages),
		CreatedAt:    time.Now().UTC(),
	}

	if e.sessions != nil && sessionID != uuid.Nil {
		if _, perr := e.sessions.Append(ctx, nil, sessionID, decision); perr != nil {
			return decision, fmt.Errorf("persist routing decision: %w", perr)
		}
	}

	e.log.Info("routed brief",
		"session_id", sessionID,
		"product_type", string(decision.ProductType),
		"complexity", string(decision.Complexity),
		"confidence", decision.Confidence,
		"target_pages", decision.TargetPages,
	)
	return decision, nil
}

func classifierRequest(userMessage string) domain.ModelRequest {
	system := strings.Join([]string{
		"You classify a conversational brief for a website generator.",
		"Pick the closest product_type and an overall build complexity.",
		"Confidence is your own calibrated certainty in the product_type.",
		"Return ONLY JSON matching the schema.",
	}, "\n")

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"product_type": map[string]any{
				"type": "string",
				"enum": []any{"landing", "ecommerce", "booking", "card", "invitation", "other"},
			},
			"complexity":    map[string]any{"type": "string"},
			"confidence":    map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"skill_id":      map[string]any{"type": "string"},
			"style_profile": map[string]any{"type": "string"},
		},
		"required": []any{"product_type", "complexity", "confidence"},
	}

	return domain.ModelRequest{
		System:     system,
		User:       "USER_BRIEF:\n" + strings.TrimSpace(userMessage),
		SchemaName: "brief_classification_v1",
		Schema:     schema,
		Required:   []string{"product_type", "complexity", "confidence"},
	}
}
