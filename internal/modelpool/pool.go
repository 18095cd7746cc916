package modelpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/pagesmith/pagesmith-backend/internal/domain"
	pkgerrors "github.com/pagesmith/pagesmith-backend/internal/pkg/errors"
	"github.com/pagesmith/pagesmith-backend/internal/platform/logger"
	"github.com/pagesmith/pagesmith-backend/internal/platform/modelapi"
)

// Invoker is what pipeline stages consume: a role-addressed model call with
// fallback handled underneath.
type Invoker interface {
	Invoke(ctx context.Context, sessionID uuid.UUID, role domain.Role, req domain.ModelRequest, productType domain.ProductType) (domain.ModelResponse, error)
}

// Recorder receives one row per attempt plus the per-session usage updates.
type Recorder interface {
	Record(ctx context.Context, row *domain.ModelCallLog) error
	AddUsage(ctx context.Context, sessionID uuid.UUID, usage domain.TokenUsage) error
}

// ClientFactory builds the transport for one descriptor.
type ClientFactory func(desc domain.ModelDescriptor) (modelapi.Client, error)

type Pool struct {
	log         *logger.Logger
	catalog     *Catalog
	clients     map[string]modelapi.Client
	maxAttempts int
	timeout     time.Duration
	recorder    Recorder
	tracer      trace.Tracer
}

func NewPool(log *logger.Logger, catalog *Catalog, maxAttempts int, timeout time.Duration, factory ClientFactory, recorder Recorder) (*Pool, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog required")
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	clients := map[string]modelapi.Client{}
	for _, role := range catalog.Roles() {
		for _, desc := range catalog.Resolve(role, "") {
			key := roleBackendKey(desc.Role, desc.BackendID)
			if _, ok := clients[key]; ok {
				continue
			}
			cl, err := factory(desc)
			if err != nil {
				return nil, fmt.Errorf("backend %q: %w", desc.BackendID, err)
			}
			clients[key] = cl
		}
	}
	return &Pool{
		log:         log.With("service", "ModelPool"),
		catalog:     catalog,
		clients:     clients,
		maxAttempts: maxAttempts,
		timeout:     timeout,
		recorder:    recorder,
		tracer:      otel.Tracer("modelpool"),
	}, nil
}

func (p *Pool) Resolve(role domain.Role, productType domain.ProductType) []domain.ModelDescriptor {
	return p.catalog.Resolve(role, productType)
}

// Invoke attempts each candidate in resolution order until one produces a
// usable response or the attempt budget runs out. A request needing vision
// rejects non-vision candidates before dispatch; that is not an attempt.
func (p *Pool) Invoke(ctx context.Context, sessionID uuid.UUID, role domain.Role, req domain.ModelRequest, productType domain.ProductType) (domain.ModelResponse, error) {
	var out domain.ModelResponse

	candidates := p.catalog.Resolve(role, productType)
	if len(candidates) == 0 {
		return out, fmt.Errorf("role %q: no candidates: %w", role, pkgerrors.ErrPoolExhausted)
	}
	if req.NeedsVision() {
		filtered := candidates[:0:0]
		for _, desc := range candidates {
			if desc.HasCapability(domain.CapabilityVision) {
				filtered = append(filtered, desc)
			}
		}
		if len(filtered) == 0 {
			return out, fmt.Errorf("role %q: vision input: %w", role, pkgerrors.ErrCapability)
		}
		candidates = filtered
	}

	ctx, span := p.tracer.Start(ctx, "modelpool.invoke",
		trace.WithAttributes(
			attribute.String("role", string(role)),
			attribute.String("product_type", string(productType)),
		))
	defer span.End()

	attempts := 0
	var lastErr error
	for _, desc := range candidates {
		if attempts >= p.maxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		attempts++

		resp, outcome, err := p.attempt(ctx, sessionID, desc, req)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempts), attribute.String("backend", desc.BackendID))
			return resp, nil
		}
		lastErr = err
		p.log.Warn("model attempt failed",
			"role", string(role),
			"backend", desc.BackendID,
			"outcome", string(outcome),
			"attempt", attempts,
			"error", err.Error(),
		)
	}

	span.SetAttributes(attribute.Int("attempts", attempts))
	if lastErr != nil {
		return out, fmt.Errorf("role %q after %d attempts: %v: %w", role, attempts, lastErr, pkgerrors.ErrPoolExhausted)
	}
	return out, fmt.Errorf("role %q after %d attempts: %w", role, attempts, pkgerrors.ErrPoolExhausted)
}

func (p *Pool) attempt(ctx context.Context, sessionID uuid.UUID, desc domain.ModelDescriptor, req domain.ModelRequest) (domain.ModelResponse, domain.CallOutcome, error) {
	var out domain.ModelResponse

	client := p.clients[roleBackendKey(desc.Role, desc.BackendID)]
	if client == nil {
		err := fmt.Errorf("backend %q: no client", desc.BackendID)
		p.record(ctx, sessionID, desc, domain.CallError, 0, err, domain.TokenUsage{})
		return out, domain.CallError, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.Complete(attemptCtx, modelapi.Request{
		System:          req.System,
		User:            req.User,
		Images:          req.Images,
		SchemaName:      req.SchemaName,
		Schema:          req.Schema,
		MaxOutputTokens: desc.MaxTokens,
	})
	latency := time.Since(start)

	if err != nil {
		outcome := classifyErr(err)
		p.record(ctx, sessionID, desc, outcome, latency, err, domain.TokenUsage{})
		return out, outcome, err
	}

	if missing := missingFields(req, resp.JSON); len(missing) > 0 {
		err := fmt.Errorf("backend %q: response missing fields %v", desc.BackendID, missing)
		p.record(ctx, sessionID, desc, domain.CallMalformed, latency, err, resp.Usage)
		return out, domain.CallMalformed, err
	}

	p.record(ctx, sessionID, desc, domain.CallOK, latency, nil, resp.Usage)
	if p.recorder != nil && sessionID != uuid.Nil {
		if uerr := p.recorder.AddUsage(ctx, sessionID, resp.Usage); uerr != nil {
			p.log.Warn("session usage update failed", "error", uerr)
		}
	}

	out.Text = resp.Text
	out.JSON = resp.JSON
	out.Usage = resp.Usage
	out.BackendID = desc.BackendID
	return out, domain.CallOK, nil
}

func (p *Pool) record(ctx context.Context, sessionID uuid.UUID, desc domain.ModelDescriptor, outcome domain.CallOutcome, latency time.Duration, err error, usage domain.TokenUsage) {
	if p.recorder == nil {
		return
	}
	row := &domain.ModelCallLog{
		Role:      string(desc.Role),
		BackendID: desc.BackendID,
		Outcome:   string(outcome),
		LatencyMS: latency.Milliseconds(),
	}
	if sessionID != uuid.Nil {
		sid := sessionID
		row.SessionID = &sid
	}
	if err != nil {
		row.Error = err.Error()
	}
	if usage != (domain.TokenUsage{}) {
		if raw, merr := json.Marshal(usage); merr == nil {
			row.Usage = datatypes.JSON(raw)
		}
	}
	if rerr := p.recorder.Record(ctx, row); rerr != nil {
		p.log.Warn("attempt record failed", "error", rerr)
	}
}

func classifyErr(err error) domain.CallOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.CallTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.CallTimeout
	}
	if errors.Is(err, modelapi.ErrMalformed) {
		return domain.CallMalformed
	}
	return domain.CallError
}

func missingFields(req domain.ModelRequest, obj map[string]any) []string {
	if req.Schema == nil || len(req.Required) == 0 {
		return nil
	}
	var missing []string
	for _, field := range req.Required {
		if obj == nil {
			missing = append(missing, field)
			continue
		}
		if _, ok := obj[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}
