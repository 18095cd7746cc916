package modelapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pagesmith/pagesmith-backend/internal/domain"
	"github.com/pagesmith/pagesmith-backend/internal/platform/logger"
)

// Client is the transport to one concrete backend endpoint. The pool owns
// candidate selection and fallback; a Client only speaks to its backend.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

type Request struct {
	System string
	User   string
	Images []domain.ImageInput

	// When Schema is set the backend is asked for strict structured output
	// and the response text must parse as a JSON object.
	SchemaName string
	Schema     map[string]any

	MaxOutputTokens int
}

type Response struct {
	Text  string
	JSON  map[string]any
	Usage domain.TokenUsage
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend http %d: %s", e.StatusCode, e.Body)
}

// ErrMalformed marks a response that arrived but did not carry usable output.
var ErrMalformed = errors.New("malformed backend response")

type httpClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// New builds a client for one model descriptor. The API key comes from
// MODEL_API_KEY_<BACKEND_ID> when set, else MODEL_API_KEY.
func New(log *logger.Logger, desc domain.ModelDescriptor, timeout time.Duration) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(desc.Endpoint), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("backend %q: endpoint required", desc.BackendID)
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	key := strings.TrimSpace(os.Getenv("MODEL_API_KEY_" + strings.ToUpper(strings.ReplaceAll(desc.BackendID, "-", "_"))))
	if key == "" {
		key = strings.TrimSpace(os.Getenv("MODEL_API_KEY"))
	}
	model := strings.TrimSpace(desc.Model)
	if model == "" {
		model = desc.BackendID
	}
	return &httpClient{
		log:        log.With("service", "ModelAPIClient", "backend", desc.BackendID),
		baseURL:    baseURL,
		apiKey:     key,
		model:      model,
		maxTokens:  desc.MaxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type responsesRequest struct {
	Model string `json:"model"`

	Input []struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	} `json:"input"`

	Text struct {
		Format map[string]any `json:"format,omitempty"`
	} `json:"text,omitempty"`

	MaxOutputTokens int `json:"max_output_tokens,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
	Refusal string `json:"refusal,omitempty"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

func (c *httpClient) Complete(ctx context.Context, req Request) (Response, error) {
	var out Response

	userContent := any(req.User)
	if len(req.Images) > 0 {
		content := make([]map[string]any, 0, 1+len(req.Images))
		content = append(content, map[string]any{"type": "input_text", "text": req.User})
		for _, img := range req.Images {
			u := strings.TrimSpace(img.ImageURL)
			if u == "" {
				continue
			}
			item := map[string]any{"type": "input_image", "image_url": u}
			if strings.TrimSpace(img.Detail) != "" {
				item["detail"] = strings.TrimSpace(img.Detail)
			}
			content = append(content, item)
		}
		userContent = content
	}

	body := responsesRequest{Model: c.model}
	body.Input = []struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}{
		{Role: "system", Content: req.System},
		{Role: "user", Content: userContent},
	}
	if req.Schema != nil {
		body.Text.Format = map[string]any{
			"type":   "json_schema",
			"name":   req.SchemaName,
			"schema": req.Schema,
			"strict": true,
		}
	}
	maxOut := req.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = c.maxTokens
	}
	if maxOut > 0 {
		body.MaxOutputTokens = maxOut
	}

	var resp responsesResponse
	if err := c.do(ctx, "POST", "/v1/responses", body, &resp); err != nil {
		return out, err
	}
	if resp.Refusal != "" {
		return out, fmt.Errorf("%w: model refused: %s", ErrMalformed, resp.Refusal)
	}

	text := extractOutputText(resp)
	if strings.TrimSpace(text) == "" {
		return out, fmt.Errorf("%w: no output_text", ErrMalformed)
	}
	out.Text = text
	out.Usage = domain.TokenUsage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	if req.Schema != nil {
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			return out, fmt.Errorf("%w: parse structured output: %v", ErrMalformed, err)
		}
		out.JSON = obj
	}
	return out, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if uErr := json.Unmarshal(raw, out); uErr != nil {
		return fmt.Errorf("%w: decode: %v", ErrMalformed, uErr)
	}
	return nil
}

func extractOutputText(resp responsesResponse) string {
	var out strings.Builder
	for _, item := range resp.Output {
		if item.Type == "message" && item.Role == "assistant" {
			for _, c := range item.Content {
				if c.Type == "output_text" && c.Text != "" {
					out.WriteString(c.Text)
				}
			}
		}
	}
	return out.String()
}
