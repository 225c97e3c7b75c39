// Package openaivlm adapts an OpenAI-compatible vision-language endpoint
// (vLLM and friends) into a visual cue provider. The model is asked for a
// bare JSON cue object; responses wrapped in markdown fences or preamble
// text are unwrapped before validation.
package openaivlm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tiger/handwash-assess/api/cues"
	"github.com/tiger/handwash-assess/internal/observability/telemetry"
	"github.com/tiger/handwash-assess/internal/sensing/contracts"
	"github.com/tiger/handwash-assess/providers/common/httpadapter"
)

const defaultPrompt = `Return ONLY JSON, no explanation: ` +
	`{"hands_visible":0-1,"hands_under_water":0-1,` +
	`"hands_on_soap":0-1,"foam_visible":0-1,` +
	`"towel_drying":0-1,"hands_touch_clothes":0-1,` +
	`"blower_visible":0-1}. ` +
	`hands_on_soap: hands touching or right next to soap, not just soap visible. ` +
	`hands_touch_clothes: hands rubbing or wiping against clothes worn on the person body.`

// Unrecognized or unparsable responses fall back to this per-cue value:
// neutral enough to neither trigger nor suppress transitions.
const neutralConfidence = 0.5

// cueSchema accepts a JSON object whose known cue fields are numbers.
// Range is clamped after validation rather than rejected, matching how
// lenient the models are with the 0-1 instruction.
const cueSchema = `{
	"type": "object",
	"properties": {
		"hands_visible": {"type": "number"},
		"hands_under_water": {"type": "number"},
		"hands_on_soap": {"type": "number"},
		"foam_visible": {"type": "number"},
		"towel_drying": {"type": "number"},
		"hands_touch_clothes": {"type": "number"},
		"blower_visible": {"type": "number"}
	}
}`

var (
	fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	bareJSONPattern   = regexp.MustCompile(`\{[^{}]*\}`)
)

// Config controls one VLM endpoint adapter.
type Config struct {
	Name      string
	BaseURL   string
	Model     string        // fallback when /models resolution fails
	MaxTokens int           // default 80
	Timeout   time.Duration // default 15s
	APIKey    string
	Client    httpadapter.Doer
}

// Adapter implements contracts.Provider against one endpoint.
type Adapter struct {
	cfg    Config
	client *httpadapter.Client
	schema *jsonschema.Schema

	mu            sync.Mutex
	model         string
	modelResolved bool
}

// New validates the config and returns a ready adapter.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if cfg.Model == "" {
		cfg.Model = "qwen3vl"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 80
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client, err := httpadapter.New(httpadapter.Config{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		APIKey:  cfg.APIKey,
		Client:  cfg.Client,
	})
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("cues.schema.json", strings.NewReader(cueSchema)); err != nil {
		return nil, fmt.Errorf("add cue schema: %w", err)
	}
	schema, err := compiler.Compile("cues.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile cue schema: %w", err)
	}
	return &Adapter{cfg: cfg, client: client, schema: schema}, nil
}

func (a *Adapter) ProviderID() string { return a.cfg.Name }

func (a *Adapter) Modality() contracts.Modality { return contracts.ModalityVisual }

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Classify sends one JPEG frame through the chat completions API and
// parses the returned cue object. Transport failures surface as errors;
// unparsable model output degrades to neutral cues instead, since the
// endpoint itself is healthy.
func (a *Adapter) Classify(payload contracts.Payload) (cues.Map, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if payload.Modality != contracts.ModalityVisual {
		return nil, fmt.Errorf("provider %s: unsupported modality %s", a.cfg.Name, payload.Modality)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()

	req := chatRequest{
		Model: a.resolveModel(ctx),
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "image_url", ImageURL: &imageURL{
					URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(payload.Data),
				}},
				{Type: "text", Text: defaultPrompt},
			},
		}},
		MaxTokens: a.cfg.MaxTokens,
	}

	var resp chatResponse
	if err := a.client.PostJSON(ctx, "/chat/completions", req, &resp); err != nil {
		return nil, fmt.Errorf("provider %s: %w", a.cfg.Name, err)
	}
	if len(resp.Choices) == 0 {
		return a.neutralCues("empty_choices"), nil
	}
	parsed, err := a.parseResponse(resp.Choices[0].Message.Content)
	if err != nil {
		return a.neutralCues(err.Error()), nil
	}
	return parsed, nil
}

// Health reports whether the endpoint is reachable and serving a model.
func (a *Adapter) Health(ctx context.Context) error {
	var resp modelsResponse
	if err := a.client.GetJSON(ctx, "/models", &resp); err != nil {
		return fmt.Errorf("provider %s: %w", a.cfg.Name, err)
	}
	if len(resp.Data) == 0 {
		return fmt.Errorf("provider %s: no models served", a.cfg.Name)
	}
	a.mu.Lock()
	a.model = resp.Data[0].ID
	a.modelResolved = true
	a.mu.Unlock()
	return nil
}

// resolveModel queries /models once to learn the served model name and
// caches it; the configured fallback is used when resolution fails.
func (a *Adapter) resolveModel(ctx context.Context) string {
	a.mu.Lock()
	if a.modelResolved {
		model := a.model
		a.mu.Unlock()
		return model
	}
	a.mu.Unlock()

	var resp modelsResponse
	if err := a.client.GetJSON(ctx, "/models", &resp); err == nil && len(resp.Data) > 0 {
		a.mu.Lock()
		a.model = resp.Data[0].ID
		a.modelResolved = true
		a.mu.Unlock()
		return resp.Data[0].ID
	}

	a.mu.Lock()
	a.model = a.cfg.Model
	a.modelResolved = true
	a.mu.Unlock()
	return a.cfg.Model
}

func (a *Adapter) parseResponse(text string) (cues.Map, error) {
	raw := text
	if match := fencedJSONPattern.FindStringSubmatch(raw); match != nil {
		raw = match[1]
	} else if match := bareJSONPattern.FindString(raw); match != "" {
		raw = match
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("unparsable_response")
	}
	if err := a.schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("schema_violation")
	}

	out := make(cues.Map, len(cues.VisualKeys))
	for _, key := range cues.VisualKeys {
		value, ok := payload[key].(float64)
		if !ok {
			value = neutralConfidence
		}
		out[key] = cues.Clamp(value)
	}
	return out, nil
}

func (a *Adapter) neutralCues(reason string) cues.Map {
	telemetry.DefaultEmitter().EmitLog(
		"vlm_parse", "warn",
		fmt.Sprintf("degrading to neutral cues: %s", reason),
		nil, telemetry.Correlation{ProviderID: a.cfg.Name, Modality: string(contracts.ModalityVisual)},
	)
	out := make(cues.Map, len(cues.VisualKeys))
	for _, key := range cues.VisualKeys {
		out[key] = neutralConfidence
	}
	return out
}
