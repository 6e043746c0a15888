package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config configures the inference client.
type Config struct {
	// APIKey authorizes requests. Empty is a valid state: every call
	// short-circuits to empty results without touching the network.
	APIKey string `json:"-" yaml:"api_key"`

	// Endpoint is the service base URL (default: https://api.openai.com).
	// Any server speaking the OpenAI Responses API format works.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Model to invoke (default: "gpt-5").
	Model string `json:"model" yaml:"model"`

	// Timeout bounds each inference call (default: 120s). A timed-out
	// call degrades like any other client failure.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Logger for debug/warn messages.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.Endpoint == "" {
		c.Endpoint = "https://api.openai.com"
	}
	if c.Model == "" {
		c.Model = "gpt-5"
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client invokes the vision-language service over the OpenAI Responses API
// wire format.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates an inference client. The client is injected into the
// pipeline rather than held as package state so tests can substitute a
// fake backend.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.cfg.APIKey != "" }

// Analyze sends the composed prompt and the snapshot PNG as one multimodal
// request and parses the body as {summary, items}. A body that is not
// valid JSON degrades to {summary: <raw text>, items: []}. Without an API
// key it returns an empty Analysis and makes no network call.
func (c *Client) Analyze(ctx context.Context, prompt string, png []byte) (Analysis, error) {
	empty := Analysis{Items: []RegionItem{}}
	if !c.Configured() {
		c.cfg.Logger.Debug("vision: no API key configured, skipping analysis")
		return empty, nil
	}
	if len(png) == 0 {
		return empty, nil
	}

	imageURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	req := responsesRequest{
		Model: c.cfg.Model,
		Input: []inputMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "input_text", Text: prompt},
				{Type: "input_image", Detail: "auto", ImageURL: imageURL},
			},
		}},
	}

	text, err := c.call(ctx, req)
	if err != nil {
		return empty, fmt.Errorf("vision: analyze: %w", err)
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(stripFences(text)), &analysis); err != nil {
		c.cfg.Logger.Warn("vision: analysis body is not valid JSON, keeping raw text as summary", "error", err)
		return Analysis{Summary: text, Items: []RegionItem{}}, nil
	}
	if analysis.Items == nil {
		analysis.Items = []RegionItem{}
	}
	return analysis, nil
}

// Suggest sends the analysis with the fixed interaction taxonomy and a
// strict output schema. A body that does not decode as the schema
// invalidates the whole batch: ErrBadInteractionBatch is returned and the
// caller chooses the degrade-to-empty policy. Without an API key it
// returns an empty batch and makes no network call.
func (c *Client) Suggest(ctx context.Context, analysis Analysis) ([]Interaction, error) {
	if !c.Configured() {
		c.cfg.Logger.Debug("vision: no API key configured, skipping interactions")
		return []Interaction{}, nil
	}

	analysisJSON, err := json.Marshal(analysis)
	if err != nil {
		return []Interaction{}, fmt.Errorf("vision: marshal analysis: %w", err)
	}

	req := responsesRequest{
		Model:        c.cfg.Model,
		Instructions: interactionInstructions(),
		Input: []inputMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "input_text", Text: string(analysisJSON) + "\n\nYour answer must be in json."},
			},
		}},
		Text: &textFormat{Format: formatSpec{
			Type:   "json_schema",
			Name:   "interactions_format",
			Schema: interactionsSchema(),
		}},
	}

	text, err := c.call(ctx, req)
	if err != nil {
		return []Interaction{}, fmt.Errorf("vision: suggest: %w", err)
	}

	var result struct {
		Interactions []Interaction `json:"interactions"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &result); err != nil {
		return []Interaction{}, fmt.Errorf("%w: %w", ErrBadInteractionBatch, err)
	}
	if result.Interactions == nil {
		result.Interactions = []Interaction{}
	}
	return result.Interactions, nil
}

// interactionInstructions enumerates the taxonomy for the suggestion stage.
func interactionInstructions() string {
	var b strings.Builder
	b.WriteString("You are a study assistant. You are given the textual description of a whiteboard, ")
	b.WriteString("which includes the items drawn on it and their bounding boxes. Your task is to evaluate the ")
	b.WriteString("contents and identify potential interactions to show the user. Interactions can be of types:\n")
	descriptions := map[string]string{
		"draw_graph": "suggest drawing a graph based on data present or near a function definition",
		"calculate":  "suggest performing a calculation based on numbers or formulas present",
		"define":     "suggest defining a term or concept mentioned",
		"summarize":  "suggest summarizing a section of text or a concept explained",
		"translate":  "suggest translating text if multiple languages are detected",
		"hint":       "suggest providing a hint for a problem or question posed",
		"feedback":   "suggest giving feedback on some content, for example an equation step that needs correction",
	}
	for _, t := range InteractionTypes {
		fmt.Fprintf(&b, "- '%s': %s\n", t, descriptions[t])
	}
	b.WriteString("\nFor each interaction, provide the type, a brief label, and the bounding box [x1,y1,x2,y2]. ")
	b.WriteString("You should use the bounding boxes provided in the analysis to anchor your interactions. ")
	b.WriteString("Return a JSON with an array 'interactions'")
	return b.String()
}

// interactionsSchema is the strict output schema for the suggestion stage:
// no additional properties, bbox exactly 4 integers.
func interactionsSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"interactions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type":  map[string]any{"type": "string"},
						"label": map[string]any{"type": "string"},
						"bbox": map[string]any{
							"type":     "array",
							"items":    map[string]any{"type": "integer"},
							"minItems": 4,
							"maxItems": 4,
						},
					},
					"additionalProperties": false,
					"required":             []string{"type", "label", "bbox"},
				},
			},
		},
		"additionalProperties": false,
		"required":             []string{"interactions"},
	}
}

// Wire types for the Responses API.

type responsesRequest struct {
	Model        string         `json:"model"`
	Instructions string         `json:"instructions,omitempty"`
	Input        []inputMessage `json:"input"`
	Text         *textFormat    `json:"text,omitempty"`
}

type inputMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Detail   string `json:"detail,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type textFormat struct {
	Format formatSpec `json:"format"`
}

type formatSpec struct {
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

// call POSTs one Responses API request and returns the concatenated output
// text.
func (c *Client) call(ctx context.Context, reqBody responsesRequest) (string, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/v1/responses"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, string(respBody))
	}

	var result responsesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	var b strings.Builder
	for _, out := range result.Output {
		if out.Type != "message" {
			continue
		}
		for _, part := range out.Content {
			if part.Type == "output_text" {
				b.WriteString(part.Text)
			}
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("no output text from %s", url)
	}
	return b.String(), nil
}

// stripFences removes a markdown code fence wrapper if the model added one
// despite the JSON-only instruction.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
