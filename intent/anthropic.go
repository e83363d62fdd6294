package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-3-5-haiku-latest"

var errAPIKeyRequired = errors.New("intent: anthropic API key required")

const classifyPromptTemplate = `You route messages for a property acquisition assistant.
Pick exactly one label for the user's message:
  create_case  - start tracking a new property deal
  list_cases   - see existing deals
  delete_case  - remove a deal
  switch_case  - move to a different existing deal
  none         - anything else
{{if .Hints}}
Conversation context:
{{range .Hints}}  {{.}}
{{end}}{{end}}
Message: {{.Text}}

Respond ONLY with a JSON object: {"label": "<label>", "confidence": <0.0-1.0>}`

var classifyPrompt = template.Must(template.New("classify").Parse(classifyPromptTemplate))

// AnthropicClassifier is a Tier 2 Classifier backed by the Messages API.
type AnthropicClassifier struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClassifier builds a classifier. Extra request options are
// appended after the API key, so callers can point it at a test server.
func NewAnthropicClassifier(apiKey, model string, opts ...option.RequestOption) (*AnthropicClassifier, error) {
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	if model == "" {
		model = DefaultModel
	}
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicClassifier{
		client: anthropic.NewClient(all...),
		model:  anthropic.Model(model),
	}, nil
}

func (a *AnthropicClassifier) Classify(ctx context.Context, text string, hints map[string]string) (Classification, error) {
	prompt, err := renderPrompt(text, hints)
	if err != nil {
		return Classification{}, err
	}
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 64,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Classification{}, fmt.Errorf("intent: classify: %w", err)
	}
	if len(message.Content) == 0 || message.Content[0].Type != "text" {
		return Classification{}, errors.New("intent: classify: unexpected response format")
	}
	return parseClassification(message.Content[0].Text)
}

func renderPrompt(text string, hints map[string]string) (string, error) {
	keys := make([]string, 0, len(hints))
	for k := range hints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+hints[k])
	}

	var buf bytes.Buffer
	if err := classifyPrompt.Execute(&buf, struct {
		Text  string
		Hints []string
	}{Text: text, Hints: lines}); err != nil {
		return "", fmt.Errorf("intent: render prompt: %w", err)
	}
	return buf.String(), nil
}

// parseClassification extracts the JSON object from a model reply, tolerating
// surrounding prose or code fences.
func parseClassification(reply string) (Classification, error) {
	start, end := strings.Index(reply, "{"), strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return Classification{}, fmt.Errorf("intent: no JSON object in reply %q", reply)
	}
	var raw struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return Classification{}, fmt.Errorf("intent: decode reply: %w", err)
	}
	label, err := ParseLabel(raw.Label)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %q", err, raw.Label)
	}
	conf := raw.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return Classification{Label: label, Confidence: conf}, nil
}
