package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	llmDefaultBaseURL    = "https://api.anthropic.com"
	llmDefaultAPIVersion = "2023-06-01"
	llmDefaultModel      = "claude-sonnet-4-20250514"
	llmDefaultMaxTokens  = 8192
)

// LLMProvider is the HTTP model backend for dependency inference, task
// decomposition, and instruction generation. Responses are markdown with a
// fenced json payload, decoded by the shared parser.
type LLMProvider struct {
	baseURL    string
	apiKey     string
	apiVersion string
	model      string
	httpClient *http.Client
}

// LLMOption configures the provider.
type LLMOption func(*LLMProvider)

// WithBaseURL points the provider at a different API host.
func WithBaseURL(url string) LLMOption {
	return func(p *LLMProvider) { p.baseURL = url }
}

// WithModel overrides the default model.
func WithModel(model string) LLMOption {
	return func(p *LLMProvider) { p.model = model }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) LLMOption {
	return func(p *LLMProvider) { p.httpClient = client }
}

// NewLLMProvider creates a model backend.
func NewLLMProvider(apiKey string, opts ...LLMOption) *LLMProvider {
	p := &LLMProvider{
		baseURL:    llmDefaultBaseURL,
		apiKey:     apiKey,
		apiVersion: llmDefaultAPIVersion,
		model:      llmDefaultModel,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewLLMProviderFromEnv creates a provider using the ANTHROPIC_API_KEY
// environment variable.
func NewLLMProviderFromEnv(opts ...LLMOption) (*LLMProvider, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable not set")
	}
	return NewLLMProvider(apiKey, opts...), nil
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []llmMessage `json:"messages"`
}

type llmResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func (r *llmResponse) text() string {
	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// complete sends one prompt and returns the response text.
func (p *LLMProvider) complete(ctx context.Context, system, prompt string) (string, error) {
	body, err := json.Marshal(llmRequest{
		Model:     p.model,
		MaxTokens: llmDefaultMaxTokens,
		System:    system,
		Messages:  []llmMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.apiVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, respBody)
	}

	var parsed llmResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	return parsed.text(), nil
}

const inferSystem = `You analyze pairs of software tasks and decide whether one must finish before the other can start. Answer with a fenced json code block containing an array of objects with fields first_id, second_id, direction ("1->2" when task 1 depends on task 2, "2->1" for the reverse, "none" otherwise), confidence (0..1), reasoning.`

// InferDependencies implements AIProvider.
func (p *LLMProvider) InferDependencies(ctx context.Context, pairs []DependencyPair) ([]InferenceResult, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	var sb strings.Builder
	sb.WriteString("Judge the dependency direction for each pair.\n\n")
	for i, pair := range pairs {
		fmt.Fprintf(&sb, "Pair %d:\n  Task 1 (%s): %s\n    %s\n  Task 2 (%s): %s\n    %s\n\n",
			i+1, pair.FirstID, pair.FirstName, pair.FirstDescription,
			pair.SecondID, pair.SecondName, pair.SecondDescription)
	}
	text, err := p.complete(ctx, inferSystem, sb.String())
	if err != nil {
		return nil, err
	}
	return ParseInferences(text)
}

const decomposeSystem = `You break a software task into 3-8 ordered subtasks. Answer with a fenced json code block: {"subtasks": [{"name", "description", "order", "estimated_hours", "provides", "requires", "file_artifacts", "dependencies"}], "conventions": "shared naming and interface conventions"}. dependencies lists zero-based indices of earlier subtasks.`

// Decompose implements AIProvider.
func (p *LLMProvider) Decompose(ctx context.Context, taskName, taskDescription string, estimatedHours float64) (Decomposition, error) {
	prompt := fmt.Sprintf("Task: %s\nEstimated hours: %.1f\n\n%s", taskName, estimatedHours, taskDescription)
	text, err := p.complete(ctx, decomposeSystem, prompt)
	if err != nil {
		return Decomposition{}, err
	}
	return ParseDecomposition(text)
}

const instructionsSystem = `You write concise working instructions for an autonomous coding agent picking up a task. Plain markdown, no json.`

// GenerateInstructions implements AIProvider.
func (p *LLMProvider) GenerateInstructions(ctx context.Context, taskName, taskDescription string, siblingNotes []string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n\n%s\n", taskName, taskDescription)
	if len(siblingNotes) > 0 {
		sb.WriteString("\nRelated work in flight:\n")
		for _, note := range siblingNotes {
			sb.WriteString("- " + note + "\n")
		}
	}
	return p.complete(ctx, instructionsSystem, sb.String())
}
