package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel   = "gpt-4o-mini"
	callTimeout    = 60 * time.Second
	maxAttempts    = 3
	initialBackoff = time.Second

	// Dependent content beyond this is truncated before prompting; the
	// verdict for a huge file is review-bound anyway once a patch can't
	// be trusted.
	maxContentBytes = 48 * 1024
)

const systemPrompt = `You are a dependency reconciliation analyzer. Given a diff of an upstream file and the current content of a file that depends on it, judge whether the dependent must change.

Respond with a single JSON object:
{
  "needsUpdate": bool,
  "category": "documentation" | "implementation" | "interface" | "breaking",
  "confidence": number between 0 and 1,
  "contradictions": [list of statements in the dependent that the diff contradicts],
  "reasoning": "one or two sentences",
  "proposedPatch": "patch in diff-match-patch patch text format, or empty",
  "classification": "SAFE_AUTO_APPLY" | "REVIEW_RECOMMENDED" | "REVIEW_REQUIRED" | "NO_ACTION"
}`

// OpenAIAnalyzer implements Analyzer against the OpenAI chat API.
type OpenAIAnalyzer struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

// NewOpenAIAnalyzer builds an analyzer from the environment. The API key is
// read from KNIT_OPENAI_API_KEY, falling back to OPENAI_API_KEY; the model
// from KNIT_MODEL.
func NewOpenAIAnalyzer() (*OpenAIAnalyzer, error) {
	apiKey := os.Getenv("KNIT_OPENAI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key: set KNIT_OPENAI_API_KEY or OPENAI_API_KEY")
	}

	model := os.Getenv("KNIT_MODEL")
	if model == "" {
		model = defaultModel
	}

	return &OpenAIAnalyzer{
		client: openai.NewClient(apiKey),
		model:  model,
		log:    slog.Default().With("component", "analyzer"),
	}, nil
}

// Analyze sends one pair to the model. Each attempt gets its own timeout;
// transient failures are retried with doubling backoff. Context
// cancellation is never retried.
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, req Request) (*Verdict, error) {
	prompt := buildPrompt(req)

	var lastErr error
	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		verdict, err := a.call(callCtx, prompt)
		cancel()

		if err == nil {
			return verdict, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		a.log.Warn("analyzer call failed", "attempt", attempt, "error", err)
		if attempt < maxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("analyzer failed after %d attempts: %w", maxAttempts, lastErr)
}

func (a *OpenAIAnalyzer) call(ctx context.Context, prompt string) (*Verdict, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("model returned no choices")
	}

	return ParseVerdict([]byte(resp.Choices[0].Message.Content))
}

func buildPrompt(req Request) string {
	content := req.DependentContent
	if len(content) > maxContentBytes {
		content = content[:maxContentBytes] + "\n[truncated]"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Upstream file: %s\n", req.ChangedFile)
	fmt.Fprintf(&sb, "Dependent file: %s\n", req.DependentFile)
	if req.RelationshipHint != "" {
		fmt.Fprintf(&sb, "Relationship: %s\n", req.RelationshipHint)
	}
	fmt.Fprintf(&sb, "\nDiff of the upstream file:\n%s\n", req.Diff)
	fmt.Fprintf(&sb, "\nCurrent content of the dependent file:\n%s\n", content)
	return sb.String()
}

// ParseVerdict decodes a verdict JSON object, normalizing untrusted fields:
// confidence is clamped to [0,1] and unknown categories become
// "implementation" so the category guard errs toward review defaults.
func ParseVerdict(data []byte) (*Verdict, error) {
	var v Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding verdict: %w", err)
	}

	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}

	switch v.Category {
	case CategoryDocumentation, CategoryImplementation, CategoryInterface, CategoryBreaking:
	default:
		v.Category = CategoryImplementation
	}

	if v.Contradictions == nil {
		v.Contradictions = []string{}
	}

	return &v, nil
}
