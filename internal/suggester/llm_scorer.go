package suggester

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/logrepair/core/internal/record"
)

// ErrAPIKeyRequired is returned when an API key is needed but not provided,
// matching the teacher's compact.ErrAPIKeyRequired.
var ErrAPIKeyRequired = errors.New("API key required")

const (
	defaultModel   = "claude-3-5-haiku-20241022"
	maxRetries     = 3
	initialBackoff = 1 * time.Second
)

// LLMScorer is an alternative TextScorer that asks a Claude model to judge
// semantic similarity between two records' content, in place of the
// default Levenshtein measure. It is the "embedding cosine" / semantic
// alternative spec.md §4.9 says the scoring function may swap in, grounded
// on the teacher's internal/compact.HaikuClient retry-with-backoff shape.
type LLMScorer struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

// NewLLMScorer creates an LLMScorer. Env var ANTHROPIC_API_KEY takes
// precedence over explicit apiKey, matching compact.NewHaikuClient.
func NewLLMScorer(apiKey string) (*LLMScorer, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY environment variable or provide via config", ErrAPIKeyRequired)
	}
	return &LLMScorer{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          defaultModel,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// Similarity implements TextScorer by asking the model to output a single
// similarity score in [0,1], deterministic at temperature 0.
func (s *LLMScorer) Similarity(ctx context.Context, a, b *record.Record) (float64, error) {
	ta, tb := contentText(a), contentText(b)
	if ta == "" && tb == "" {
		return 0, nil
	}

	prompt := fmt.Sprintf(
		"Rate the topical similarity of these two conversation snippets on a scale from 0.00 to 1.00. Respond with only the number.\n\nSnippet A:\n%s\n\nSnippet B:\n%s",
		ta, tb,
	)

	resp, err := s.callWithRetry(ctx, prompt)
	if err != nil {
		return 0, err
	}
	return clamp01(parseScore(resp)), nil
}

func (s *LLMScorer) callWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	params := anthropic.MessageNewParams{
		Model:       s.model,
		MaxTokens:   16,
		Temperature: anthropic.Float(0),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := s.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) > 0 && message.Content[0].Type == "text" {
				return message.Content[0].Text, nil
			}
			return "", fmt.Errorf("unexpected response format")
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}
	return "", fmt.Errorf("failed after %d attempts: %w", s.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func parseScore(s string) float64 {
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
