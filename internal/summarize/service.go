package summarize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sessionscribe/internal/retry"
	"sessionscribe/internal/upstream/openai"
)

const DefaultSystemPrompt = `You are a note-taking assistant. You receive the full transcript of a recorded voice session and return a concise summary.

Your job:
- Capture the main topics, decisions, and action items mentioned in the transcript.
- Keep the summary short: a few sentences, or a short bullet list for longer sessions.
- Preserve names, numbers, and dates exactly as spoken.

Output rules:
- Return ONLY the summary text, nothing else.
- Do not add information that is not in the transcript.
- If the transcript contains no substantive content, return exactly: EMPTY`

type ChatClient interface {
	ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (string, error)
}

type Option func(*Service)

// WithRetryPolicy overrides the default upstream retry policy. Summarization
// retries under the same policy as transcription.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

type Service struct {
	client  ChatClient
	model   string
	timeout time.Duration
	policy  retry.Policy
}

func New(client ChatClient, model string, timeout time.Duration, opts ...Option) *Service {
	s := &Service{
		client:  client,
		model:   strings.TrimSpace(model),
		timeout: timeout,
		policy:  retry.Default,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Summarize produces a summary of the full transcript text.
func (s *Service) Summarize(ctx context.Context, transcript string) (string, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", fmt.Errorf("transcript is empty")
	}

	userMessage := fmt.Sprintf(`Instructions: Summarize TRANSCRIPT and return only the summary text without surrounding quotes.

TRANSCRIPT: %q`, transcript)

	var content string
	err := retry.Do(ctx, s.policy, openai.IsTransient, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		result, err := s.client.ChatCompletion(attemptCtx, openai.ChatCompletionRequest{
			Model:       s.model,
			Temperature: 0.2,
			Messages: []openai.ChatMessage{
				{Role: "system", Content: DefaultSystemPrompt},
				{Role: "user", Content: userMessage},
			},
		})
		if err != nil {
			return err
		}
		content = result
		return nil
	})
	if err != nil {
		return "", err
	}

	summary := sanitizeSummary(content)
	if summary == "" {
		return "", fmt.Errorf("upstream returned an empty summary")
	}
	return summary, nil
}

func sanitizeSummary(value string) string {
	result := strings.TrimSpace(value)
	if result == "" {
		return ""
	}
	if strings.HasPrefix(result, "\"") && strings.HasSuffix(result, "\"") && len(result) > 1 {
		result = strings.TrimSpace(strings.TrimPrefix(strings.TrimSuffix(result, "\""), "\""))
	}
	if result == "EMPTY" {
		return ""
	}
	return result
}
