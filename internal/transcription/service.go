package transcription

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"sessionscribe/internal/retry"
	"sessionscribe/internal/upstream/openai"
)

type Client interface {
	Transcribe(ctx context.Context, audio io.Reader, mimeType, model string) (string, error)
}

type Option func(*Service)

// WithRetryPolicy overrides the default upstream retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithRetryObserver registers a callback invoked once per retry.
func WithRetryObserver(fn func()) Option {
	return func(s *Service) { s.onRetry = fn }
}

type Service struct {
	client  Client
	model   string
	timeout time.Duration
	policy  retry.Policy
	onRetry func()
}

func New(client Client, model string, timeout time.Duration, opts ...Option) *Service {
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

// Transcribe sends the audio to the upstream model under the retry policy.
// Each attempt gets its own timeout; only transient upstream failures retry.
func (s *Service) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	policy := s.policy
	if s.onRetry != nil {
		policy.OnRetry = func(int, error) { s.onRetry() }
	}

	var text string
	err := retry.Do(ctx, policy, openai.IsTransient, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		result, err := s.client.Transcribe(attemptCtx, bytes.NewReader(audio), mimeType, s.model)
		if err != nil {
			return err
		}
		text = result
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
