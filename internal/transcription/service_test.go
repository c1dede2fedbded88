package transcription

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"sessionscribe/internal/retry"
	"sessionscribe/internal/upstream/openai"
)

type fakeClient struct {
	errs  []error
	text  string
	calls int
	mime  string
	body  string
}

func (f *fakeClient) Transcribe(_ context.Context, audio io.Reader, mimeType, _ string) (string, error) {
	f.calls++
	body, _ := io.ReadAll(audio)
	f.body = string(body)
	f.mime = mimeType
	if f.calls <= len(f.errs) {
		return "", f.errs[f.calls-1]
	}
	return f.text, nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 4, BaseDelay: time.Millisecond}
}

func TestTranscribeRetriesTransientThenSucceeds(t *testing.T) {
	transient := &openai.Error{StatusCode: http.StatusServiceUnavailable}
	client := &fakeClient{
		errs: []error{transient, transient, transient},
		text: "  hello world  ",
	}
	retries := 0
	svc := New(client, "whisper-large-v3", time.Second,
		WithRetryPolicy(fastPolicy()),
		WithRetryObserver(func() { retries++ }))

	text, err := svc.Transcribe(context.Background(), []byte("audio"), "audio/wav")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected text: %q", text)
	}
	if client.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", client.calls)
	}
	if retries != 3 {
		t.Fatalf("expected 3 retries observed, got %d", retries)
	}
	if client.body != "audio" {
		t.Fatalf("audio must be re-readable per attempt, got body %q", client.body)
	}
	if client.mime != "audio/wav" {
		t.Fatalf("unexpected mime: %q", client.mime)
	}
}

func TestTranscribeDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := &openai.Error{StatusCode: http.StatusBadRequest}
	client := &fakeClient{errs: []error{permanent, permanent, permanent, permanent}}
	svc := New(client, "whisper-large-v3", time.Second, WithRetryPolicy(fastPolicy()))

	_, err := svc.Transcribe(context.Background(), []byte("audio"), "audio/wav")
	var upErr *openai.Error
	if !errors.As(err, &upErr) || upErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected permanent upstream error, got %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("permanent errors must not retry, got %d calls", client.calls)
	}
}

func TestTranscribeSurfacesLastErrorAfterExhaustion(t *testing.T) {
	transient := &openai.Error{StatusCode: http.StatusTooManyRequests}
	client := &fakeClient{errs: []error{transient, transient, transient, transient}}
	svc := New(client, "whisper-large-v3", time.Second, WithRetryPolicy(fastPolicy()))

	_, err := svc.Transcribe(context.Background(), []byte("audio"), "audio/wav")
	var upErr *openai.Error
	if !errors.As(err, &upErr) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if client.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", client.calls)
	}
}

func TestTranscribeMissingKeyFailsFast(t *testing.T) {
	client := &fakeClient{errs: []error{openai.ErrMissingAPIKey}}
	svc := New(client, "whisper-large-v3", time.Second, WithRetryPolicy(fastPolicy()))

	_, err := svc.Transcribe(context.Background(), []byte("audio"), "audio/wav")
	if !errors.Is(err, openai.ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("configuration errors must not retry, got %d calls", client.calls)
	}
}
