package llm_test

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sgopi888/neuroheart-chat-api/pkg/core/errors"
	"github.com/sgopi888/neuroheart-chat-api/pkg/core/llm"
	"github.com/sgopi888/neuroheart-chat-api/pkg/core/message"
)

func TestNewOpenAI_RequiresAPIKey(t *testing.T) {
	_, err := llm.NewOpenAI()
	if !stderrors.Is(err, errors.ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestOpenAI_TimeoutAborts(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"late"}}]}`))
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()

	client, err := llm.NewOpenAI(
		llm.WithAPIKey("test-key"),
		llm.WithBaseURL(ts.URL+"/v1"),
		llm.WithTimeout(100*time.Millisecond),
		llm.WithMaxRetries(1),
		llm.WithRetryDelay(time.Millisecond),
	)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer client.Close()

	start := time.Now()
	_, err = client.Generate(context.Background(), llm.Request{
		Messages: []message.Message{message.NewUserMessage("hello")},
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed > 2*time.Second {
		t.Errorf("request was not bounded by the configured timeout, took %v", elapsed)
	}
}
