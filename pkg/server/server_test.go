package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sgopi888/neuroheart-chat-api/pkg/chat"
	"github.com/sgopi888/neuroheart-chat-api/pkg/core/llm"
	"github.com/sgopi888/neuroheart-chat-api/pkg/history"
	"github.com/sgopi888/neuroheart-chat-api/pkg/hrv"
	"github.com/sgopi888/neuroheart-chat-api/pkg/prompt"
	"github.com/sgopi888/neuroheart-chat-api/pkg/ratelimit"
	"github.com/sgopi888/neuroheart-chat-api/pkg/server"
)

// stubSummarizer 固定返回空摘要
type stubSummarizer struct{}

func (stubSummarizer) Run(ctx context.Context, userUID, conversationID string) (string, error) {
	return "", nil
}

// stubBiometrics 固定返回空快照
type stubBiometrics struct{}

func (stubBiometrics) Fetch(ctx context.Context, userUID, hrvRange string) hrv.Snapshot {
	return hrv.Snapshot{}
}

// stubRetriever 固定返回空结果
type stubRetriever struct{}

func (stubRetriever) Retrieve(ctx context.Context, queryText, userUID string, topK int) []prompt.Passage {
	return nil
}

// stubProvider 固定回复
type stubProvider struct {
	reply string
}

func (p stubProvider) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{Content: p.reply}, nil
}

func (stubProvider) Name() string  { return "stub" }
func (stubProvider) Model() string { return "stub-model" }
func (stubProvider) Close() error  { return nil }

// testEnv 包含测试服务与底层存储
type testEnv struct {
	server *httptest.Server
	store  *history.Store
}

func newTestEnv(t *testing.T, config server.Config) *testEnv {
	t.Helper()

	store, err := history.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	t.Cleanup(func() { store.Close() })

	promptConfig := prompt.NewConfig(
		prompt.WithTokenCounter(&prompt.EstimatedCounter{CharsPerToken: 4}),
	)
	engine := chat.NewEngine(store, stubSummarizer{}, stubBiometrics{}, stubRetriever{}, stubProvider{reply: "hello there"},
		chat.WithPromptConfig(promptConfig),
	)
	limiter := ratelimit.NewTable(ratelimit.Config{RequestsPerMinute: 20})

	srv := server.New(config, engine, store, limiter)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, store: store}
}

func (e *testEnv) createConversation(t *testing.T, userUID string) string {
	t.Helper()
	conv, err := e.store.CreateConversation(context.Background(), userUID, "")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return conv.ID
}

func postJSON(t *testing.T, url string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("expected JSON body, got %v", err)
	}
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("expected JSON body, got %v", err)
	}
	return resp, decoded
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, server.Config{})

	resp, body := getJSON(t, env.server.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body)
	}
}

func TestChat_HappyPath(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	convID := env.createConversation(t, "user-1")

	resp, body := postJSON(t, env.server.URL+"/v1/chat/", map[string]string{
		"user_uid":        "user-1",
		"conversation_id": convID,
		"message":         "how did I sleep?",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if body["reply"] != "hello there" {
		t.Errorf("expected provider reply, got %v", body["reply"])
	}
	if body["conversation_id"] != convID {
		t.Errorf("expected conversation id echoed, got %v", body["conversation_id"])
	}
	if body["used_context"] != false {
		t.Errorf("expected used_context false with stub sources, got %v", body["used_context"])
	}
	if body["hrv_range"] != "7d" {
		t.Errorf("expected default hrv range, got %v", body["hrv_range"])
	}
}

func TestChat_AppTokenRequired(t *testing.T) {
	env := newTestEnv(t, server.Config{AppToken: "secret"})
	convID := env.createConversation(t, "user-1")

	body := map[string]string{
		"user_uid":        "user-1",
		"conversation_id": convID,
		"message":         "hello",
	}

	resp, decoded := postJSON(t, env.server.URL+"/v1/chat/", body, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", resp.StatusCode)
	}
	if decoded["detail"] != "forbidden" {
		t.Errorf("expected forbidden detail, got %v", decoded)
	}

	resp, _ = postJSON(t, env.server.URL+"/v1/chat/", body, map[string]string{"x-app-token": "wrong"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 with wrong token, got %d", resp.StatusCode)
	}

	resp, _ = postJSON(t, env.server.URL+"/v1/chat/", body, map[string]string{"x-app-token": "secret"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", resp.StatusCode)
	}
}

func TestChat_Validation(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	convID := env.createConversation(t, "user-1")

	tests := []struct {
		name   string
		body   map[string]string
		detail string
	}{
		{
			name:   "missing user",
			body:   map[string]string{"conversation_id": convID, "message": "hi"},
			detail: "missing_fields",
		},
		{
			name:   "missing conversation",
			body:   map[string]string{"user_uid": "user-1", "message": "hi"},
			detail: "missing_fields",
		},
		{
			name:   "whitespace message",
			body:   map[string]string{"user_uid": "user-1", "conversation_id": convID, "message": "   "},
			detail: "missing_fields",
		},
		{
			name: "message too long",
			body: map[string]string{
				"user_uid": "user-1", "conversation_id": convID,
				"message": string(bytes.Repeat([]byte("a"), 4001)),
			},
			detail: "message_too_long",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, decoded := postJSON(t, env.server.URL+"/v1/chat/", tt.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			if decoded["detail"] != tt.detail {
				t.Errorf("expected detail %q, got %v", tt.detail, decoded["detail"])
			}
		})
	}
}

func TestChat_ForeignConversationIs404(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	convID := env.createConversation(t, "owner")

	resp, decoded := postJSON(t, env.server.URL+"/v1/chat/", map[string]string{
		"user_uid":        "intruder",
		"conversation_id": convID,
		"message":         "hello",
	}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if decoded["detail"] != "conversation_not_found" {
		t.Errorf("expected conversation_not_found, got %v", decoded)
	}
}

func TestChat_RateLimited(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	convID := env.createConversation(t, "user-1")

	body := map[string]string{
		"user_uid":        "user-1",
		"conversation_id": convID,
		"message":         "hello",
	}
	var lastStatus int
	var lastBody map[string]interface{}
	for i := 0; i < 21; i++ {
		resp, decoded := postJSON(t, env.server.URL+"/v1/chat/", body, nil)
		lastStatus = resp.StatusCode
		lastBody = decoded
	}
	if lastStatus != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exhausting burst, got %d", lastStatus)
	}
	if lastBody["detail"] != "rate_limited" {
		t.Errorf("expected rate_limited detail, got %v", lastBody)
	}
}

func TestCreateAndListConversations(t *testing.T) {
	env := newTestEnv(t, server.Config{})

	resp, created := postJSON(t, env.server.URL+"/v1/chat/conversations", map[string]string{
		"user_uid": "user-1",
		"title":    "morning check-in",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	convID, _ := created["conversation_id"].(string)
	if convID == "" {
		t.Fatalf("expected conversation_id, got %v", created)
	}

	resp, listed := getJSON(t, env.server.URL+"/v1/chat/conversations?user_uid=user-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	items, _ := listed["conversations"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("expected 1 conversation, got %v", listed)
	}

	// 其他用户看不到
	_, other := getJSON(t, env.server.URL+"/v1/chat/conversations?user_uid=user-2")
	if items, _ := other["conversations"].([]interface{}); len(items) != 0 {
		t.Errorf("expected no conversations for other user, got %v", other)
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, server.Config{})
	convID := env.createConversation(t, "user-1")

	// 一轮对话写入用户消息与助手回复
	resp, _ := postJSON(t, env.server.URL+"/v1/chat/", map[string]string{
		"user_uid":        "user-1",
		"conversation_id": convID,
		"message":         "how did I sleep?",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	url := fmt.Sprintf("%s/v1/chat/history?user_uid=user-1&conversation_id=%s", env.server.URL, convID)
	resp, body := getJSON(t, url)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	msgs, _ := body["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %v", body)
	}
	first, _ := msgs[0].(map[string]interface{})
	if first["role"] != "user" || first["content"] != "how did I sleep?" {
		t.Errorf("unexpected first message: %v", first)
	}
	second, _ := msgs[1].(map[string]interface{})
	if second["role"] != "assistant" || second["content"] != "hello there" {
		t.Errorf("unexpected second message: %v", second)
	}

	// 非属主读取返回 404
	otherURL := fmt.Sprintf("%s/v1/chat/history?user_uid=intruder&conversation_id=%s", env.server.URL, convID)
	resp, decoded := getJSON(t, otherURL)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign conversation, got %d", resp.StatusCode)
	}
	if decoded["detail"] != "conversation_not_found" {
		t.Errorf("expected conversation_not_found, got %v", decoded)
	}
}
