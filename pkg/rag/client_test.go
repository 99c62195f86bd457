package rag_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sgopi888/neuroheart-chat-api/pkg/rag"
)

func ragServer(t *testing.T, handler http.HandlerFunc) *rag.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return rag.NewClient(rag.Config{URL: srv.URL, APIKey: "secret", Collection: "documents1"})
}

func scrollResponse(texts ...string) string {
	points := make([]map[string]interface{}, len(texts))
	for i, text := range texts {
		points[i] = map[string]interface{}{
			"score":   0.9,
			"payload": map[string]interface{}{"text": text, "source": "doc.md"},
		}
	}
	body, _ := json.Marshal(map[string]interface{}{
		"result": map[string]interface{}{"points": points},
	})
	return string(body)
}

func TestClient_Retrieve(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	client := ragServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		fmt.Fprint(w, scrollResponse("passage one", "passage two"))
	})

	passages := client.Retrieve(context.Background(), "how is my hrv", "user-1", 5)

	if len(passages) != 2 {
		t.Fatalf("expected 2 passages, got %d", len(passages))
	}
	if passages[0].Text != "passage one" || passages[0].Source != "doc.md" {
		t.Errorf("unexpected passage: %+v", passages[0])
	}
	if gotPath != "/collections/documents1/points/scroll" {
		t.Errorf("unexpected path %q", gotPath)
	}

	// 可见性过滤必须包含 should 条件且携带 user_uid
	raw, _ := json.Marshal(gotBody["filter"])
	filter := string(raw)
	if !strings.Contains(filter, "should") {
		t.Errorf("expected should filter, got %s", filter)
	}
	if !strings.Contains(filter, "user-1") {
		t.Errorf("expected user scoping in filter, got %s", filter)
	}
	if !strings.Contains(filter, "knowledge") || !strings.Contains(filter, "memory") {
		t.Errorf("expected type conditions in filter, got %s", filter)
	}
}

func TestClient_RetrieveDedup(t *testing.T) {
	shared := strings.Repeat("same prefix ", 10) // 超过 80 字符的重复前缀
	client := ragServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, scrollResponse(shared+"tail one", shared+"tail two", "distinct"))
	})

	passages := client.Retrieve(context.Background(), "q", "user-1", 10)

	if len(passages) != 2 {
		t.Fatalf("expected dedup to drop one passage, got %d", len(passages))
	}
	if passages[1].Text != "distinct" {
		t.Errorf("unexpected passages: %+v", passages)
	}
}

func TestClient_RetrieveTruncatesLongPassages(t *testing.T) {
	client := ragServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, scrollResponse(strings.Repeat("x", 2000)))
	})

	passages := client.Retrieve(context.Background(), "q", "user-1", 5)

	if len(passages) != 1 {
		t.Fatalf("expected 1 passage, got %d", len(passages))
	}
	if len(passages[0].Text) != rag.MaxPassageChars {
		t.Errorf("expected %d chars, got %d", rag.MaxPassageChars, len(passages[0].Text))
	}
}

func TestClient_RetrieveSkipsEmptyPayloads(t *testing.T) {
	client := ragServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, scrollResponse("   ", "useful"))
	})

	passages := client.Retrieve(context.Background(), "q", "user-1", 5)

	if len(passages) != 1 || passages[0].Text != "useful" {
		t.Errorf("expected only the non-empty passage, got %+v", passages)
	}
}

func TestClient_RetrieveContentFallback(t *testing.T) {
	client := ragServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":{"points":[{"payload":{"content":"from content field"}}]}}`)
	})

	passages := client.Retrieve(context.Background(), "q", "user-1", 5)

	if len(passages) != 1 || passages[0].Text != "from content field" {
		t.Errorf("expected content field fallback, got %+v", passages)
	}
}

func TestClient_RetrieveErrorIsEmpty(t *testing.T) {
	client := ragServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	passages := client.Retrieve(context.Background(), "q", "user-1", 5)
	if passages != nil {
		t.Errorf("expected nil passages on error, got %+v", passages)
	}
}

func TestClient_RetrieveCapsTopK(t *testing.T) {
	var gotLimit float64
	client := ragServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		gotLimit = body["limit"].(float64)
		fmt.Fprint(w, scrollResponse())
	})

	client.Retrieve(context.Background(), "q", "user-1", 500)
	if int(gotLimit) != rag.MaxChunks {
		t.Errorf("expected limit capped at %d, got %d", rag.MaxChunks, int(gotLimit))
	}
}
