package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/sgopi888/neuroheart-chat-api/pkg/chat"
	"github.com/sgopi888/neuroheart-chat-api/pkg/core/message"
	"github.com/sgopi888/neuroheart-chat-api/pkg/otel"
)

// chatRequest 对话请求体
type chatRequest struct {
	UserUID        string `json:"user_uid"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	HRVRange       string `json:"hrv_range"`
}

// chatResponse 对话响应体
type chatResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
	UsedContext    bool   `json:"used_context"`
	HRVRange       string `json:"hrv_range"`
	RAGCount       int    `json:"rag_k"`
}

// createConversationRequest 建会话请求体
type createConversationRequest struct {
	UserUID string `json:"user_uid"`
	Title   string `json:"title,omitempty"`
}

// messageItem 历史消息条目
type messageItem struct {
	ID        int64        `json:"id"`
	Role      message.Role `json:"role"`
	Content   string       `json:"content"`
	CreatedAt string       `json:"created_at"`
}

// handleHealth 健康检查
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChat 执行一轮对话
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	msg := strings.TrimSpace(req.Message)
	if req.UserUID == "" || req.ConversationID == "" || msg == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if len(msg) > maxMessageChars {
		writeError(w, http.StatusBadRequest, "message_too_long")
		return
	}

	if !s.limiter.Allow(req.UserUID) {
		s.metrics.Counter(otel.MetricRateLimitRejections).Add(r.Context(), 1)
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	result, err := s.engine.RunTurn(r.Context(), chat.TurnRequest{
		UserUID:        req.UserUID,
		ConversationID: req.ConversationID,
		Message:        msg,
		HRVRange:       req.HRVRange,
	})
	if err != nil {
		status, detail := mapError(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("chat turn failed",
				"conversation_id", req.ConversationID, "error", err)
		}
		writeError(w, status, detail)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		ConversationID: req.ConversationID,
		Reply:          result.Reply,
		UsedContext:    result.UsedContext,
		HRVRange:       result.HRVRange,
		RAGCount:       result.RAGCount,
	})
}

// handleCreateConversation 创建会话
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if req.UserUID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	conv, err := s.store.CreateConversation(r.Context(), req.UserUID, req.Title)
	if err != nil {
		s.logger.Error("failed to create conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "create_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"conversation_id": conv.ID,
		"created_at":      conv.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// handleListConversations 列出用户会话
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userUID := r.URL.Query().Get("user_uid")
	if userUID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	items, err := s.store.ListConversations(r.Context(), userUID, 100)
	if err != nil {
		s.logger.Error("failed to list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": items})
}

// handleHistory 读取会话历史
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userUID := q.Get("user_uid")
	conversationID := q.Get("conversation_id")
	if userUID == "" || conversationID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var beforeID int64
	if v := q.Get("before_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			beforeID = n
		}
	}

	if err := s.store.AssertOwner(r.Context(), userUID, conversationID); err != nil {
		status, detail := mapError(err)
		writeError(w, status, detail)
		return
	}

	msgs, err := s.store.FetchRecent(r.Context(), conversationID, limit, beforeID)
	if err != nil {
		s.logger.Error("failed to fetch history", "error", err)
		writeError(w, http.StatusInternalServerError, "history_failed")
		return
	}

	items := make([]messageItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, messageItem{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conversationID,
		"messages":        items,
	})
}

// writeJSON 写出 JSON 响应
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 写出统一格式的错误响应
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
