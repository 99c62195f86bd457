// Package server 提供 HTTP API 层。
//
// 路由挂在 /v1/chat 前缀下，x-app-token 请求头用于应用级鉴权，
// 限流按 user_uid 独立计数。所有错误以 {"detail": "..."} 返回。
package server

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/cors"

	"github.com/sgopi888/neuroheart-chat-api/pkg/chat"
	"github.com/sgopi888/neuroheart-chat-api/pkg/core/errors"
	"github.com/sgopi888/neuroheart-chat-api/pkg/history"
	"github.com/sgopi888/neuroheart-chat-api/pkg/otel"
	"github.com/sgopi888/neuroheart-chat-api/pkg/ratelimit"
)

// maxMessageChars 单条用户消息的字符上限
const maxMessageChars = 4000

// Config HTTP 服务配置
type Config struct {
	// Addr 监听地址
	Addr string
	// AppToken x-app-token 校验值，为空时不校验
	AppToken string
	// AllowedOrigins CORS 白名单，为空时放行所有来源
	AllowedOrigins []string
}

// Server HTTP API 服务。
type Server struct {
	config  Config
	engine  *chat.Engine
	store   *history.Store
	limiter *ratelimit.Table
	logger  otel.Logger
	metrics otel.Metrics
	router  chi.Router
}

// Option 配置 Server。
type Option func(*Server)

// WithLogger 设置日志器。
func WithLogger(logger otel.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics 设置指标收集器。
func WithMetrics(metrics otel.Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// New 创建 HTTP 服务。
func New(config Config, engine *chat.Engine, store *history.Store, limiter *ratelimit.Table, opts ...Option) *Server {
	s := &Server{
		config:  config,
		engine:  engine,
		store:   store,
		limiter: limiter,
		logger:  otel.NewNoopLogger(),
		metrics: otel.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler 返回完整的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	return s.router
}

// buildRouter 组装路由与中间件。
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	c := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "x-app-token"},
		MaxAge:         300,
	})
	r.Use(c.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/v1/chat", func(r chi.Router) {
		r.Use(s.requireAppToken)
		r.Post("/", s.handleChat)
		r.Post("/conversations", s.handleCreateConversation)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/history", s.handleHistory)
	})

	return r
}

// allowedOrigins 返回 CORS 白名单，未配置时放行所有来源
func (s *Server) allowedOrigins() []string {
	if len(s.config.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.config.AllowedOrigins
}

// requireAppToken 校验应用令牌
func (s *Server) requireAppToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AppToken != "" && r.Header.Get("x-app-token") != s.config.AppToken {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// mapError 把领域错误映射为 HTTP 状态码与 detail
func mapError(err error) (int, string) {
	switch {
	case stderrors.Is(err, errors.ErrConversationNotFound):
		return http.StatusNotFound, "conversation_not_found"
	case stderrors.Is(err, errors.ErrBudgetOverflow):
		return http.StatusUnprocessableEntity, "context_budget_exceeded"
	case stderrors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case stderrors.Is(err, errors.ErrEmptyMessage):
		return http.StatusBadRequest, "empty_message"
	default:
		return http.StatusInternalServerError, "chat_failed"
	}
}
