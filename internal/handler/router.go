// Package handler は運用HTTPサーバーのハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/feedsync/internal/middleware"
)

// healthTimeout はヘルスチェック時のDB疎通確認のタイムアウト。
const healthTimeout = 3 * time.Second

// HealthChecker はDB疎通確認のインターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// NewRouter は運用エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))

	health := &HealthHandler{checker: deps.HealthChecker, logger: deps.Logger}
	r.Get("/health", health.ServeHTTP)

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	return r
}

// healthResponse はヘルスチェックのレスポンス。
type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// HealthHandler はDB疎通を含むヘルスチェックのハンドラー。
type HealthHandler struct {
	checker HealthChecker
	logger  *slog.Logger
}

// ServeHTTP はヘルスチェックを処理する。
// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok"}
	status := http.StatusOK
	if err := h.checker.PingContext(ctx); err != nil {
		h.logger.Warn("ヘルスチェックでDB疎通に失敗しました",
			slog.String("error", err.Error()),
		)
		resp = healthResponse{Status: "unavailable", Database: "unreachable"}
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
