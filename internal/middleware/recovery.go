package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// errorBody は運用エンドポイントのエラーレスポンス。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewRecoveryMiddleware はpanic発生時にプロセスクラッシュを防ぎ、
// JSONの500レスポンスを返すミドルウェアを生成する。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "内部エラーが発生しました。")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// WriteError は統一フォーマットのJSONエラーレスポンスを書き込む。
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorBody{Code: code, Message: message})
}
