package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
)

// NewRecoveryMiddleware はpanic発生時にプロセスクラッシュを防ぎ、
// 500レスポンスを返すミドルウェアを生成する。
// ストリーム送信中またはWebSocketへの切り替え後は応答を書き直せないため、接続を打ち切る。
func NewRecoveryMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// クライアント切断による中断はnet/httpに任せる
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				streaming := responseCommitted(w, r)
				slog.Error("panic recovered",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Bool("streaming", streaming),
					slog.String("stack", string(debug.Stack())),
				)
				if streaming {
					panic(http.ErrAbortHandler)
				}
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// responseCommitted はSSEの送信開始後、またはWebSocketのアップグレード要求であればtrueを返す。
func responseCommitted(w http.ResponseWriter, r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return true
	}
	return strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream")
}
