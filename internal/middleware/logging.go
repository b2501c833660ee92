package middleware

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader は相関IDを運ぶヘッダー。
const RequestIDHeader = "X-Request-Id"

const maxRequestIDLength = 64

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
// SSEのフラッシュとWebSocketのハイジャックを妨げないよう、Flush/Hijack/Unwrapを提供する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// Flush は下位のResponseWriterがhttp.Flusherを実装していれば委譲する。
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		if !sr.written {
			sr.statusCode = http.StatusOK
			sr.written = true
		}
		f.Flush()
	}
}

// Hijack はWebSocketへのアップグレードのため下位のhttp.Hijackerに委譲する。
// ハイジャックされた接続は101として記録する。
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sr.statusCode = http.StatusSwitchingProtocols
	sr.written = true
	return h.Hijack()
}

// Unwrap はhttp.ResponseControllerが元のResponseWriterに到達するために使用する。
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// requestLogFields はアクセスログに後から追加する値。
// 内側のミドルウェアが書き込み、ログ出力時に読み取る。
type requestLogFields struct {
	mu         sync.Mutex
	identityID string
}

var logFieldsContextKey = contextKey("log_fields")

// annotateIdentity はアクセスログにidentity_idを記録する。
// ロギングミドルウェアを通過していないリクエストでは何もしない。
func annotateIdentity(ctx context.Context, identityID string) {
	if fields, ok := ctx.Value(logFieldsContextKey).(*requestLogFields); ok {
		fields.mu.Lock()
		fields.identityID = identityID
		fields.mu.Unlock()
	}
}

// requestID は受信したX-Request-Idが妥当ならそれを、そうでなければ新しいUUIDを返す。
func requestID(r *http.Request) string {
	if id := r.Header.Get(RequestIDHeader); validRequestID(id) {
		return id
	}
	return uuid.NewString()
}

// validRequestID は英数字と - _ . のみで構成された64文字以内のIDを受け付ける。
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはrequest_id、method、path、status、duration_ms、identity_id（認証済みの場合）を含む。
// request_idはレスポンスのX-Request-Idにも設定する。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := requestID(r)
			w.Header().Set(RequestIDHeader, reqID)

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			fields := &requestLogFields{}
			ctx := context.WithValue(r.Context(), logFieldsContextKey, fields)

			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			attrs := []slog.Attr{
				slog.String("request_id", reqID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}

			fields.mu.Lock()
			identityID := fields.identityID
			fields.mu.Unlock()
			if identityID != "" {
				attrs = append(attrs, slog.String("identity_id", identityID))
			}

			// slogのログレベルをステータスコードに応じて変更
			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			args := make([]any, len(attrs))
			for i, attr := range attrs {
				args[i] = attr
			}

			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}
