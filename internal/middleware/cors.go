package middleware

import (
	"net/http"
	"strings"
)

// corsExposedHeaders はブラウザのクライアントが読み取れるレスポンスヘッダー。
// 利用枠の残りと再試行までの時間を画面に表示するために公開する。
var corsExposedHeaders = strings.Join([]string{
	"Retry-After",
	"X-Quota-Limit",
	"X-Quota-Remaining",
	"X-Quota-Reset",
	"X-Request-Id",
}, ", ")

// NewCORSMiddleware は指定されたオリジンに対するCORSミドルウェアを返す。
// Bearerトークンを送るためAuthorizationヘッダーを許可する。
// allowedOriginが"*"の場合は任意のオリジンを許可するが、Cookie等の資格情報は許可しない。
// OPTIONSプリフライトリクエストには204で応答する。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	wildcard := allowedOrigin == "*"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			switch {
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin == "" || origin == allowedOrigin:
				h.Set("Access-Control-Allow-Origin", allowedOrigin)
				h.Set("Access-Control-Allow-Credentials", "true")
			default:
				// 許可外のオリジンにはCORSヘッダーを返さず、ブラウザ側で遮断させる
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
			h.Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
