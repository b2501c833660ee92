package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/chatrelay/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// errorには人が読めるメッセージを入れ、原因カテゴリと対処方法を併記する。
type ErrorResponseBody struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// QuotaExceededResponseBody はクォータ超過時のレスポンス。
type QuotaExceededResponseBody struct {
	ErrorResponseBody
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetAt   int64 `json:"resetAt"`
}

func newErrorResponseBody(apiErr *model.APIError) ErrorResponseBody {
	return ErrorResponseBody{
		Error:    apiErr.Message,
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(newErrorResponseBody(apiErr))
}

// setRetryAfter はRetry-Afterを秒単位で設定する。端数は切り上げ、最小1秒。
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

// WriteQuotaExceeded は429レスポンスをRetry-Afterヘッダー付きで書き込む。
func WriteQuotaExceeded(w http.ResponseWriter, exceeded *model.QuotaExceededError) {
	setRetryAfter(w, exceeded.RetryAfter())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(QuotaExceededResponseBody{
		ErrorResponseBody: newErrorResponseBody(model.NewQuotaExceededError(exceeded.Limit)),
		Limit:             exceeded.Limit,
		Remaining:         0,
		ResetAt:           exceeded.ResetAt,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
