package model

import (
	"errors"
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, quota, validation, upstream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeQuotaExceeded      = "QUOTA_EXCEEDED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeQuotaUnavailable   = "QUOTA_UNAVAILABLE"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUpstreamFailed     = "UPSTREAM_FAILED"
	ErrCodeUpstreamNoBody     = "UPSTREAM_NO_BODY"
	ErrCodeImageURLNotAllowed = "IMAGE_URL_NOT_ALLOWED"
)

// アクセスゲートおよびリレーのセンチネルエラー。
// 呼び出し側はerrors.Isで判定する。
var (
	// ErrUnauthenticated はIDトークンが欠落・不正な場合のエラー。
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden は検証済みだが許可リスト外、またはメール未確認の場合のエラー。
	ErrForbidden = errors.New("not allowed")
	// ErrMissingBody は上流が成功ステータスを返したがボディが無い場合のエラー。
	ErrMissingBody = errors.New("upstream response has no body")
	// ErrEmptyCompletion は上流の補完結果にテキストが含まれない場合のエラー。
	ErrEmptyCompletion = errors.New("upstream completion has no text")
	// ErrCancelled は下流の切断または新しいリクエストによる置き換えでキャンセルされた場合のエラー。
	ErrCancelled = errors.New("request cancelled")
	// ErrTimeout はリクエストごとのタイムアウトで終了した場合のエラー。
	ErrTimeout = errors.New("request timed out")
)

// QuotaExceededError は固定ウィンドウのクォータを使い切った場合のエラー。
// ResetAt以降に再試行すれば自然に解消する。
type QuotaExceededError struct {
	Limit   int
	ResetAt int64 // ミリ秒単位のUNIX時刻
	Now     int64 // 判定時刻（ミリ秒単位のUNIX時刻）
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: limit %d, resets at %d", e.Limit, e.ResetAt)
}

// RetryAfter は再試行可能になるまでの時間を返す。最小1秒。
func (e *QuotaExceededError) RetryAfter() time.Duration {
	d := time.Duration(e.ResetAt-e.Now) * time.Millisecond
	if d < time.Second {
		return time.Second
	}
	return d
}

// QuotaServiceError はクォータストアのトランザクション失敗を表す。
// 拒否ではなく一時的なサービスエラーとして扱い、呼び出し側がウィンドウ待ちをしないようにする。
type QuotaServiceError struct {
	Err error
}

func (e *QuotaServiceError) Error() string {
	return fmt.Sprintf("quota service unavailable: %v", e.Err)
}

func (e *QuotaServiceError) Unwrap() error {
	return e.Err
}

// UpstreamError は上流LLM APIが非成功ステータスを返した場合のエラー。
// ステータスコードとボディは可能な限りそのまま呼び出し元へ返す。
type UpstreamError struct {
	StatusCode  int
	ContentType string
	Body        string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// NewUnauthenticatedError は認証失敗エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "認証情報が無いか、無効です。",
		Category: "auth",
		Action:   "サインインし直してから再度お試しください。",
	}
}

// NewForbiddenError は認可失敗エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "このアカウントはサービスの利用を許可されていません。",
		Category: "auth",
		Action:   "メールアドレスが確認済みであること、許可されたアカウントであることを確認してください。",
	}
}

// NewRateLimitedError は短時間に連続してリクエストした場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが集中しています。",
		Category: "quota",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// NewQuotaExceededError はクォータ超過エラーを生成する。
func NewQuotaExceededError(limit int) *APIError {
	return &APIError{
		Code:     ErrCodeQuotaExceeded,
		Message:  fmt.Sprintf("利用上限（%d回）に達しました。", limit),
		Category: "quota",
		Action:   "resetAtの時刻以降に再度お試しください。",
	}
}

// NewQuotaUnavailableError はクォータストア障害エラーを生成する。
func NewQuotaUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeQuotaUnavailable,
		Message:  "利用状況の確認に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト本文の形式を確認してください。",
	}
}

// NewImageURLNotAllowedError は画像参照URLが安全でない場合のエラーを生成する。
func NewImageURLNotAllowedError() *APIError {
	return &APIError{
		Code:     ErrCodeImageURLNotAllowed,
		Message:  "セキュリティポリシーにより、指定された画像URLは使用できません。",
		Category: "validation",
		Action:   "公開されているhttps URLまたはdata URLの画像を指定してください。",
	}
}

// NewUpstreamFailedError は上流への接続失敗エラーを生成する。
func NewUpstreamFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailed,
		Message:  "LLMサービスへの接続に失敗しました。",
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUpstreamNoBodyError は上流レスポンスにボディが無い場合のエラーを生成する。
func NewUpstreamNoBodyError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamNoBody,
		Message:  "LLMサービスから応答本文が返されませんでした。",
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
