// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/chatrelay/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストに認可済みプリンシパルを格納するためのキー。
var identityContextKey = contextKey("identity")

// ゲート判定の結果。メトリクスのラベルとして使用する。
const (
	GateOutcomeGranted          = "granted"
	GateOutcomeUnauthenticated  = "unauthenticated"
	GateOutcomeForbidden        = "forbidden"
	GateOutcomeQuotaExceeded    = "quota_exceeded"
	GateOutcomeQuotaUnavailable = "quota_unavailable"
	GateOutcomeRateLimited      = "rate_limited"
)

// Authorizer はAuthorizationヘッダーからプリンシパルを特定するインターフェース。
// auth.Serviceが実装する。
type Authorizer interface {
	Authorize(ctx context.Context, authorization string) (*model.Identity, error)
}

// UsageAuthorizer はプリンシパルの利用枠を1つ消費するインターフェース。
// quota.Serviceが実装する。
type UsageAuthorizer interface {
	AuthorizeUsage(ctx context.Context, identityID string) (*model.QuotaDecision, error)
}

// GateObserver はゲート判定の結果を受け取るインターフェース。
type GateObserver interface {
	RecordGateOutcome(outcome string)
}

// GateDeps はアクセスゲートの依存。LimiterとObserverはnil可。
type GateDeps struct {
	Authorizer Authorizer
	Usage      UsageAuthorizer
	Limiter    *RateLimiter
	Observer   GateObserver
	Logger     *slog.Logger
}

// NewGateMiddleware は認証、バースト制限、利用枠消費の順に判定するミドルウェアを返す。
// いずれかで拒否された場合、後続のハンドラー（上流への接続）は呼ばれない。
func NewGateMiddleware(deps GateDeps) func(next http.Handler) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		h := NewQuotaMiddleware(deps.Usage, deps.Observer, deps.Logger)(next)
		if deps.Limiter != nil {
			h = deps.Limiter.Middleware(deps.Observer)(h)
		}
		return NewAuthMiddleware(deps.Authorizer, deps.Observer)(h)
	}
}

// NewAuthMiddleware はBearerトークンを検証し、プリンシパルをリクエストコンテキストに注入する。
// 未認証には401、許可されていないプリンシパルには403を返す。
func NewAuthMiddleware(authorizer Authorizer, observer GateObserver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := authorizer.Authorize(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				if errors.Is(err, model.ErrForbidden) {
					observe(observer, GateOutcomeForbidden)
					WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
					return
				}
				observe(observer, GateOutcomeUnauthenticated)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			annotateIdentity(r.Context(), identity.ID)
			ctx := ContextWithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewQuotaMiddleware はコンテキストのプリンシパルの利用枠を1つ消費する。
// 超過時は429、ストア障害時は503を返し、いずれの場合も後続を呼ばない。
func NewQuotaMiddleware(usage UsageAuthorizer, observer GateObserver, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := IdentityFromContext(r.Context())
			if err != nil {
				observe(observer, GateOutcomeUnauthenticated)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			decision, err := usage.AuthorizeUsage(r.Context(), identity.ID)
			if err != nil {
				var exceeded *model.QuotaExceededError
				if errors.As(err, &exceeded) {
					observe(observer, GateOutcomeQuotaExceeded)
					WriteQuotaExceeded(w, exceeded)
					return
				}
				logger.Error("利用枠の確認に失敗しました",
					slog.String("identity_id", identity.ID),
					slog.String("error", err.Error()),
				)
				observe(observer, GateOutcomeQuotaUnavailable)
				WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewQuotaUnavailableError())
				return
			}

			observe(observer, GateOutcomeGranted)
			w.Header().Set("X-Quota-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-Quota-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-Quota-Reset", strconv.FormatInt(decision.ResetAt, 10))

			next.ServeHTTP(w, r)
		})
	}
}

func observe(observer GateObserver, outcome string) {
	if observer != nil {
		observer.RecordGateOutcome(outcome)
	}
}

// IdentityFromContext はリクエストコンテキストからプリンシパルを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (*model.Identity, error) {
	identity, ok := ctx.Value(identityContextKey).(*model.Identity)
	if !ok || identity == nil || identity.ID == "" {
		return nil, fmt.Errorf("identity not found in context")
	}
	return identity, nil
}

// ContextWithIdentity はコンテキストにプリンシパルを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}
