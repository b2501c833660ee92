// Package auth はIDトークンの検証と許可リストによる認可を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/chatrelay/internal/model"
)

// Verifier は外部で発行された署名付きIDトークンを検証するインターフェース。
// 署名・発行者の検証は実装に委ね、成功時は検証済みのプリンシパルを返す。
type Verifier interface {
	Verify(ctx context.Context, token string) (*model.Identity, error)
}

// Policy はメールアドレスの許可リスト。
// EmailsとDomainsがともに空の場合は、検証済みの全プリンシパルを許可する。
type Policy struct {
	emails  map[string]struct{}
	domains []string
}

// NewPolicy は許可するメールアドレスとドメインからPolicyを生成する。
// 大文字小文字は区別しない。ドメインは先頭の"@"を省略してもよい。
func NewPolicy(emails, domains []string) Policy {
	p := Policy{emails: make(map[string]struct{})}
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			p.emails[e] = struct{}{}
		}
	}
	for _, d := range domains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "@")
		if d != "" {
			p.domains = append(p.domains, d)
		}
	}
	return p
}

// Empty は許可リストが設定されていない場合にtrueを返す。
func (p Policy) Empty() bool {
	return len(p.emails) == 0 && len(p.domains) == 0
}

// Allows はメールアドレスが許可リストに一致するかを返す。
// 完全一致、またはドメイン（サブドメインを含む）の一致で許可する。
func (p Policy) Allows(email string) bool {
	if p.Empty() {
		return true
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	if _, ok := p.emails[email]; ok {
		return true
	}

	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	host := email[at+1:]
	for _, d := range p.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Service はリクエストのAuthorizationヘッダーからプリンシパルを特定し、認可する。
type Service struct {
	verifier Verifier
	policy   Policy
	logger   *slog.Logger
}

// NewService はServiceを生成する。
func NewService(verifier Verifier, policy Policy, logger *slog.Logger) *Service {
	return &Service{
		verifier: verifier,
		policy:   policy,
		logger:   logger,
	}
}

// Authorize はBearerトークンを検証し、許可されたプリンシパルを返す。
//
// トークンが無い・検証に失敗した場合はmodel.ErrUnauthenticatedを、
// email_verifiedが明示的にfalse、または許可リスト外の場合はmodel.ErrForbiddenを返す。
// 許可リストが空でもメール未確認のプリンシパルは拒否する。
func (s *Service) Authorize(ctx context.Context, authorization string) (*model.Identity, error) {
	token, ok := bearerToken(authorization)
	if !ok {
		return nil, model.ErrUnauthenticated
	}

	identity, err := s.verifier.Verify(ctx, token)
	if err != nil {
		s.logger.Info("IDトークンの検証に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", model.ErrUnauthenticated, err)
	}
	if identity == nil || identity.ID == "" {
		return nil, model.ErrUnauthenticated
	}

	if identity.EmailExplicitlyUnverified() {
		s.logger.Info("メール未確認のプリンシパルを拒否しました",
			slog.String("identity_id", identity.ID),
		)
		return nil, model.ErrForbidden
	}

	if !s.policy.Allows(identity.Email) {
		s.logger.Info("許可リスト外のプリンシパルを拒否しました",
			slog.String("identity_id", identity.ID),
		)
		return nil, model.ErrForbidden
	}

	return identity, nil
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// スキーム名の大文字小文字は区別しない。
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
