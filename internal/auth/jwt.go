package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"

	"github.com/hitoshi/chatrelay/internal/model"
)

// JWTConfig はIDトークン検証の設定。
// HMACSecretとPublicKeyPEMのどちらか一方を指定する。
type JWTConfig struct {
	HMACSecret   string
	PublicKeyPEM string
	Issuer       string // 空の場合は検証しない
	Audience     string // 空の場合は検証しない
}

// identityClaims はIDトークンから読み取るクレーム。
type identityClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
}

// JWTVerifier は署名付きJWTを検証するVerifierの実装。
type JWTVerifier struct {
	parser   *jwt.Parser
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewJWTVerifier はJWTVerifierを生成する。
// 公開鍵が指定された場合はRS256、それ以外はHS256で検証する。
func NewJWTVerifier(config JWTConfig) (*JWTVerifier, error) {
	v := &JWTVerifier{
		issuer:   config.Issuer,
		audience: config.Audience,
	}

	switch {
	case config.PublicKeyPEM != "":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(config.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		v.parser = jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
		v.keyFunc = func(*jwt.Token) (interface{}, error) { return key, nil }
	case config.HMACSecret != "":
		secret := []byte(config.HMACSecret)
		v.parser = jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		v.keyFunc = func(*jwt.Token) (interface{}, error) { return secret, nil }
	default:
		return nil, errors.New("either HMAC secret or public key is required")
	}

	return v, nil
}

// Verify はトークンの署名・有効期限・発行者・対象者を検証し、プリンシパルを返す。
func (v *JWTVerifier) Verify(_ context.Context, token string) (*model.Identity, error) {
	claims := &identityClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}

	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("unexpected issuer: %q", claims.Issuer)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, errors.New("unexpected audience")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return &model.Identity{
		ID:            claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
	}, nil
}

// compile-time interface check
var _ Verifier = (*JWTVerifier)(nil)
