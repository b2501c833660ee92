// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Identity は外部で検証済みの利用者（プリンシパル）を表す。
// IDはクォータのキーとして使用し、Emailは許可リストの照合にのみ使用する。
type Identity struct {
	ID    string
	Email string
	// EmailVerified はトークンにemail_verifiedクレームが含まれていた場合のみ非nil。
	EmailVerified *bool
}

// EmailExplicitlyUnverified はemail_verifiedが明示的にfalseの場合にtrueを返す。
// クレームが存在しない場合は未検証として扱わない。
func (i *Identity) EmailExplicitlyUnverified() bool {
	return i.EmailVerified != nil && !*i.EmailVerified
}

// NormalizedEmail は小文字化・前後空白除去したメールアドレスを返す。
func (i *Identity) NormalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(i.Email))
}

// QuotaRecord は1プリンシパルあたり1件の固定ウィンドウ利用カウンタ。
// WindowStartはミリ秒単位のUNIX時刻。0はウィンドウ未開始を意味する。
type QuotaRecord struct {
	IdentityID  string
	WindowStart int64
	Count       int
	UpdatedAt   time.Time
}

// QuotaDecision は1回の利用許可判定の結果を表す。
type QuotaDecision struct {
	Granted   bool
	Limit     int
	Remaining int
	// ResetAt はウィンドウがリセットされる時刻（ミリ秒単位のUNIX時刻）。
	ResetAt int64
}
