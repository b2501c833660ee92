package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxSanitizedLength はサニタイズ後の文字列の最大長（rune数）。
const maxSanitizedLength = 2000

// TextSanitizerService は上流由来のテキストを埋め込みUIに表示する前に無害化するインターフェース。
type TextSanitizerService interface {
	// Sanitize は全てのHTMLタグを除去し、連続する空白を1つにまとめた文字列を返す。
	// 結果はHTMLとしてそのまま埋め込んでも安全である（特殊文字はエスケープされる）。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize は上流のエラーメッセージ等からマークアップを除去する。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	cleaned := strings.Join(strings.Fields(s.policy.Sanitize(raw)), " ")

	runes := []rune(cleaned)
	if len(runes) > maxSanitizedLength {
		return string(runes[:maxSanitizedLength]) + "…"
	}
	return cleaned
}
