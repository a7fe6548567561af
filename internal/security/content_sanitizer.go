// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は応募フォームから受け取ったテキストを
// チャットプラットフォームへ送信する前にサニタイズする。
// bluemondayのStrictPolicyにより全てのHTMLタグを除去し、
// プレーンテキストのみを通知メッセージに埋め込めるようにする。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はテキストサニタイズ機能のインターフェースを定義する。
// 応募の保存前およびチャット通知の組み立て時に使用される。
type ContentSanitizerService interface {
	// SanitizeText は入力からHTMLタグを全て除去し、
	// HTMLエンティティを復元した上で前後の空白を取り除いて返す。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeText(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyは許可タグを一切持たないため、scriptやiframeを含む
// 全てのタグと属性が除去される。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeText は入力からHTMLタグを全て除去して返す。
// StrictPolicyはタグ除去後のテキストをエスケープ済みで返すため、
// チャットへはプレーンテキストとして送る都合上エンティティを復元する。
func (s *contentSanitizer) SanitizeText(raw string) string {
	stripped := s.policy.Sanitize(raw)
	return strings.TrimSpace(html.UnescapeString(stripped))
}
