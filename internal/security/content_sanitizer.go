// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は抽出したリンク本文のHTMLをサニタイズする。
// サニタイズ結果はMarkdown変換を経て要約器への入力になるため、
// 許可リストはテキスト化に意味のある構造タグに限定している。
package security

import (
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はHTMLコンテンツのサニタイズ機能のインターフェースを定義する。
// 抽出した本文のMarkdown変換前に使用される。
type ContentSanitizerService interface {
	// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, ul, ol, li, blockquote, pre, code, strong, em, img）のみを通過させ、
	// 見出し（h1〜h6）を含むその他のタグ、script/iframe/style、on*イベント属性を除去する。
	// imgタグのsrc属性はhttpsスキームのみ許可される。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// ポリシーは抽出本文の要約入力に必要な範囲に絞っている:
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em, img
//   - 見出しタグは許可しない（ページタイトルはメタデータ側で別途保持する）
//   - imgのsrc属性: httpsスキームのみ許可
//   - target/rel等の表示用属性は付与しない（Markdown変換で捨てられるため）
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	// script, iframe, style等は許可リストに含めないことで自動的に除去される
	// on*イベント属性はbluemondayのデフォルトで許可されないため除去される
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	// aタグはhrefのみ。抽出本文では相対URLを解決できないため不許可
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)

	// imgはsrc(httpsのみ)とalt。http, javascript, data等のスキームは拒否
	p.AllowAttrs("src").OnElements("img")
	p.AllowAttrs("alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})

	return &contentSanitizer{
		policy: p,
	}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
