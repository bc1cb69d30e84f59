package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer はフィード由来のHTMLを保存前に整形する。
// 本文の抜粋は許可リスト方式でHTMLのまま残し、タイトルや表示名はプレーンテキストにする。
// bluemondayのPolicyはスレッドセーフなため、同期ワーカー間で共有してよい。
type Sanitizer struct {
	excerpt *bluemonday.Policy
	strict  *bluemonday.Policy
}

// NewSanitizer はSanitizerを生成する。
// 抜粋ポリシーの内容:
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em
//   - aタグ: href（絶対URLのみ）、target="_blank" と rel="noopener noreferrer" を自動付与
//   - script, iframe, style および on* 属性は除去
func NewSanitizer() *Sanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool { return true })
	p.AllowURLSchemeWithCustomPolicy("http", func(u *url.URL) bool { return true })
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &Sanitizer{
		excerpt: p,
		strict:  bluemonday.StrictPolicy(),
	}
}

// Excerpt は本文抜粋のHTMLを許可リストで整形する。
func (s *Sanitizer) Excerpt(rawHTML string) string {
	return strings.TrimSpace(s.excerpt.Sanitize(rawHTML))
}

// PlainText はタグをすべて取り除き、実体参照を戻し、連続する空白を1つにまとめる。
func (s *Sanitizer) PlainText(raw string) string {
	stripped := html.UnescapeString(s.strict.Sanitize(raw))
	return strings.Join(strings.Fields(stripped), " ")
}
