package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// excerptParagraphs は抜粋に含める段落数。
const excerptParagraphs = 2

// extractExcerpt はsummaryのHTMLから画像を除き、テキストを持つ最初の2段落を改行で連結して返す。
// 段落が無い場合は空文字列を返す。
func extractExcerpt(summary string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(summary))
	if err != nil {
		return ""
	}
	doc.Find("img").Remove()

	var parts []string
	doc.Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
		if strings.TrimSpace(p.Text()) == "" {
			return true
		}
		html, err := goquery.OuterHtml(p)
		if err != nil {
			return true
		}
		parts = append(parts, html)
		return len(parts) < excerptParagraphs
	})
	return strings.Join(parts, "\n")
}

// firstImageSrc はsummaryのHTML内で最初に見つかったimgのsrcを返す。
func firstImageSrc(summary string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(summary))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img[src]").First().Attr("src")
	return strings.TrimSpace(src)
}

// commentsLink はリンク集約サイトのsummaryからコメントページへのリンクを探す。
// "Comments" や "[comments]" のようなテキストを持つアンカーが対象。
func commentsLink(summary string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(summary))
	if err != nil {
		return ""
	}
	var href string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		text := strings.ToLower(strings.Trim(strings.TrimSpace(a.Text()), "[]"))
		if text == "comments" || strings.HasSuffix(text, " comments") {
			href, _ = a.Attr("href")
			return false
		}
		return true
	})
	return strings.TrimSpace(href)
}
