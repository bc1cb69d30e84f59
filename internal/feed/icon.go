package feed

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"
)

// maxPageSize はアイコン探索で読み込むHTMLの最大サイズ（1MB）。
const maxPageSize = 1 * 1024 * 1024

// iconTimeout はアイコン探索のタイムアウト。
const iconTimeout = 5 * time.Second

// HeadChecker はURLへの到達確認のインターフェース。
// parser.HTTPProberが実装する。
type HeadChecker interface {
	HeadOK(ctx context.Context, rawURL string) bool
}

// URLGuard はSSRF検証付きHTTPクライアントのインターフェース。
type URLGuard interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// iconCandidate はHTMLのheadから検出されたアイコン候補。
type iconCandidate struct {
	URL string
	Rel string
}

// IconResolver はRSSフィードのアイコンURLを解決する。
// フィードが宣言する画像が到達可能ならそれを使い、
// なければサイトのHTMLからlink rel="icon"を探し、最後に/favicon.icoを試す。
type IconResolver struct {
	guard  URLGuard
	head   HeadChecker
	logger *slog.Logger
}

// NewIconResolver はIconResolverの新しいインスタンスを生成する。
func NewIconResolver(guard URLGuard, head HeadChecker, logger *slog.Logger) *IconResolver {
	return &IconResolver{
		guard:  guard,
		head:   head,
		logger: logger,
	}
}

// Resolve はアイコンURLを返す。見つからない場合は空文字を返し、エラーは返さない。
func (r *IconResolver) Resolve(ctx context.Context, parsed *gofeed.Feed, feedURL string) string {
	if parsed != nil && parsed.Image != nil && parsed.Image.URL != "" {
		if r.head.HeadOK(ctx, parsed.Image.URL) {
			r.logger.Debug("フィードの画像をアイコンに使用します",
				slog.String("icon_url", parsed.Image.URL),
			)
			return parsed.Image.URL
		}
	}

	siteURL := feedURL
	if parsed != nil && parsed.Link != "" {
		siteURL = parsed.Link
	}

	if candidates := r.pageIcons(ctx, siteURL); len(candidates) > 0 {
		best := selectBestIcon(candidates)
		r.logger.Debug("サイトのfaviconをアイコンに使用します",
			slog.String("icon_url", best),
		)
		return best
	}

	if fallback := guessDefaultFaviconURL(siteURL); fallback != "" && r.head.HeadOK(ctx, fallback) {
		return fallback
	}

	r.logger.Info("アイコンが見つかりませんでした",
		slog.String("site_url", siteURL),
	)
	return ""
}

// pageIcons はサイトのトップページを取得し、headからアイコン候補を返す。
func (r *IconResolver) pageIcons(ctx context.Context, siteURL string) []iconCandidate {
	if siteURL == "" {
		return nil
	}
	if err := r.guard.ValidateURL(siteURL); err != nil {
		r.logger.Warn("アイコン探索: SSRFブロック",
			slog.String("url", siteURL),
			slog.String("error", err.Error()),
		)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, siteURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", "feedsync/1.0")
	req.Header.Set("Accept", "text/html")

	resp, err := r.guard.NewSafeClient(iconTimeout).Do(req)
	if err != nil {
		r.logger.Warn("アイコン探索: HTTPリクエスト失敗",
			slog.String("url", siteURL),
			slog.String("error", err.Error()),
		)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}
	if !strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "html") {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil
	}
	return parseIconLinks(body, siteURL)
}

// parseIconLinks はHTMLのheadタグからアイコンのlink要素を解析する。
// 相対URLはbaseURLを基準に絶対URLに解決される。
func parseIconLinks(htmlBody []byte, baseURL string) []iconCandidate {
	var candidates []iconCandidate

	baseU, err := url.Parse(baseURL)
	if err != nil {
		return candidates
	}

	tokenizer := html.NewTokenizer(bytes.NewReader(htmlBody))
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return candidates

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)

			if tagName == "body" {
				return candidates
			}
			if tagName != "link" || !hasAttr {
				continue
			}

			var rel, href string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(strings.TrimSpace(string(val)))
				case "href":
					href = string(val)
				}
				if !more {
					break
				}
			}

			if href == "" || !isIconRel(rel) {
				continue
			}
			resolved := resolveURL(baseU, href)
			if resolved == "" {
				continue
			}
			candidates = append(candidates, iconCandidate{URL: resolved, Rel: rel})

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "head" {
				return candidates
			}
		}
	}
}

func isIconRel(rel string) bool {
	for _, r := range strings.Fields(rel) {
		if r == "icon" || r == "apple-touch-icon" {
			return true
		}
	}
	return false
}

// selectBestIcon は複数の候補から.icoを優先して1つ選ぶ。なければ先頭を返す。
func selectBestIcon(candidates []iconCandidate) string {
	for _, c := range candidates {
		u, err := url.Parse(c.URL)
		if err == nil && strings.HasSuffix(strings.ToLower(u.Path), ".ico") {
			return c.URL
		}
	}
	return candidates[0].URL
}

// resolveURL は相対URLをベースURLを基準に絶対URLに解決する。
func resolveURL(base *url.URL, rawRef string) string {
	ref, err := url.Parse(strings.TrimSpace(rawRef))
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// guessDefaultFaviconURL はサイトURLからデフォルトのfavicon URLを推測する。
func guessDefaultFaviconURL(siteURL string) string {
	if siteURL == "" {
		return ""
	}

	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return ""
	}

	u.Path = "/favicon.ico"
	u.RawQuery = ""
	u.Fragment = ""

	return u.String()
}
