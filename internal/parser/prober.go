package parser

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

const userAgent = "feedsync/1.0"

// maxPageSize はメタタグ探索のために読み込むHTMLの上限。<head>が含まれていれば十分。
const maxPageSize = 512 * 1024

// maxTrackedHosts を超えたら古いホスト別リミッターを破棄する。
const maxTrackedHosts = 1024

// HTTPProber はImageProberのHTTP実装。
// ホストごとにレート制限をかけ、1回のプローブごとにタイムアウトを設定する。
type HTTPProber struct {
	client    *http.Client
	timeout   time.Duration
	rateLimit rate.Limit
	logger    *slog.Logger

	mu    sync.Mutex
	hosts map[string]*hostLimiter
}

type hostLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

var _ ImageProber = (*HTTPProber)(nil)

// NewHTTPProber はHTTPProberの新しいインスタンスを生成する。
// perHostRateは1ホストあたりの秒間リクエスト数。
func NewHTTPProber(client *http.Client, timeout time.Duration, perHostRate float64, logger *slog.Logger) *HTTPProber {
	return &HTTPProber{
		client:    client,
		timeout:   timeout,
		rateLimit: rate.Limit(perHostRate),
		logger:    logger,
		hosts:     make(map[string]*hostLimiter),
	}
}

// HeadOK はHEADリクエストが2xxを返した場合にtrueを返す。
func (p *HTTPProber) HeadOK(ctx context.Context, rawURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.do(ctx, http.MethodHead, rawURL)
	if err != nil {
		p.logger.Debug("画像の到達確認に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// PageImage はページを取得し、og:image、twitter:imageの順にメタタグの画像URLを返す。
func (p *HTTPProber) PageImage(ctx context.Context, pageURL string) string {
	if pageURL == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.do(ctx, http.MethodGet, pageURL)
	if err != nil {
		p.logger.Debug("ページの取得に失敗しました",
			slog.String("url", pageURL),
			slog.String("error", err.Error()),
		)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ""
	}

	doc, err := htmlquery.Parse(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return ""
	}
	return absoluteURL(pageURL, extractMetaImage(doc))
}

func (p *HTTPProber) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if err := p.limiterFor(u.Hostname()).Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	return p.client.Do(req)
}

// limiterFor はホスト別のリミッターを取得または作成する。
func (p *HTTPProber) limiterFor(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if hl, ok := p.hosts[host]; ok {
		hl.lastAccess = now
		return hl.limiter
	}

	if len(p.hosts) >= maxTrackedHosts {
		p.evictOldest()
	}

	limiter := rate.NewLimiter(p.rateLimit, 1)
	p.hosts[host] = &hostLimiter{limiter: limiter, lastAccess: now}
	return limiter
}

// evictOldest は最終アクセスが最も古いホストを破棄する。p.muを保持して呼ぶこと。
func (p *HTTPProber) evictOldest() {
	var oldestHost string
	var oldest time.Time
	for host, hl := range p.hosts {
		if oldestHost == "" || hl.lastAccess.Before(oldest) {
			oldestHost, oldest = host, hl.lastAccess
		}
	}
	delete(p.hosts, oldestHost)
}

func extractMetaImage(doc *html.Node) string {
	for _, expr := range []string{
		"//meta[@property = 'og:image']",
		"//meta[@name = 'og:image']",
		"//meta[@name = 'twitter:image']",
		"//meta[@property = 'twitter:image']",
	} {
		if elem := htmlquery.FindOne(doc, expr); elem != nil {
			if content := strings.TrimSpace(htmlquery.SelectAttr(elem, "content")); content != "" {
				return content
			}
		}
	}
	return ""
}

// absoluteURL は相対URLをページURL基準で解決する。
func absoluteURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
