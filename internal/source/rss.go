// Package source はフィード取得元（RSS/Atom、Mastodon）へのアクセスを提供する。
package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedsync/internal/model"
)

const userAgent = "feedsync/1.0 RSS Reader"

// URLGuard はSSRF検証付きHTTPクライアントを提供する。
type URLGuard interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// RSSResult は条件付きGETの結果。
type RSSResult struct {
	// Feed はパース済みフィード。NotModifiedの場合はnil。
	Feed        *gofeed.Feed
	Tokens      model.CacheTokens
	NotModified bool
	StatusCode  int
}

// RSSClient はETag/Last-Modifiedを使った条件付きGETでRSS/Atomフィードを取得する。
type RSSClient struct {
	guard       URLGuard
	timeout     time.Duration
	maxBodySize int64
}

// NewRSSClient はRSSClientの新しいインスタンスを生成する。
func NewRSSClient(guard URLGuard, timeout time.Duration, maxBodySize int64) *RSSClient {
	return &RSSClient{
		guard:       guard,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Fetch はフィードを取得してgofeedでパースする。
// 304の場合はNotModifiedを立てて返す。到達不能、タイムアウト、2xx/304以外のステータスは
// *model.SourceFetchErrorを返す。
func (c *RSSClient) Fetch(ctx context.Context, feedURL string, tokens model.CacheTokens) (*RSSResult, error) {
	if err := c.guard.ValidateURL(feedURL); err != nil {
		return nil, &model.SourceFetchError{URL: feedURL, Err: fmt.Errorf("SSRF検証に失敗: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &model.SourceFetchError{URL: feedURL, Err: fmt.Errorf("リクエスト作成に失敗: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	if tokens.ETag != "" {
		req.Header.Set("If-None-Match", tokens.ETag)
	}
	if tokens.LastModified != "" {
		req.Header.Set("If-Modified-Since", tokens.LastModified)
	}

	resp, err := c.guard.NewSafeClient(c.timeout).Do(req)
	if err != nil {
		return nil, &model.SourceFetchError{URL: feedURL, Err: err}
	}
	defer resp.Body.Close()

	result := &RSSResult{
		Tokens:     mergeTokens(tokens, resp.Header),
		StatusCode: resp.StatusCode,
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		result.NotModified = true
		return result, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &model.SourceFetchError{URL: feedURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, &model.SourceFetchError{URL: feedURL, Err: fmt.Errorf("レスポンス読み取りに失敗: %w", err)}
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, &model.SourceFetchError{URL: feedURL, Err: fmt.Errorf("レスポンスが上限サイズ(%dバイト)を超えています", c.maxBodySize)}
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}
	result.Feed = feed

	return result, nil
}

// mergeTokens はレスポンスヘッダのキャッシュトークンで既存の値を上書きする。
// ヘッダが無いトークンは以前の値を保持する。
func mergeTokens(prev model.CacheTokens, h http.Header) model.CacheTokens {
	next := prev
	if etag := h.Get("ETag"); etag != "" {
		next.ETag = etag
	}
	if lastMod := h.Get("Last-Modified"); lastMod != "" {
		next.LastModified = lastMod
	}
	return next
}
