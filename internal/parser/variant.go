// Package parser はフィードの生データを正規化されたエントリに変換する。
package parser

import (
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
)

// Variant は正規化ルールの種別を表す。
type Variant string

const (
	// VariantDefault は汎用のRSS/Atomフィード。
	VariantDefault Variant = "default"
	// VariantGitHub はGitHubのプライベートアクティビティフィード。
	VariantGitHub Variant = "github"
	// VariantGoodreads はGoodreadsのホームタイムライン。
	VariantGoodreads Variant = "goodreads"
	// VariantMastodon はMastodonユーザーのRSSフィード。
	VariantMastodon Variant = "mastodon"
	// VariantLinkAggregator はlobste.rs、reddit、Hacker Newsなどのリンク集約サイト。
	VariantLinkAggregator Variant = "link_aggregator"
)

// linkAggregatorHosts はリンク集約サイトとみなすホスト。サブドメインも一致する。
var linkAggregatorHosts = []string{"lobste.rs", "reddit.com", "news.ycombinator.com"}

type matcher struct {
	variant Variant
	match   func(feedURL string, feed *gofeed.Feed) bool
}

// priority は判定順序。先に一致したものが採用される。
// URLで判別できるものを先に置き、フィード内容で判別するものを後に置く。
var priority = []matcher{
	{VariantGitHub, isGitHub},
	{VariantGoodreads, isGoodreads},
	{VariantMastodon, isMastodon},
	{VariantLinkAggregator, isLinkAggregator},
}

// Select はフィードURLとフィードメタデータから適用するVariantを返す。
// どれにも一致しない場合はVariantDefaultを返す。副作用はない。
func Select(feedURL string, feed *gofeed.Feed) Variant {
	for _, m := range priority {
		if m.match(feedURL, feed) {
			return m.variant
		}
	}
	return VariantDefault
}

func isGitHub(feedURL string, _ *gofeed.Feed) bool {
	return strings.Contains(feedURL, "github.com") && strings.Contains(feedURL, "private.atom")
}

func isGoodreads(feedURL string, _ *gofeed.Feed) bool {
	return strings.Contains(feedURL, "goodreads.com") && strings.Contains(feedURL, "/home/index_rss")
}

func isMastodon(_ string, feed *gofeed.Feed) bool {
	if feed == nil {
		return false
	}
	return strings.Contains(strings.ToLower(feed.Generator), "mastodon")
}

func isLinkAggregator(feedURL string, feed *gofeed.Feed) bool {
	if feed != nil && hostMatches(feed.Link) {
		return true
	}
	return hostMatches(feedURL)
}

func hostMatches(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range linkAggregatorHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
