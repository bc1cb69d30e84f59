// Package model はドメインモデルを定義する。
package model

import "time"

// FeedType はフィードの種別（判別子）を表す。作成後に変更されない。
type FeedType string

const (
	// FeedTypeRSS はRSS/Atomフィード。
	FeedTypeRSS FeedType = "rss"
	// FeedTypeMastodon はMastodonアカウントのホームタイムライン。
	FeedTypeMastodon FeedType = "mastodon"
)

// Valid は既知のフィード種別かどうかを返す。
func (t FeedType) Valid() bool {
	return t == FeedTypeRSS || t == FeedTypeMastodon
}

// Feed は購読元を表す。
// 種別ごとのフィールドはRSSまたはMastodonのどちらか一方にのみ格納される。
type Feed struct {
	ID            string
	Type          FeedType
	Name          string
	IconURL       string
	Folder        string
	Views         int
	FrequencyRank *int // ランカー未実行の間はnil
	RawData       string

	RSS      *RSSSource
	Mastodon *MastodonSource

	ConsecutiveErrors int
	ErrorMessage      string
	RetryAfter        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RSSSource はRSSフィード固有の状態。
type RSSSource struct {
	URL       string
	LastFetch *time.Time
	CacheTokens
}

// MastodonSource はMastodonアカウント固有の設定。
type MastodonSource struct {
	ServerURL   string
	AccessToken string
}

// CacheTokens は条件付きGETに使うキャッシュトークン。
type CacheTokens struct {
	ETag         string
	LastModified string
}

// Empty はトークンが1つも保存されていない場合にtrueを返す。
func (c CacheTokens) Empty() bool {
	return c.ETag == "" && c.LastModified == ""
}

// NewRSSFeed はRSSフィードを生成する。
func NewRSSFeed(name, url string) *Feed {
	return &Feed{
		Type: FeedTypeRSS,
		Name: name,
		RSS:  &RSSSource{URL: url},
	}
}

// NewMastodonFeed はMastodonアカウントフィードを生成する。
func NewMastodonFeed(name, serverURL, accessToken string) *Feed {
	return &Feed{
		Type:     FeedTypeMastodon,
		Name:     name,
		Mastodon: &MastodonSource{ServerURL: serverURL, AccessToken: accessToken},
	}
}

// SourceURL はフィード種別に応じた取得元URLを返す。
func (f *Feed) SourceURL() string {
	switch {
	case f.RSS != nil:
		return f.RSS.URL
	case f.Mastodon != nil:
		return f.Mastodon.ServerURL
	default:
		return ""
	}
}
