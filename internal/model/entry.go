// Package model はドメインモデルを定義する。
package model

import "time"

// Entry はフィードから取得した1件のエントリを表す。
// (FeedID, RemoteID) はフィード内で一意であり、UPSERTの競合キーになる。
type Entry struct {
	ID       string
	FeedID   string
	RemoteID string

	Title       string
	Username    string
	UserURL     string
	DisplayName string
	AvatarURL   string

	Body       string // HTMLを含みうる抜粋
	EntryURL   string
	ContentURL string
	MediaURL   string

	CreatedAt     time.Time
	UpdatedAt     time.Time
	RemoteCreated time.Time
	RemoteUpdated time.Time

	Deleted   *time.Time
	Favorited *time.Time
	Pinned    *time.Time

	RawData     string
	RebloggedBy string
}

// EntryView は一覧表示用にフィード情報を付加したエントリ。
type EntryView struct {
	Entry
	FeedName      string
	FeedIconURL   string
	FeedFolder    string
	FrequencyRank *int
}

// CanonicalEntry はノーマライザが生成する、ソース非依存のエントリ形式。
// ソース由来のフィールドのみを持ち、ユーザー操作のマーカーは含まない。
type CanonicalEntry struct {
	RemoteID string

	Title       string
	Username    string
	UserURL     string
	DisplayName string
	AvatarURL   string

	Body       string
	EntryURL   string
	ContentURL string
	MediaURL   string

	RemoteCreated time.Time
	RemoteUpdated time.Time

	RawData     string
	RebloggedBy string
}

// EntryFilter はエントリ検索の絞り込み条件。全条件はANDで結合される。
type EntryFilter struct {
	// Deleted がtrueの場合は削除済みのみ、falseの場合は未削除のみを対象にする。
	Deleted   bool
	Favorited bool
	FeedName  string
	Folder    string
	Username  string
}

// EntryCursor は時系列一覧のキーセットカーソル。前ページ最終行の
// (remote_updated, id) を保持する。IDが空の場合は時刻のみで比較する。
type EntryCursor struct {
	RemoteUpdated time.Time
	ID            string
}

// Marker はユーザー操作で設定されるタイムスタンプマーカーの種類。
type Marker string

const (
	// MarkerDeleted はソフト削除マーカー。
	MarkerDeleted Marker = "deleted"
	// MarkerFavorited はお気に入りマーカー。
	MarkerFavorited Marker = "favorited"
	// MarkerPinned はピン留めマーカー。
	MarkerPinned Marker = "pinned"
)

// Valid は既知のマーカーかどうかを返す。
func (m Marker) Valid() bool {
	switch m {
	case MarkerDeleted, MarkerFavorited, MarkerPinned:
		return true
	default:
		return false
	}
}
