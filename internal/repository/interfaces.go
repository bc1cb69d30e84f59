// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// FeedRepository はフィードデータの永続化インターフェース。
type FeedRepository interface {
	// ListAll は全フィードを名前順で取得する。
	ListAll(ctx context.Context) ([]*model.Feed, error)

	// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Feed, error)

	// FindByName はフィード名でフィードを検索する。見つからない場合はnilを返す。
	FindByName(ctx context.Context, name string) (*model.Feed, error)

	// Create はフィードを作成する。
	Create(ctx context.Context, feed *model.Feed) error

	// UpdateFetchState は同期処理が管理するカラムのみを更新する。
	// frequency_rank、views、type には触れない。
	UpdateFetchState(ctx context.Context, feed *model.Feed) error

	// UpdateFrequencyRanks は複数フィードのfrequency_rankを1トランザクションで更新する。
	UpdateFrequencyRanks(ctx context.Context, ranks map[string]int) error

	// IncrementViews はフィードの閲覧数を1増やす。
	IncrementViews(ctx context.Context, feedID string) error

	// UpdateIcon はフィードのアイコンURLを更新する。
	UpdateIcon(ctx context.Context, feedID, iconURL string) error
}

// EntryRepository はエントリデータの永続化インターフェース。
type EntryRepository interface {
	// Upsert は(feed_id, remote_id)を競合キーとしてエントリを挿入または更新する。
	// 更新時はソース由来のカラムとupdated_atのみを書き換え、マーカーとcreated_atは保持する。
	// 整合性制約違反はmodel.ConflictWriteErrorとして返す。
	Upsert(ctx context.Context, feedID string, entry model.CanonicalEntry) (int64, error)

	// FindByID は指定IDのエントリを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Entry, error)

	// LatestByFeed はremote_updatedが最新のエントリを取得する。エントリがなければnilを返す。
	LatestByFeed(ctx context.Context, feedID string) (*model.Entry, error)

	// CountRecentByFeed はsince以降に更新されたエントリ数をフィードIDごとに数える。
	CountRecentByFeed(ctx context.Context, since time.Time) (map[string]int, error)

	// ListChronological はcursorより後ろのエントリを(remote_updated, id)の降順で取得する。
	// cursorがnilの場合は最新から取得する。
	ListChronological(ctx context.Context, filter model.EntryFilter, cursor *model.EntryCursor, limit int) ([]model.EntryView, error)

	// ListByFrequency はrecentCutoff以降のエントリを優先し、
	// 次にfrequency_rankの昇順、remote_updatedの降順で並べたエントリを取得する。
	ListByFrequency(ctx context.Context, filter model.EntryFilter, recentCutoff time.Time, offset, limit int) ([]model.EntryView, error)

	// ListPinned はピン留めされたエントリをpinnedの降順で取得する。
	ListPinned(ctx context.Context, filter model.EntryFilter) ([]model.EntryView, error)

	// SetMarker はマーカーのタイムスタンプを設定する。atがnilの場合はマーカーを解除する。
	// エントリが存在しない場合はmodel.ErrEntryNotFoundを返す。
	SetMarker(ctx context.Context, entryID string, marker model.Marker, at *time.Time) error
}
