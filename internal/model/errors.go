// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"strings"
)

// 定義済みエラーコード
const (
	ErrCodeMalformedEntry = "MALFORMED_ENTRY"
	ErrCodeSourceFetch    = "SOURCE_FETCH_FAILED"
	ErrCodeConflictWrite  = "CONFLICT_WRITE"
	ErrCodeFeedNotFound   = "FEED_NOT_FOUND"
	ErrCodeEntryNotFound  = "ENTRY_NOT_FOUND"
	ErrCodeDuplicateFeed  = "DUPLICATE_FEED"
	ErrCodeInvalidFeed    = "INVALID_FEED"
)

// MalformedEntryError は必須フィールドが欠けたエントリを表す。
// 呼び出し側はそのエントリだけをスキップして処理を継続する。
type MalformedEntryError struct {
	RemoteID string
	Missing  []string
}

// Error はerrorインターフェースを実装する。
func (e *MalformedEntryError) Error() string {
	return fmt.Sprintf("[%s] 必須フィールドがありません (remote_id=%q): %s",
		ErrCodeMalformedEntry, e.RemoteID, strings.Join(e.Missing, ", "))
}

// SourceFetchError は取得元へのアクセス失敗（ネットワーク、タイムアウト、2xx以外）を表す。
// フィード単位で捕捉され、バッチは継続する。
type SourceFetchError struct {
	FeedID     string
	URL        string
	StatusCode int // HTTPレスポンスを受け取れなかった場合は0
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *SourceFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s: HTTPステータス %d", ErrCodeSourceFetch, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s: %v", ErrCodeSourceFetch, e.URL, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *SourceFetchError) Unwrap() error {
	return e.Err
}

// ConflictWriteError は想定外の制約違反による書き込み失敗を表す。
// そのフィードの同期にとって致命的であり、再実行用に生データを保持する。
type ConflictWriteError struct {
	FeedID   string
	RemoteID string
	RawData  string
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *ConflictWriteError) Error() string {
	return fmt.Sprintf("[%s] feed_id=%s remote_id=%s: %v", ErrCodeConflictWrite, e.FeedID, e.RemoteID, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *ConflictWriteError) Unwrap() error {
	return e.Err
}

// ErrFeedNotFound はフィードが存在しない場合のエラー。
var ErrFeedNotFound = errors.New("[" + ErrCodeFeedNotFound + "] フィードが見つかりません")

// ErrEntryNotFound はエントリが存在しない場合のエラー。
var ErrEntryNotFound = errors.New("[" + ErrCodeEntryNotFound + "] エントリが見つかりません")

// DuplicateFeedError は同名のフィードが既に存在する場合のエラー。
type DuplicateFeedError struct {
	Name string
}

// Error はerrorインターフェースを実装する。
func (e *DuplicateFeedError) Error() string {
	return fmt.Sprintf("[%s] フィード名が重複しています: %s", ErrCodeDuplicateFeed, e.Name)
}

// InvalidFeedError はフィード定義が不正な場合のエラー。
type InvalidFeedError struct {
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *InvalidFeedError) Error() string {
	return fmt.Sprintf("[%s] 不正なフィード定義です: %s", ErrCodeInvalidFeed, e.Reason)
}

// IsMalformedEntry はerrがMalformedEntryErrorを含むかを返す。
func IsMalformedEntry(err error) bool {
	var target *MalformedEntryError
	return errors.As(err, &target)
}

// IsSourceFetch はerrがSourceFetchErrorを含むかを返す。
func IsSourceFetch(err error) bool {
	var target *SourceFetchError
	return errors.As(err, &target)
}

// IsConflictWrite はerrがConflictWriteErrorを含むかを返す。
func IsConflictWrite(err error) bool {
	var target *ConflictWriteError
	return errors.As(err, &target)
}
