package entry

import (
	"context"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

const (
	// DefaultPageSize はlimit未指定時の件数。
	DefaultPageSize = 20
	// MaxPageSize は1ページの最大件数。
	MaxPageSize = 100
	// FreshnessWindow は頻度順で優先表示する直近期間。
	FreshnessWindow = 48 * time.Hour
)

// QueryService はエントリの一覧取得を提供する。
type QueryService struct {
	entryRepo repository.EntryRepository
}

// NewQueryService はQueryServiceの新しいインスタンスを生成する。
func NewQueryService(entryRepo repository.EntryRepository) *QueryService {
	return &QueryService{entryRepo: entryRepo}
}

// ChronologicalPage は時系列一覧の1ページ。
type ChronologicalPage struct {
	Entries []model.EntryView
	// Next は次ページ取得に渡すカーソル。HasMoreがfalseの場合はnil。
	Next    *model.EntryCursor
	HasMore bool
}

// FrequencyPage は頻度順一覧の1ページ。
type FrequencyPage struct {
	Entries []model.EntryView
	Page    int
	HasNext bool
}

// ListChronological はremote_updatedの降順でエントリを返す。
// cursorを指定すると、その行より後ろのエントリのみを返す（キーセットページネーション）。
// limit+1件を取得してHasMoreを判定する。
func (s *QueryService) ListChronological(
	ctx context.Context,
	filter model.EntryFilter,
	cursor *model.EntryCursor,
	limit int,
) (*ChronologicalPage, error) {
	limit = clampLimit(limit)

	entries, err := s.entryRepo.ListChronological(ctx, filter, cursor, limit+1)
	if err != nil {
		return nil, err
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit] // 余分な1件を除外
	}

	page := &ChronologicalPage{Entries: entries, HasMore: hasMore}
	if hasMore && len(entries) > 0 {
		last := entries[len(entries)-1]
		page.Next = &model.EntryCursor{RemoteUpdated: last.RemoteUpdated, ID: last.ID}
	}
	return page, nil
}

// ListByFrequency は頻度ランクを加味した順序でエントリを返す。
// startAtから48時間以内のエントリを常に先に並べ、その中で頻度ランクの昇順
// （投稿の少ないフィードが先）、remote_updatedの降順で並べる。pageは1始まり。
func (s *QueryService) ListByFrequency(
	ctx context.Context,
	filter model.EntryFilter,
	startAt time.Time,
	page, limit int,
) (*FrequencyPage, error) {
	limit = clampLimit(limit)
	if page < 1 {
		page = 1
	}

	offset := (page - 1) * limit
	entries, err := s.entryRepo.ListByFrequency(ctx, filter, startAt.Add(-FreshnessWindow), offset, limit+1)
	if err != nil {
		return nil, err
	}

	hasNext := len(entries) > limit
	if hasNext {
		entries = entries[:limit]
	}

	return &FrequencyPage{Entries: entries, Page: page, HasNext: hasNext}, nil
}

// ListPinned はピン留めされたエントリをすべて返す。
func (s *QueryService) ListPinned(ctx context.Context, filter model.EntryFilter) ([]model.EntryView, error) {
	return s.entryRepo.ListPinned(ctx, filter)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}
