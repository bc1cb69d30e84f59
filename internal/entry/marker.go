package entry

import (
	"context"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// MarkerService はユーザー操作によるエントリのマーカー（削除・お気に入り・ピン留め）を管理する。
// 冪等な明示的更新（トグルではない）で状態を変更する。
type MarkerService struct {
	entryRepo repository.EntryRepository
	feedRepo  repository.FeedRepository
	now       func() time.Time
}

// NewMarkerService はMarkerServiceの新しいインスタンスを生成する。
func NewMarkerService(entryRepo repository.EntryRepository, feedRepo repository.FeedRepository) *MarkerService {
	return &MarkerService{
		entryRepo: entryRepo,
		feedRepo:  feedRepo,
		now:       time.Now,
	}
}

// SetPinned はピン留めを設定または解除する。
func (s *MarkerService) SetPinned(ctx context.Context, entryID string, on bool) error {
	return s.set(ctx, entryID, model.MarkerPinned, on)
}

// SetFavorited はお気に入りを設定または解除する。
func (s *MarkerService) SetFavorited(ctx context.Context, entryID string, on bool) error {
	return s.set(ctx, entryID, model.MarkerFavorited, on)
}

// SetDeleted はソフト削除を設定または解除する。
func (s *MarkerService) SetDeleted(ctx context.Context, entryID string, on bool) error {
	return s.set(ctx, entryID, model.MarkerDeleted, on)
}

// RecordView はエントリの属するフィードの閲覧数を増やす。
func (s *MarkerService) RecordView(ctx context.Context, entryID string) error {
	e, err := s.entryRepo.FindByID(ctx, entryID)
	if err != nil {
		return err
	}
	if e == nil {
		return model.ErrEntryNotFound
	}
	return s.feedRepo.IncrementViews(ctx, e.FeedID)
}

func (s *MarkerService) set(ctx context.Context, entryID string, marker model.Marker, on bool) error {
	var at *time.Time
	if on {
		now := s.now().UTC()
		at = &now
	}
	return s.entryRepo.SetMarker(ctx, entryID, marker, at)
}
