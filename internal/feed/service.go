// Package feed はフィード登録・管理のドメインロジックを提供する。
package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/source"
)

// FeedFetcher はアイコン解決のためにRSSフィードを取得するインターフェース。
type FeedFetcher interface {
	Fetch(ctx context.Context, feedURL string, tokens model.CacheTokens) (*source.RSSResult, error)
}

// AvatarFetcher はMastodonアカウントのアバターURLを取得するインターフェース。
type AvatarFetcher interface {
	FetchAvatar(ctx context.Context, serverURL, accessToken string) (string, error)
}

// IconFinder はRSSフィードのアイコンURLを解決するインターフェース。
type IconFinder interface {
	Resolve(ctx context.Context, parsed *gofeed.Feed, feedURL string) string
}

// LoadReport はCSV読み込みの集計。
type LoadReport struct {
	Added   int
	Skipped int
	Failed  int
}

// Service はフィード登録のサービス層。
// 検証 → 重複チェック → アイコン解決 → 保存のフローを統括する。
type Service struct {
	feedRepo repository.FeedRepository
	fetcher  FeedFetcher
	avatars  AvatarFetcher
	icons    IconFinder
	logger   *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// fetcher、avatars、iconsがnilの場合はアイコンを解決しない。
func NewService(
	feedRepo repository.FeedRepository,
	fetcher FeedFetcher,
	avatars AvatarFetcher,
	icons IconFinder,
	logger *slog.Logger,
) *Service {
	return &Service{
		feedRepo: feedRepo,
		fetcher:  fetcher,
		avatars:  avatars,
		icons:    icons,
		logger:   logger,
	}
}

// Create はフィードを検証して登録する。
// 同名のフィードが存在する場合はDuplicateFeedErrorを返す。アイコン解決の失敗は無視する。
func (s *Service) Create(ctx context.Context, feed *model.Feed) error {
	if err := Validate(feed); err != nil {
		return err
	}

	existing, err := s.feedRepo.FindByName(ctx, feed.Name)
	if err != nil {
		return fmt.Errorf("フィードの検索に失敗しました: %w", err)
	}
	if existing != nil {
		return &model.DuplicateFeedError{Name: feed.Name}
	}

	if feed.IconURL == "" {
		feed.IconURL = s.resolveIcon(ctx, feed)
	}

	if err := s.feedRepo.Create(ctx, feed); err != nil {
		return fmt.Errorf("フィードの保存に失敗しました: %w", err)
	}

	s.logger.Info("フィードを登録しました",
		slog.String("feed_id", feed.ID),
		slog.String("feed_name", feed.Name),
		slog.String("type", string(feed.Type)),
		slog.String("icon_url", feed.IconURL),
	)
	return nil
}

// RefreshIcon は登録済みフィードのアイコンを再解決して保存し、新しいアイコンURLを返す。
// 解決できなかった場合は既存のアイコンを残す。
func (s *Service) RefreshIcon(ctx context.Context, feedID string) (string, error) {
	feed, err := s.feedRepo.FindByID(ctx, feedID)
	if err != nil {
		return "", fmt.Errorf("フィードの検索に失敗しました: %w", err)
	}
	if feed == nil {
		return "", &model.InvalidFeedError{Reason: fmt.Sprintf("フィードが見つかりません: %s", feedID)}
	}

	icon := s.resolveIcon(ctx, feed)
	if icon == "" || icon == feed.IconURL {
		return feed.IconURL, nil
	}

	if err := s.feedRepo.UpdateIcon(ctx, feed.ID, icon); err != nil {
		return "", fmt.Errorf("アイコンの更新に失敗しました: %w", err)
	}

	s.logger.Info("フィードのアイコンを更新しました",
		slog.String("feed_id", feed.ID),
		slog.String("icon_url", icon),
	)
	return icon, nil
}

// resolveIcon はフィード種別に応じてアイコンURLを取得する。取得できなければ空文字を返す。
func (s *Service) resolveIcon(ctx context.Context, feed *model.Feed) string {
	switch feed.Type {
	case model.FeedTypeRSS:
		if s.icons == nil {
			return ""
		}
		var parsed *gofeed.Feed
		if s.fetcher != nil {
			result, err := s.fetcher.Fetch(ctx, feed.RSS.URL, model.CacheTokens{})
			if err != nil {
				s.logger.Warn("アイコン解決のためのフィード取得に失敗しました",
					slog.String("feed_name", feed.Name),
					slog.String("error", err.Error()),
				)
			} else {
				parsed = result.Feed
			}
		}
		return s.icons.Resolve(ctx, parsed, feed.RSS.URL)

	case model.FeedTypeMastodon:
		if s.avatars == nil {
			return ""
		}
		avatar, err := s.avatars.FetchAvatar(ctx, feed.Mastodon.ServerURL, feed.Mastodon.AccessToken)
		if err != nil {
			s.logger.Warn("アバターの取得に失敗しました",
				slog.String("feed_name", feed.Name),
				slog.String("error", err.Error()),
			)
			return ""
		}
		return avatar
	}
	return ""
}

// LoadCSV はCSVからフィードを一括登録する。
// 各行は "rss,名前,URL" または "mastodon,名前,サーバーURL,アクセストークン"。
// 既存の名前はスキップし、不正な行はログに記録して次の行へ進む。
func (s *Service) LoadCSV(ctx context.Context, r io.Reader) (LoadReport, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var report LoadReport
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return report, fmt.Errorf("CSVの読み込みに失敗しました: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		line, _ := reader.FieldPos(0)
		feed, err := feedFromRecord(record)
		if err != nil {
			report.Failed++
			s.logger.Error("CSVの行を読み飛ばしました",
				slog.Int("line", line),
				slog.String("error", err.Error()),
			)
			continue
		}

		err = s.Create(ctx, feed)
		var dup *model.DuplicateFeedError
		switch {
		case errors.As(err, &dup):
			report.Skipped++
			s.logger.Info("既存のフィードをスキップします",
				slog.String("feed_name", feed.Name),
			)
		case err != nil:
			report.Failed++
			s.logger.Error("フィードの登録に失敗しました",
				slog.Int("line", line),
				slog.String("feed_name", feed.Name),
				slog.String("error", err.Error()),
			)
		default:
			report.Added++
		}
	}

	s.logger.Info("CSVの読み込みが完了しました",
		slog.Int("added", report.Added),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

// feedFromRecord はCSVの1行をフィードに変換する。
func feedFromRecord(record []string) (*model.Feed, error) {
	if len(record) < 3 {
		return nil, &model.InvalidFeedError{Reason: fmt.Sprintf("列数が不足しています: %d", len(record))}
	}

	switch model.FeedType(strings.ToLower(record[0])) {
	case model.FeedTypeRSS:
		return model.NewRSSFeed(record[1], record[2]), nil
	case model.FeedTypeMastodon:
		if len(record) < 4 {
			return nil, &model.InvalidFeedError{Reason: "Mastodonフィードにはアクセストークンが必要です"}
		}
		return model.NewMastodonFeed(record[1], record[2], record[3]), nil
	default:
		return nil, &model.InvalidFeedError{Reason: fmt.Sprintf("未知のフィード種別です: %q", record[0])}
	}
}

// Validate はフィード定義を検証する。
func Validate(feed *model.Feed) error {
	if feed == nil {
		return &model.InvalidFeedError{Reason: "フィードが指定されていません"}
	}
	if strings.TrimSpace(feed.Name) == "" {
		return &model.InvalidFeedError{Reason: "名前が空です"}
	}

	switch feed.Type {
	case model.FeedTypeRSS:
		if feed.RSS == nil || feed.Mastodon != nil {
			return &model.InvalidFeedError{Reason: "RSSフィードの設定が不正です"}
		}
		return validateHTTPURL(feed.RSS.URL)
	case model.FeedTypeMastodon:
		if feed.Mastodon == nil || feed.RSS != nil {
			return &model.InvalidFeedError{Reason: "Mastodonフィードの設定が不正です"}
		}
		if feed.Mastodon.AccessToken == "" {
			return &model.InvalidFeedError{Reason: "アクセストークンが空です"}
		}
		return validateHTTPURL(feed.Mastodon.ServerURL)
	default:
		return &model.InvalidFeedError{Reason: fmt.Sprintf("未知のフィード種別です: %q", feed.Type)}
	}
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &model.InvalidFeedError{Reason: fmt.Sprintf("URLが不正です: %q", raw)}
	}
	return nil
}
