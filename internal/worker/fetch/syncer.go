package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-mastodon"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/parser"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/source"
)

// Outcome はフィード1件の同期結果。
// 同期はIdle→Fetching→{Updated, Skipped, Failed}→Idleと遷移する。
type Outcome string

const (
	// OutcomeUpdated はエントリを取得してUPSERTした。
	OutcomeUpdated Outcome = "updated"
	// OutcomeSkipped はクールダウン中、未変更などの理由で取り込みを行わなかった。
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed は取得または保存に失敗した。
	OutcomeFailed Outcome = "failed"
)

// RSSFetcher はRSS/Atomフィードの条件付き取得のインターフェース。
type RSSFetcher interface {
	Fetch(ctx context.Context, feedURL string, tokens model.CacheTokens) (*source.RSSResult, error)
}

// TimelineFetcher はMastodonホームタイムライン取得のインターフェース。
type TimelineFetcher interface {
	FetchTimeline(ctx context.Context, serverURL, accessToken string, q source.TimelineQuery) ([]*mastodon.Status, error)
}

// EntryNormalizer はソース固有のエントリを正規化するインターフェース。
type EntryNormalizer interface {
	Normalize(ctx context.Context, variant parser.Variant, feed *gofeed.Feed, item *gofeed.Item) (model.CanonicalEntry, error)
	NormalizeStatus(status *mastodon.Status) (model.CanonicalEntry, error)
}

// EntryUpserter はエントリのUPSERT処理のインターフェース。
type EntryUpserter interface {
	UpsertEntries(ctx context.Context, feedID string, entries []model.CanonicalEntry) (int, error)
}

// LatestEntryFinder はフィードの最新エントリを取得するインターフェース。
type LatestEntryFinder interface {
	LatestByFeed(ctx context.Context, feedID string) (*model.Entry, error)
}

// SyncOptions は同期処理の設定値。
type SyncOptions struct {
	// Cooldown は前回取得からこの時間が経過するまでRSSフィードを再取得しない。
	Cooldown time.Duration
	// SkipOlderThan より古いエントリは取り込まない。0の場合は制限しない。
	SkipOlderThan time.Duration
	// MastodonFetchLimit は初回同期で取得するステータス数。
	MastodonFetchLimit int
}

// Syncer はフィード1件を取得し、正規化してUPSERTする。
type Syncer struct {
	feedRepo   repository.FeedRepository
	entries    LatestEntryFinder
	rss        RSSFetcher
	timeline   TimelineFetcher
	normalizer EntryNormalizer
	upserter   EntryUpserter
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	opts       SyncOptions
	now        func() time.Time
}

// NewSyncer はSyncerの新しいインスタンスを生成する。
func NewSyncer(
	feedRepo repository.FeedRepository,
	entries LatestEntryFinder,
	rss RSSFetcher,
	timeline TimelineFetcher,
	normalizer EntryNormalizer,
	upserter EntryUpserter,
	m metrics.MetricsCollector,
	logger *slog.Logger,
	opts SyncOptions,
) *Syncer {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Syncer{
		feedRepo:   feedRepo,
		entries:    entries,
		rss:        rss,
		timeline:   timeline,
		normalizer: normalizer,
		upserter:   upserter,
		metrics:    m,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// Sync はフィード種別に応じて同期を実行する。
// 取得元へのアクセス失敗はフィードにエラーとバックオフを記録したうえでOutcomeFailedとして返す。
func (s *Syncer) Sync(ctx context.Context, feed *model.Feed) (Outcome, error) {
	start := s.now()

	var outcome Outcome
	var err error
	switch feed.Type {
	case model.FeedTypeRSS:
		outcome, err = s.syncRSS(ctx, feed)
	case model.FeedTypeMastodon:
		outcome, err = s.syncMastodon(ctx, feed)
	default:
		outcome, err = OutcomeFailed, &model.InvalidFeedError{Reason: fmt.Sprintf("未知のフィード種別です: %q", feed.Type)}
	}

	s.metrics.RecordSyncOutcome(string(feed.Type), string(outcome))
	if outcome != OutcomeSkipped {
		s.metrics.RecordSyncLatency(s.now().Sub(start))
	}
	return outcome, err
}

func (s *Syncer) syncRSS(ctx context.Context, feed *model.Feed) (Outcome, error) {
	src := feed.RSS
	if src == nil {
		return OutcomeFailed, &model.InvalidFeedError{Reason: "RSSフィードにURLが設定されていません"}
	}
	now := s.now().UTC()

	if feed.RetryAfter != nil && now.Before(*feed.RetryAfter) {
		s.logger.Debug("バックオフ中のためフィードをスキップします",
			slog.String("feed_id", feed.ID),
			slog.Time("retry_after", *feed.RetryAfter),
		)
		return OutcomeSkipped, nil
	}
	if src.LastFetch != nil && now.Sub(*src.LastFetch) < s.opts.Cooldown {
		s.logger.Debug("最近同期したフィードをスキップします",
			slog.String("feed_id", feed.ID),
			slog.String("feed_name", feed.Name),
		)
		return OutcomeSkipped, nil
	}

	prevFetch := src.LastFetch
	result, err := s.rss.Fetch(ctx, src.URL, src.CacheTokens)
	if err != nil {
		s.recordFailure(ctx, feed, err, now)
		return OutcomeFailed, err
	}
	s.metrics.RecordHTTPStatus(result.StatusCode)

	if result.NotModified {
		if err := s.commitFetch(ctx, feed, result, now); err != nil {
			return OutcomeFailed, err
		}
		s.logger.Info("フィードは未変更です（304）",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", src.URL),
		)
		return OutcomeSkipped, nil
	}
	// チャンネルの更新日時は古いままのことがあるため、判定はエントリ単位で行う
	if prevFetch != nil && result.Feed.UpdatedParsed != nil && result.Feed.UpdatedParsed.Before(*prevFetch) {
		s.logger.Debug("フィードの更新日時が前回の取得より古いです",
			slog.String("feed_id", feed.ID),
			slog.Time("feed_updated", *result.Feed.UpdatedParsed),
		)
	}

	variant := parser.Select(src.URL, result.Feed)
	entries := make([]model.CanonicalEntry, 0, len(result.Feed.Items))
	malformed := 0
	for _, item := range result.Feed.Items {
		if item == nil {
			continue
		}
		entry, err := s.normalizer.Normalize(ctx, variant, result.Feed, item)
		if err != nil {
			malformed++
			s.metrics.RecordMalformedEntry()
			s.logger.Warn("エントリをスキップしました",
				slog.String("feed_id", feed.ID),
				slog.String("variant", string(variant)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !s.withinWindow(entry, prevFetch, now) {
			continue
		}
		entries = append(entries, entry)
	}

	affected, err := s.upserter.UpsertEntries(ctx, feed.ID, entries)
	if err != nil {
		// last_fetchとキャッシュトークンは前回の値のまま残し、次回の同期で同じエントリを再取得する
		s.recordFailure(ctx, feed, err, now)
		return OutcomeFailed, err
	}
	if err := s.commitFetch(ctx, feed, result, now); err != nil {
		return OutcomeFailed, err
	}

	s.logger.Info("フィード同期が完了しました",
		slog.String("feed_id", feed.ID),
		slog.String("feed_name", feed.Name),
		slog.String("variant", string(variant)),
		slog.Int("items_total", len(result.Feed.Items)),
		slog.Int("entries_upserted", affected),
		slog.Int("entries_malformed", malformed),
	)
	return OutcomeUpdated, nil
}

// commitFetch は取得時刻とキャッシュトークンを保存し、エラー状態をリセットする。
// エントリの保存が終わってから呼ぶ。
func (s *Syncer) commitFetch(ctx context.Context, feed *model.Feed, result *source.RSSResult, now time.Time) error {
	feed.RSS.LastFetch = &now
	feed.RSS.CacheTokens = result.Tokens
	if result.Feed != nil {
		feed.RawData = feedSnapshot(result.Feed)
	}
	ApplySuccess(feed)
	if err := s.feedRepo.UpdateFetchState(ctx, feed); err != nil {
		return fmt.Errorf("フィード状態の更新に失敗しました: %w", err)
	}
	return nil
}

// withinWindow は取り込み対象のエントリかを判定する。
// 指定日数より古いエントリと、前回取得以降に更新されていないエントリは対象外。
func (s *Syncer) withinWindow(entry model.CanonicalEntry, prevFetch *time.Time, now time.Time) bool {
	if s.opts.SkipOlderThan > 0 && entry.RemoteUpdated.Before(now.Add(-s.opts.SkipOlderThan)) {
		return false
	}
	if prevFetch != nil && entry.RemoteUpdated.Before(*prevFetch) {
		return false
	}
	return true
}

func (s *Syncer) syncMastodon(ctx context.Context, feed *model.Feed) (Outcome, error) {
	src := feed.Mastodon
	if src == nil {
		return OutcomeFailed, &model.InvalidFeedError{Reason: "Mastodonフィードにサーバーが設定されていません"}
	}
	now := s.now().UTC()

	if feed.RetryAfter != nil && now.Before(*feed.RetryAfter) {
		return OutcomeSkipped, nil
	}

	latest, err := s.entries.LatestByFeed(ctx, feed.ID)
	if err != nil {
		return OutcomeFailed, err
	}

	// 既存エントリがあれば差分取得、なければ件数を絞って初回取得する
	q := source.TimelineQuery{Limit: s.opts.MastodonFetchLimit}
	if latest != nil {
		q = source.TimelineQuery{SinceID: latest.RemoteID}
	}

	statuses, err := s.timeline.FetchTimeline(ctx, src.ServerURL, src.AccessToken, q)
	if err != nil {
		s.recordFailure(ctx, feed, err, now)
		return OutcomeFailed, err
	}

	if feed.ConsecutiveErrors > 0 {
		ApplySuccess(feed)
		if err := s.feedRepo.UpdateFetchState(ctx, feed); err != nil {
			return OutcomeFailed, err
		}
	}

	if len(statuses) == 0 {
		return OutcomeSkipped, nil
	}

	entries := make([]model.CanonicalEntry, 0, len(statuses))
	for _, status := range statuses {
		entry, err := s.normalizer.NormalizeStatus(status)
		if err != nil {
			s.metrics.RecordMalformedEntry()
			s.logger.Warn("ステータスをスキップしました",
				slog.String("feed_id", feed.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		entries = append(entries, entry)
	}

	affected, err := s.upserter.UpsertEntries(ctx, feed.ID, entries)
	if err != nil {
		return OutcomeFailed, err
	}

	s.logger.Info("Mastodonフィード同期が完了しました",
		slog.String("feed_id", feed.ID),
		slog.String("feed_name", feed.Name),
		slog.String("since_id", q.SinceID),
		slog.Int("statuses", len(statuses)),
		slog.Int("entries_upserted", affected),
	)
	return OutcomeUpdated, nil
}

// recordFailure は取得または保存の失敗をフィードに記録する。記録自体の失敗はログのみ。
func (s *Syncer) recordFailure(ctx context.Context, feed *model.Feed, err error, now time.Time) {
	reason := FailureReason(err)
	s.metrics.RecordFetchFailure(string(feed.Type), reason)
	s.logger.Error("フィードの同期に失敗しました",
		slog.String("feed_id", feed.ID),
		slog.String("source_url", feed.SourceURL()),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)

	ApplyFailure(feed, err, now)
	// タイムアウト後でも失敗状態は保存する
	if updateErr := s.feedRepo.UpdateFetchState(context.WithoutCancel(ctx), feed); updateErr != nil {
		s.logger.Error("フィード状態の更新に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", updateErr.Error()),
		)
	}
}

// feedSnapshot はエントリを除いたフィードのメタデータをJSONで返す。
func feedSnapshot(feed *gofeed.Feed) string {
	meta := *feed
	meta.Items = nil
	b, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(b)
}
