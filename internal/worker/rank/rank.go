// Package rank はフィードの更新頻度ランクを再計算するバッチジョブを提供する。
// 直近ウィンドウ内のエントリ数を数え、固定の閾値でランク（1〜5）に変換して
// feeds.frequency_rankを一括で書き換える。
package rank

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/feedsync/internal/metrics"
)

// DefaultWindow はエントリ数を数える期間のデフォルト値（14日）。
const DefaultWindow = 14 * 24 * time.Hour

// EntryCounter はフィードごとの直近エントリ数を返すインターフェース。
type EntryCounter interface {
	CountRecentByFeed(ctx context.Context, since time.Time) (map[string]int, error)
}

// RankWriter はフィードのランクを書き込むインターフェース。
type RankWriter interface {
	UpdateFrequencyRanks(ctx context.Context, ranks map[string]int) error
}

// FrequencyRank は直近エントリ数をランクに変換する。
// 小さいほど更新頻度が低い。15件以上45件未満も3になる。
func FrequencyRank(count int) int {
	switch {
	case count <= 2:
		return 1
	case count < 5:
		return 2
	case count < 15:
		return 3
	case count < 45:
		return 3
	case count < 300:
		return 4
	default:
		return 5
	}
}

// Ranker は頻度ランクの再計算ジョブ。
// 同期処理とは独立したスケジュールで実行され、毎回全件を再計算する。
type Ranker struct {
	entries EntryCounter
	feeds   RankWriter
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	window  time.Duration
	now     func() time.Time
}

// NewRanker は新しいRankerを生成する。windowが0以下の場合はDefaultWindowを使用する。
func NewRanker(entries EntryCounter, feeds RankWriter, m metrics.MetricsCollector, logger *slog.Logger, window time.Duration) *Ranker {
	if m == nil {
		m = metrics.Nop{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Ranker{
		entries: entries,
		feeds:   feeds,
		metrics: m,
		logger:  logger,
		window:  window,
		now:     time.Now,
	}
}

// RunOnce はランクを1回再計算し、更新したフィード数を返す。
// ウィンドウ内にエントリがないフィードは対象外で、以前のランクを保持する。
// 失敗した場合は何も書き込まず、次回の実行でやり直せる。
func (r *Ranker) RunOnce(ctx context.Context) (int, error) {
	start := r.now()
	since := start.Add(-r.window)

	counts, err := r.entries.CountRecentByFeed(ctx, since)
	if err != nil {
		err = fmt.Errorf("エントリ数の集計に失敗しました: %w", err)
		r.finish(start, 0, err)
		return 0, err
	}

	ranks := make(map[string]int, len(counts))
	for feedID, count := range counts {
		if count <= 0 {
			continue
		}
		ranks[feedID] = FrequencyRank(count)
	}

	if len(ranks) > 0 {
		if err := r.feeds.UpdateFrequencyRanks(ctx, ranks); err != nil {
			err = fmt.Errorf("頻度ランクの更新に失敗しました: %w", err)
			r.finish(start, 0, err)
			return 0, err
		}
	}

	r.finish(start, len(ranks), nil)
	return len(ranks), nil
}

func (r *Ranker) finish(start time.Time, feeds int, err error) {
	duration := r.now().Sub(start)
	r.metrics.RecordRankRun(duration, feeds, err)
	if err != nil {
		r.logger.Error("頻度ランクの再計算に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Info("頻度ランクの再計算が完了しました",
		slog.Int("ranked_feeds", feeds),
		slog.Duration("window", r.window),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// Start はcron式のスケジュールでランカーを起動し、コンテキストがキャンセルされるまでブロックする。
// 実行中のジョブは停止時に完了を待つ。
func (r *Ranker) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		// 失敗はfinishでログに記録済み
		_, _ = r.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("ランクのスケジュール設定に失敗しました: %w", err)
	}

	c.Start()
	r.logger.Info("頻度ランカーを開始しました",
		slog.String("schedule", schedule),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("頻度ランカーを停止しました")
	return nil
}
