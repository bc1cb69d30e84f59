// Package fetch はフィードのバックグラウンド同期処理を提供する。
// スケジューラ、フィード単位の同期、リトライ/バックオフ戦略を含む。
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// FeedSyncer はフィード1件の同期を実行するインターフェース。
type FeedSyncer interface {
	Sync(ctx context.Context, feed *model.Feed) (Outcome, error)
}

// FeedLister は同期対象のフィード一覧を返すインターフェース。
type FeedLister interface {
	ListAll(ctx context.Context) ([]*model.Feed, error)
}

// BatchReport は1回の同期サイクルの集計。
type BatchReport struct {
	Updated int
	Skipped int
	Failed  int
}

// Total は処理したフィード数を返す。
func (r BatchReport) Total() int {
	return r.Updated + r.Skipped + r.Failed
}

// Scheduler はフィード同期のスケジューリングと並列制御を行う。
// 一定間隔のティッカーで全フィードを取得し、
// semaphoreパターンで最大並列数を制御しながら同期を実行する。
// フィードごとに独立したタイムアウトを持ち、1件の失敗やpanicは他のフィードに影響しない。
type Scheduler struct {
	feeds          FeedLister
	syncer         FeedSyncer
	logger         *slog.Logger
	maxConcurrency int
	feedTimeout    time.Duration
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
// feedTimeoutが0以下の場合はフィード単位のタイムアウトを設定しない。
func NewScheduler(
	feeds FeedLister,
	syncer FeedSyncer,
	logger *slog.Logger,
	maxConcurrency int,
	feedTimeout time.Duration,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Scheduler{
		feeds:          feeds,
		syncer:         syncer,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		feedTimeout:    feedTimeout,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は全フィードを1回同期する。
// フィード一覧の取得に失敗した場合のみエラーを返し、個々のフィードの失敗はBatchReportに集計する。
func (s *Scheduler) RunOnce(ctx context.Context) (BatchReport, error) {
	start := time.Now()

	feeds, err := s.feeds.ListAll(ctx)
	if err != nil {
		return BatchReport{}, err
	}

	if len(feeds) == 0 {
		s.logger.Info("同期対象のフィードはありません")
		return BatchReport{}, nil
	}

	s.logger.Info("同期サイクルを開始します",
		slog.Int("feed_count", len(feeds)),
	)

	var (
		mu     sync.Mutex
		report BatchReport
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	dispatched := 0
	for _, feed := range feeds {
		if !acquire(ctx, sem) {
			break
		}
		dispatched++
		wg.Add(1)

		go func(f *model.Feed) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			outcome := s.syncOne(ctx, f)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeUpdated:
				report.Updated++
			case OutcomeSkipped:
				report.Skipped++
			default:
				report.Failed++
			}
		}(feed)
	}

	wg.Wait()

	// キャンセルで開始できなかったフィードはスキップとして数える
	if pending := len(feeds) - dispatched; pending > 0 {
		report.Skipped += pending
		s.logger.Info("キャンセルにより同期を開始しなかったフィードがあります",
			slog.Int("pending", pending),
		)
	}

	duration := time.Since(start)
	s.logger.Info("同期サイクルが完了しました",
		slog.Int("feed_count", len(feeds)),
		slog.Int("updated", report.Updated),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return report, nil
}

// acquire はsemaphoreを取得する。コンテキストがキャンセルされた場合はfalseを返す。
func acquire(ctx context.Context, sem chan struct{}) bool {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	if ctx.Err() != nil {
		<-sem
		return false
	}
	return true
}

// syncOne はフィード1件をタイムアウト付きで同期する。panicは失敗として扱う。
func (s *Scheduler) syncOne(ctx context.Context, f *model.Feed) (outcome Outcome) {
	if s.feedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.feedTimeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("フィード同期中にpanicが発生しました",
				slog.String("feed_id", f.ID),
				slog.String("panic", fmt.Sprint(rec)),
			)
			outcome = OutcomeFailed
		}
	}()

	outcome, err := s.syncer.Sync(ctx, f)
	if err != nil {
		s.logger.Error("フィード同期に失敗しました",
			slog.String("feed_id", f.ID),
			slog.String("feed_name", f.Name),
			slog.String("error", err.Error()),
		)
		return OutcomeFailed
	}
	return outcome
}
