// Package app はコマンドライン引数の解析と依存関係のワイヤリングを行い、各起動モードを実行する。
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/feedsync/internal/config"
	"github.com/hitoshi/feedsync/internal/database"
	"github.com/hitoshi/feedsync/internal/entry"
	"github.com/hitoshi/feedsync/internal/feed"
	"github.com/hitoshi/feedsync/internal/handler"
	"github.com/hitoshi/feedsync/internal/logger"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/parser"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/security"
	"github.com/hitoshi/feedsync/internal/source"
	"github.com/hitoshi/feedsync/internal/worker/fetch"
	"github.com/hitoshi/feedsync/internal/worker/rank"
)

// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}

	// 3. 設定されたレベルでログを再構成する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。wはログの出力先で、listとdebugの結果は標準出力に書き出す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)
	var rest []string
	if len(args) > 0 {
		rest = args[1:]
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("OPS_PORT")
		if port == "" {
			port = "9090"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("初期化に失敗しました: %w", err)
	}

	slog.Debug("starting application",
		slog.String("command", string(cmd)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if cmd == CommandMigrate {
		action, err := parseMigrateArgs(rest)
		if err != nil {
			return err
		}
		return runMigrate(cfg, action)
	}

	if cmd == CommandDebug {
		if len(rest) != 1 {
			return errors.New("使い方: debug <feed-url>")
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		client := source.NewRSSClient(security.NewSSRFGuard(cfg.AllowPrivateHosts), cfg.FetchTimeout, cfg.FetchMaxSize)
		return runDebug(ctx, client, rest[0], os.Stdout)
	}

	// 引数の誤りはDB接続前に検出する
	var listOpts *listOptions
	var markID string
	var action markAction
	switch cmd {
	case CommandLoad:
		if len(rest) != 1 {
			return errors.New("使い方: load <csv-file>")
		}
	case CommandIcon:
		if len(rest) != 1 {
			return errors.New("使い方: icon <feed-id>")
		}
	case CommandList:
		if listOpts, err = parseListOptions(rest, w); err != nil {
			return err
		}
	case CommandMark:
		if markID, action, err = parseMarkArgs(rest); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	c := build(cfg, db, slog.Default())

	switch cmd {
	case CommandSync:
		return runSync(ctx, c)
	case CommandRank:
		return runRank(ctx, c)
	case CommandLoad:
		return runLoad(ctx, c, rest[0])
	case CommandList:
		return runList(ctx, c, listOpts, os.Stdout)
	case CommandMark:
		return runMark(ctx, c, markID, action)
	case CommandIcon:
		return runIcon(ctx, c, rest[0])
	default:
		return runWorker(ctx, cfg, c)
	}
}

// components はワイヤリング済みの依存関係をまとめた構造体。
type components struct {
	db        *sql.DB
	registry  *prometheus.Registry
	scheduler *fetch.Scheduler
	ranker    *rank.Ranker
	feeds     *feed.Service
	query     *entry.QueryService
	markers   *entry.MarkerService
	logger    *slog.Logger
}

// openDatabase はDB接続を開き、プールを設定して疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("データベースのオープンに失敗しました: %w", err)
	}
	database.ConfigurePool(db, cfg.FetchMaxConcurrent)

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースへの接続に失敗しました: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// build は全依存関係をワイヤリングする。
func build(cfg *config.Config, db *sql.DB, log *slog.Logger) *components {
	// 1. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 2. リポジトリ
	feedRepo := repository.NewPostgresFeedRepo(db)
	entryRepo := repository.NewPostgresEntryRepo(db)

	// 3. セキュリティ
	guard := security.NewSSRFGuard(cfg.AllowPrivateHosts)
	sanitizer := security.NewSanitizer()

	// 4. 取得元クライアントとノーマライザ
	prober := parser.NewHTTPProber(guard.NewSafeClient(cfg.ProbeTimeout), cfg.ProbeTimeout, cfg.ProbeRate, log)
	normalizer := parser.NewNormalizer(prober, sanitizer, log)
	rssClient := source.NewRSSClient(guard, cfg.FetchTimeout, cfg.FetchMaxSize)
	mastodonClient := source.NewMastodonClient(guard, cfg.FetchTimeout)

	// 5. 同期
	upserter := entry.NewUpsertService(entryRepo, collector, log)
	syncer := fetch.NewSyncer(
		feedRepo, entryRepo, rssClient, mastodonClient, normalizer, upserter,
		collector, log,
		fetch.SyncOptions{
			Cooldown:           cfg.RSSSkipRecentlyUpdate,
			SkipOlderThan:      time.Duration(cfg.RSSSkipOlderThanDays) * 24 * time.Hour,
			MastodonFetchLimit: cfg.MastodonFetchLimit,
		},
	)
	scheduler := fetch.NewScheduler(feedRepo, syncer, log, cfg.FetchMaxConcurrent, cfg.FeedSyncTimeout)

	// 6. 頻度ランク
	ranker := rank.NewRanker(entryRepo, feedRepo, collector, log, cfg.RankWindow)

	// 7. フィード登録
	icons := feed.NewIconResolver(guard, prober, log)
	feedService := feed.NewService(feedRepo, rssClient, mastodonClient, icons, log)

	return &components{
		db:        db,
		registry:  registry,
		scheduler: scheduler,
		ranker:    ranker,
		feeds:     feedService,
		query:     entry.NewQueryService(entryRepo),
		markers:   entry.NewMarkerService(entryRepo, feedRepo),
		logger:    log,
	}
}

// runWorker はワーカーモードで起動する。
// 運用HTTPサーバーと頻度ランクのcronをバックグラウンドで起動し、
// 同期スケジューラをメインgoroutineで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runWorker(ctx context.Context, cfg *config.Config, c *components) error {
	server := &http.Server{
		Addr: ":" + cfg.OpsPort,
		Handler: handler.NewRouter(&handler.RouterDeps{
			HealthChecker:  c.db,
			MetricsHandler: metrics.Handler(c.registry),
			Logger:         c.logger,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		c.logger.Info("ops server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("ops server listen error", slog.String("error", err.Error()))
		}
	}()

	rankDone := make(chan struct{})
	go func() {
		defer close(rankDone)
		if err := c.ranker.Start(ctx, cfg.RankSchedule); err != nil {
			c.logger.Error("頻度ランクのスケジュール登録に失敗しました",
				slog.String("schedule", cfg.RankSchedule),
				slog.String("error", err.Error()),
			)
		}
	}()

	c.logger.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
		slog.String("rank_schedule", cfg.RankSchedule),
	)

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	c.scheduler.Start(ctx, cfg.SyncInterval)
	<-rankDone

	c.logger.Info("shutting down worker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("運用サーバーの停止に失敗しました: %w", err)
	}

	c.logger.Info("worker stopped gracefully")
	return nil
}

// runSync は全フィードの同期を1回実行する。
func runSync(ctx context.Context, c *components) error {
	report, err := c.scheduler.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("同期に失敗しました: %w", err)
	}
	if report.Failed > 0 {
		c.logger.Warn("一部のフィードの同期に失敗しました", slog.Int("failed", report.Failed))
	}
	return nil
}

// runRank は頻度ランクを1回再計算する。
func runRank(ctx context.Context, c *components) error {
	if _, err := c.ranker.RunOnce(ctx); err != nil {
		return fmt.Errorf("頻度ランクの計算に失敗しました: %w", err)
	}
	return nil
}

// runLoad はCSVファイルからフィードを一括登録する。
func runLoad(ctx context.Context, c *components, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("CSVファイルのオープンに失敗しました: %w", err)
	}
	defer f.Close()

	report, err := c.feeds.LoadCSV(ctx, f)
	if err != nil {
		return fmt.Errorf("フィードの一括登録に失敗しました: %w", err)
	}

	c.logger.Info("フィードの一括登録が完了しました",
		slog.String("path", path),
		slog.Int("added", report.Added),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
	)
	return nil
}

// runList はエントリ一覧を取得してJSONで書き出す。
func runList(ctx context.Context, c *components, opts *listOptions, out io.Writer) error {
	var (
		page listPage
		err  error
	)

	switch opts.Order {
	case orderFrequency:
		startAt := opts.StartAt
		if startAt.IsZero() {
			startAt = time.Now()
		}
		var fp *entry.FrequencyPage
		fp, err = c.query.ListByFrequency(ctx, opts.Filter, startAt, opts.Page, opts.Limit)
		if err == nil {
			page = listPage{Entries: toEntryJSON(fp.Entries), HasMore: fp.HasNext}
			if fp.HasNext {
				next := fp.Page + 1
				page.NextPage = &next
			}
		}
	case orderPinned:
		var views []model.EntryView
		views, err = c.query.ListPinned(ctx, opts.Filter)
		if err == nil {
			page = listPage{Entries: toEntryJSON(views)}
		}
	default:
		var cp *entry.ChronologicalPage
		cp, err = c.query.ListChronological(ctx, opts.Filter, opts.Cursor, opts.Limit)
		if err == nil {
			page = listPage{Entries: toEntryJSON(cp.Entries), HasMore: cp.HasMore}
			if cp.Next != nil {
				page.NextOlderThan = &cp.Next.RemoteUpdated
				page.NextOlderThanID = cp.Next.ID
			}
		}
	}
	if err != nil {
		return fmt.Errorf("エントリ一覧の取得に失敗しました: %w", err)
	}

	return writeJSON(out, page)
}

// runMark はエントリのマーカーを操作する。
func runMark(ctx context.Context, c *components, id string, action markAction) error {
	var err error
	switch action {
	case markPin, markUnpin:
		err = c.markers.SetPinned(ctx, id, action == markPin)
	case markFav, markUnfav:
		err = c.markers.SetFavorited(ctx, id, action == markFav)
	case markDelete, markUndelete:
		err = c.markers.SetDeleted(ctx, id, action == markDelete)
	case markView:
		err = c.markers.RecordView(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("マーカーの更新に失敗しました: %w", err)
	}

	c.logger.Info("マーカーを更新しました",
		slog.String("entry_id", id),
		slog.String("action", string(action)),
	)
	return nil
}

// runIcon はフィードのアイコンを再解決する。
func runIcon(ctx context.Context, c *components, feedID string) error {
	if _, err := c.feeds.RefreshIcon(ctx, feedID); err != nil {
		return fmt.Errorf("アイコンの再解決に失敗しました: %w", err)
	}
	return nil
}

// feedFetcher はdebugサブコマンドが使うRSS取得の抽象。
type feedFetcher interface {
	Fetch(ctx context.Context, feedURL string, tokens model.CacheTokens) (*source.RSSResult, error)
}

// runDebug はフィードURLを条件付きヘッダなしで取得し、解析結果をJSONで出力する。
func runDebug(ctx context.Context, fetcher feedFetcher, feedURL string, out io.Writer) error {
	result, err := fetcher.Fetch(ctx, feedURL, model.CacheTokens{})
	if err != nil {
		return fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	if result.Feed == nil {
		return fmt.Errorf("フィードの内容が空です: %s", feedURL)
	}
	return writeJSON(out, result.Feed)
}

// runMigrate はデータベースマイグレーションを実行する。
// upはすべての未適用マイグレーションを順番に適用し、downは指定件数を巻き戻す。
func runMigrate(cfg *config.Config, action migrateAction) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.String("direction", action.Direction),
	)

	switch action.Direction {
	case "version":
		version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("スキーマバージョンの取得に失敗しました: %w", err)
		}
		slog.Info("schema version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	case "down":
		if err := database.RollbackMigrations(cfg.DatabaseURL, action.Steps); err != nil {
			return fmt.Errorf("マイグレーションの巻き戻しに失敗しました: %w", err)
		}
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("マイグレーションに失敗しました: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// 運用サーバーの /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

// listPage はlistサブコマンドの出力形式。
type listPage struct {
	Entries         []entryJSON `json:"entries"`
	HasMore         bool        `json:"has_more"`
	NextOlderThan   *time.Time  `json:"next_older_than,omitempty"`
	NextOlderThanID string      `json:"next_older_than_id,omitempty"`
	NextPage        *int        `json:"next_page,omitempty"`
}

// entryJSON は一覧出力の1エントリ。
type entryJSON struct {
	ID            string     `json:"id"`
	Feed          string     `json:"feed"`
	FeedIconURL   string     `json:"feed_icon_url,omitempty"`
	Folder        string     `json:"folder,omitempty"`
	FrequencyRank *int       `json:"frequency_rank,omitempty"`
	Title         string     `json:"title"`
	Username      string     `json:"username,omitempty"`
	DisplayName   string     `json:"display_name,omitempty"`
	AvatarURL     string     `json:"avatar_url,omitempty"`
	Body          string     `json:"body,omitempty"`
	EntryURL      string     `json:"entry_url,omitempty"`
	ContentURL    string     `json:"content_url,omitempty"`
	MediaURL      string     `json:"media_url,omitempty"`
	RebloggedBy   string     `json:"reblogged_by,omitempty"`
	RemoteUpdated time.Time  `json:"remote_updated"`
	Pinned        *time.Time `json:"pinned,omitempty"`
	Favorited     *time.Time `json:"favorited,omitempty"`
	Deleted       *time.Time `json:"deleted,omitempty"`
}

func toEntryJSON(views []model.EntryView) []entryJSON {
	out := make([]entryJSON, 0, len(views))
	for _, v := range views {
		out = append(out, entryJSON{
			ID:            v.ID,
			Feed:          v.FeedName,
			FeedIconURL:   v.FeedIconURL,
			Folder:        v.FeedFolder,
			FrequencyRank: v.FrequencyRank,
			Title:         v.Title,
			Username:      v.Username,
			DisplayName:   v.DisplayName,
			AvatarURL:     v.AvatarURL,
			Body:          v.Body,
			EntryURL:      v.EntryURL,
			ContentURL:    v.ContentURL,
			MediaURL:      v.MediaURL,
			RebloggedBy:   v.RebloggedBy,
			RemoteUpdated: v.RemoteUpdated,
			Pinned:        v.Pinned,
			Favorited:     v.Favorited,
			Deleted:       v.Deleted,
		})
	}
	return out
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("JSONの書き出しに失敗しました: %w", err)
	}
	return nil
}
