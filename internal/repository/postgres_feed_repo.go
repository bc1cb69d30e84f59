package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/feedsync/internal/model"
)

// PostgresFeedRepo はPostgreSQLを使用したフィードリポジトリ。
type PostgresFeedRepo struct {
	db *sql.DB
}

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sql.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db}
}

const feedColumns = `id, type, name, icon_url, folder, views, frequency_rank, raw_data,
	url, last_fetch, etag, modified_header, server_url, access_token,
	consecutive_errors, error_message, retry_after, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(s rowScanner) (*model.Feed, error) {
	feed := &model.Feed{}
	var iconURL, folder, rawData, feedURL, etag, modified, serverURL, token, errorMessage sql.NullString
	var rank sql.NullInt64
	var lastFetch, retryAfter sql.NullTime

	if err := s.Scan(
		&feed.ID, &feed.Type, &feed.Name, &iconURL, &folder, &feed.Views, &rank, &rawData,
		&feedURL, &lastFetch, &etag, &modified, &serverURL, &token,
		&feed.ConsecutiveErrors, &errorMessage, &retryAfter, &feed.CreatedAt, &feed.UpdatedAt,
	); err != nil {
		return nil, err
	}

	feed.IconURL = nullStringValue(iconURL)
	feed.Folder = nullStringValue(folder)
	feed.RawData = nullStringValue(rawData)
	feed.ErrorMessage = nullStringValue(errorMessage)
	if rank.Valid {
		r := int(rank.Int64)
		feed.FrequencyRank = &r
	}
	if retryAfter.Valid {
		t := retryAfter.Time
		feed.RetryAfter = &t
	}

	switch feed.Type {
	case model.FeedTypeRSS:
		feed.RSS = &model.RSSSource{
			URL: nullStringValue(feedURL),
			CacheTokens: model.CacheTokens{
				ETag:         nullStringValue(etag),
				LastModified: nullStringValue(modified),
			},
		}
		if lastFetch.Valid {
			t := lastFetch.Time
			feed.RSS.LastFetch = &t
		}
	case model.FeedTypeMastodon:
		feed.Mastodon = &model.MastodonSource{
			ServerURL:   nullStringValue(serverURL),
			AccessToken: nullStringValue(token),
		}
	}

	return feed, nil
}

// ListAll は全フィードを名前順で取得する。
func (r *PostgresFeedRepo) ListAll(ctx context.Context) ([]*model.Feed, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("フィードの読み取りに失敗しました: %w", err)
		}
		feeds = append(feeds, feed)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィード一覧の走査に失敗しました: %w", err)
	}

	return feeds, nil
}

// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return feed, nil
}

// FindByName はフィード名でフィードを検索する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByName(ctx context.Context, name string) (*model.Feed, error) {
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィード名によるフィードの検索に失敗しました: %w", err)
	}
	return feed, nil
}

// Create はフィードを作成する。IDと作成日時が未設定の場合は補完する。
// 同名のフィードが存在する場合はmodel.DuplicateFeedErrorを返す。
func (r *PostgresFeedRepo) Create(ctx context.Context, feed *model.Feed) error {
	if feed.ID == "" {
		feed.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if feed.CreatedAt.IsZero() {
		feed.CreatedAt = now
	}
	feed.UpdatedAt = now

	var feedURL, etag, modified, serverURL, token sql.NullString
	var lastFetch sql.NullTime
	if feed.RSS != nil {
		feedURL = nullString(feed.RSS.URL)
		etag = nullString(feed.RSS.ETag)
		modified = nullString(feed.RSS.LastModified)
		lastFetch = nullTime(feed.RSS.LastFetch)
	}
	if feed.Mastodon != nil {
		serverURL = nullString(feed.Mastodon.ServerURL)
		token = nullString(feed.Mastodon.AccessToken)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feeds (`+feedColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		feed.ID, feed.Type, feed.Name, nullString(feed.IconURL), nullString(feed.Folder),
		feed.Views, nullInt(feed.FrequencyRank), nullString(feed.RawData),
		feedURL, lastFetch, etag, modified, serverURL, token,
		feed.ConsecutiveErrors, nullString(feed.ErrorMessage), nullTime(feed.RetryAfter),
		feed.CreatedAt, feed.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "feeds_name_key" {
			return &model.DuplicateFeedError{Name: feed.Name}
		}
		return fmt.Errorf("フィードの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateFetchState は同期処理が管理するカラムのみを更新する。
func (r *PostgresFeedRepo) UpdateFetchState(ctx context.Context, feed *model.Feed) error {
	var etag, modified sql.NullString
	var lastFetch sql.NullTime
	if feed.RSS != nil {
		etag = nullString(feed.RSS.ETag)
		modified = nullString(feed.RSS.LastModified)
		lastFetch = nullTime(feed.RSS.LastFetch)
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET
		    last_fetch = $2,
		    etag = $3,
		    modified_header = $4,
		    raw_data = $5,
		    consecutive_errors = $6,
		    error_message = $7,
		    retry_after = $8,
		    updated_at = now()
		 WHERE id = $1`,
		feed.ID,
		lastFetch,
		etag,
		modified,
		nullString(feed.RawData),
		feed.ConsecutiveErrors,
		nullString(feed.ErrorMessage),
		nullTime(feed.RetryAfter),
	)
	if err != nil {
		return fmt.Errorf("フェッチ状態の更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateFrequencyRanks は複数フィードのfrequency_rankを1トランザクションで更新する。
// 行単位のUPDATEのみを発行するため、同期処理による同じ行の更新とは競合しない。
func (r *PostgresFeedRepo) UpdateFrequencyRanks(ctx context.Context, ranks map[string]int) error {
	if len(ranks) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE feeds SET frequency_rank = $2 WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("ランク更新文の準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for feedID, rank := range ranks {
		if _, err := stmt.ExecContext(ctx, feedID, rank); err != nil {
			return fmt.Errorf("frequency_rankの更新に失敗しました (feed_id=%s): %w", feedID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// IncrementViews はフィードの閲覧数を1増やす。
func (r *PostgresFeedRepo) IncrementViews(ctx context.Context, feedID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE feeds SET views = views + 1 WHERE id = $1`, feedID)
	if err != nil {
		return fmt.Errorf("閲覧数の更新に失敗しました: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrFeedNotFound
	}
	return nil
}

// UpdateIcon はフィードのアイコンURLを更新する。
func (r *PostgresFeedRepo) UpdateIcon(ctx context.Context, feedID, iconURL string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET icon_url = $2, updated_at = now() WHERE id = $1`,
		feedID, nullString(iconURL),
	)
	if err != nil {
		return fmt.Errorf("アイコンの更新に失敗しました: %w", err)
	}
	return nil
}

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation pq.ErrorCode = "23505"

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

// compile-time interface check
var _ FeedRepository = (*PostgresFeedRepo)(nil)
