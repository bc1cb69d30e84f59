package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/hitoshi/feedsync/internal/model"
)

// integrityViolation はPostgreSQLの整合性制約違反のSQLSTATEクラス。
const integrityViolation pq.ErrorClass = "23"

// entryInsertColumns はUPSERTで挿入するソース由来のカラム。
var entryInsertColumns = []string{
	"id", "feed_id", "remote_id",
	"title", "username", "user_url", "display_name", "avatar_url",
	"body", "entry_url", "content_url", "media_url",
	"remote_created", "remote_updated", "raw_data", "reblogged_by",
}

// entryUpdateColumns は競合時に上書きするカラム。
// deleted、favorited、pinned、created_at はユーザー操作または初回挿入時の値を保持するため含めない。
var entryUpdateColumns = []string{
	"title", "username", "user_url", "display_name", "avatar_url",
	"body", "entry_url", "content_url", "media_url",
	"remote_created", "remote_updated", "raw_data", "reblogged_by",
}

var upsertEntrySQL = buildUpsertEntrySQL()

func buildUpsertEntrySQL() string {
	placeholders := make([]string, len(entryInsertColumns))
	for i := range entryInsertColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	sets := make([]string, 0, len(entryUpdateColumns)+1)
	for _, c := range entryUpdateColumns {
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	sets = append(sets, "updated_at = now()")

	return "INSERT INTO entries (" + strings.Join(entryInsertColumns, ", ") + ", created_at, updated_at)" +
		" VALUES (" + strings.Join(placeholders, ", ") + ", now(), now())" +
		" ON CONFLICT (feed_id, remote_id) DO UPDATE SET " + strings.Join(sets, ", ")
}

const entryColumns = `e.id, e.feed_id, e.remote_id, e.title, e.username, e.user_url, e.display_name,
	e.avatar_url, e.body, e.entry_url, e.content_url, e.media_url,
	e.created_at, e.updated_at, e.remote_created, e.remote_updated,
	e.deleted, e.favorited, e.pinned, e.raw_data, e.reblogged_by`

var entryViewColumns = []string{
	entryColumns,
	"f.name", "f.icon_url", "f.folder", "f.frequency_rank",
}

// PostgresEntryRepo はPostgreSQLを使用したエントリリポジトリ。
type PostgresEntryRepo struct {
	db *sql.DB
}

// NewPostgresEntryRepo はPostgresEntryRepoを生成する。
func NewPostgresEntryRepo(db *sql.DB) *PostgresEntryRepo {
	return &PostgresEntryRepo{db: db}
}

// Upsert は(feed_id, remote_id)を競合キーとしてエントリを挿入または更新する。
// 1文のINSERT ... ON CONFLICTで実行し、呼び出しごとに自動コミットされる。
func (r *PostgresEntryRepo) Upsert(ctx context.Context, feedID string, entry model.CanonicalEntry) (int64, error) {
	res, err := r.db.ExecContext(ctx, upsertEntrySQL,
		uuid.New().String(), feedID, entry.RemoteID,
		entry.Title, nullString(entry.Username), nullString(entry.UserURL),
		nullString(entry.DisplayName), nullString(entry.AvatarURL),
		nullString(entry.Body), nullString(entry.EntryURL),
		nullString(entry.ContentURL), nullString(entry.MediaURL),
		entry.RemoteCreated, entry.RemoteUpdated,
		nullString(entry.RawData), nullString(entry.RebloggedBy),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Class() == integrityViolation {
			return 0, &model.ConflictWriteError{
				FeedID:   feedID,
				RemoteID: entry.RemoteID,
				RawData:  entry.RawData,
				Err:      err,
			}
		}
		return 0, fmt.Errorf("エントリのUPSERTに失敗しました: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

func scanEntry(s rowScanner, e *model.Entry, extra ...any) error {
	var username, userURL, displayName, avatarURL, body, entryURL, contentURL, mediaURL, rawData, rebloggedBy sql.NullString
	var deleted, favorited, pinned sql.NullTime

	dest := []any{
		&e.ID, &e.FeedID, &e.RemoteID, &e.Title, &username, &userURL, &displayName,
		&avatarURL, &body, &entryURL, &contentURL, &mediaURL,
		&e.CreatedAt, &e.UpdatedAt, &e.RemoteCreated, &e.RemoteUpdated,
		&deleted, &favorited, &pinned, &rawData, &rebloggedBy,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return err
	}

	e.Username = nullStringValue(username)
	e.UserURL = nullStringValue(userURL)
	e.DisplayName = nullStringValue(displayName)
	e.AvatarURL = nullStringValue(avatarURL)
	e.Body = nullStringValue(body)
	e.EntryURL = nullStringValue(entryURL)
	e.ContentURL = nullStringValue(contentURL)
	e.MediaURL = nullStringValue(mediaURL)
	e.RawData = nullStringValue(rawData)
	e.RebloggedBy = nullStringValue(rebloggedBy)
	e.Deleted = timePtr(deleted)
	e.Favorited = timePtr(favorited)
	e.Pinned = timePtr(pinned)
	return nil
}

// FindByID は指定IDのエントリを取得する。見つからない場合はnilを返す。
func (r *PostgresEntryRepo) FindByID(ctx context.Context, id string) (*model.Entry, error) {
	entry := &model.Entry{}
	err := scanEntry(r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries e WHERE e.id = $1`, id), entry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("エントリの取得に失敗しました: %w", err)
	}
	return entry, nil
}

// LatestByFeed はremote_updatedが最新のエントリを取得する。エントリがなければnilを返す。
func (r *PostgresEntryRepo) LatestByFeed(ctx context.Context, feedID string) (*model.Entry, error) {
	entry := &model.Entry{}
	err := scanEntry(r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries e
		 WHERE e.feed_id = $1
		 ORDER BY e.remote_updated DESC
		 LIMIT 1`, feedID), entry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("最新エントリの取得に失敗しました: %w", err)
	}
	return entry, nil
}

// CountRecentByFeed はsince以降に更新されたエントリ数をフィードIDごとに数える。
// エントリが1件もないフィードは結果に含まれない。
func (r *PostgresEntryRepo) CountRecentByFeed(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT feed_id, COUNT(*) FROM entries
		 WHERE remote_updated >= $1
		 GROUP BY feed_id`, since)
	if err != nil {
		return nil, fmt.Errorf("フィード別エントリ数の集計に失敗しました: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var feedID string
		var n int
		if err := rows.Scan(&feedID, &n); err != nil {
			return nil, fmt.Errorf("集計結果の読み取りに失敗しました: %w", err)
		}
		counts[feedID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("集計結果の走査に失敗しました: %w", err)
	}
	return counts, nil
}

// ListChronological はcursorより後ろのエントリを(remote_updated, id)の降順で取得する。
func (r *PostgresEntryRepo) ListChronological(ctx context.Context, filter model.EntryFilter, cursor *model.EntryCursor, limit int) ([]model.EntryView, error) {
	query, args := buildChronologicalQuery(filter, cursor, limit)
	return r.queryViews(ctx, query, args)
}

// ListByFrequency はrecentCutoff以降のエントリを優先し、頻度ランクの昇順で取得する。
func (r *PostgresEntryRepo) ListByFrequency(ctx context.Context, filter model.EntryFilter, recentCutoff time.Time, offset, limit int) ([]model.EntryView, error) {
	query, args := buildFrequencyQuery(filter, recentCutoff, offset, limit)
	return r.queryViews(ctx, query, args)
}

// ListPinned はピン留めされたエントリをpinnedの降順で取得する。
func (r *PostgresEntryRepo) ListPinned(ctx context.Context, filter model.EntryFilter) ([]model.EntryView, error) {
	query, args := buildPinnedQuery(filter)
	return r.queryViews(ctx, query, args)
}

// SetMarker はマーカーのタイムスタンプを設定する。atがnilの場合はマーカーを解除する。
func (r *PostgresEntryRepo) SetMarker(ctx context.Context, entryID string, marker model.Marker, at *time.Time) error {
	if !marker.Valid() {
		return fmt.Errorf("不明なマーカーです: %q", marker)
	}

	// カラム名はValidで検証済みのマーカー名のみ
	res, err := r.db.ExecContext(ctx,
		`UPDATE entries SET `+string(marker)+` = $2 WHERE id = $1`,
		entryID, nullTime(at),
	)
	if err != nil {
		return fmt.Errorf("マーカーの更新に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return model.ErrEntryNotFound
	}
	return nil
}

func (r *PostgresEntryRepo) queryViews(ctx context.Context, query string, args []any) ([]model.EntryView, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("エントリ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var views []model.EntryView
	for rows.Next() {
		var v model.EntryView
		var iconURL, folder sql.NullString
		var rank sql.NullInt64
		if err := scanEntry(rows, &v.Entry, &v.FeedName, &iconURL, &folder, &rank); err != nil {
			return nil, fmt.Errorf("エントリの読み取りに失敗しました: %w", err)
		}
		v.FeedIconURL = nullStringValue(iconURL)
		v.FeedFolder = nullStringValue(folder)
		if rank.Valid {
			rk := int(rank.Int64)
			v.FrequencyRank = &rk
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("エントリ一覧の走査に失敗しました: %w", err)
	}
	return views, nil
}

// newEntrySelect はフィードを結合したエントリ検索のSELECTを組み立てる。
func newEntrySelect(filter model.EntryFilter) *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(entryViewColumns...)
	sb.From("entries e")
	sb.Join("feeds f", "f.id = e.feed_id")
	applyEntryFilter(sb, filter)
	return sb
}

// applyEntryFilter は絞り込み条件をANDで追加する。
func applyEntryFilter(sb *sqlbuilder.SelectBuilder, filter model.EntryFilter) {
	if filter.Deleted {
		sb.Where(sb.IsNotNull("e.deleted"))
	} else {
		sb.Where(sb.IsNull("e.deleted"))
	}
	if filter.Favorited {
		sb.Where(sb.IsNotNull("e.favorited"))
	}
	if filter.FeedName != "" {
		sb.Where(sb.Equal("f.name", filter.FeedName))
	}
	if filter.Folder != "" {
		sb.Where(sb.Equal("f.folder", filter.Folder))
	}
	if filter.Username != "" {
		sb.Where(sb.Equal("e.username", filter.Username))
	}
}

func buildChronologicalQuery(filter model.EntryFilter, cursor *model.EntryCursor, limit int) (string, []any) {
	sb := newEntrySelect(filter)
	switch {
	case cursor == nil:
	case cursor.ID == "":
		sb.Where(sb.LessThan("e.remote_updated", cursor.RemoteUpdated))
	default:
		// 同じremote_updatedの行はidで順序付ける
		sb.Where(sb.Or(
			sb.LessThan("e.remote_updated", cursor.RemoteUpdated),
			sb.And(
				sb.Equal("e.remote_updated", cursor.RemoteUpdated),
				sb.LessThan("e.id", cursor.ID),
			),
		))
	}
	sb.OrderBy("e.remote_updated DESC", "e.id DESC")
	sb.Limit(limit)
	return sb.Build()
}

func buildFrequencyQuery(filter model.EntryFilter, recentCutoff time.Time, offset, limit int) (string, []any) {
	sb := newEntrySelect(filter)
	sb.OrderBy(
		"(e.remote_updated < "+sb.Var(recentCutoff)+") ASC",
		"f.frequency_rank ASC NULLS LAST",
		"e.remote_updated DESC",
		"e.id DESC",
	)
	sb.Offset(offset)
	sb.Limit(limit)
	return sb.Build()
}

func buildPinnedQuery(filter model.EntryFilter) (string, []any) {
	sb := newEntrySelect(filter)
	sb.Where(sb.IsNotNull("e.pinned"))
	sb.OrderBy("e.pinned DESC")
	return sb.Build()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// compile-time interface check
var _ EntryRepository = (*PostgresEntryRepo)(nil)
