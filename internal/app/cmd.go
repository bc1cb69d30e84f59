package app

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandWorker は定期同期と頻度ランク計算を常駐で実行することを示す。
	CommandWorker Command = "worker"
	// CommandSync は全フィードの同期を1回だけ実行することを示す。
	CommandSync Command = "sync"
	// CommandRank は頻度ランクの再計算を1回だけ実行することを示す。
	CommandRank Command = "rank"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandLoad はCSVファイルからフィードを一括登録することを示す。
	CommandLoad Command = "load"
	// CommandList はエントリ一覧をJSONで出力することを示す。
	CommandList Command = "list"
	// CommandMark はエントリのマーカーを操作することを示す。
	CommandMark Command = "mark"
	// CommandIcon はフィードのアイコンを再解決することを示す。
	CommandIcon Command = "icon"
	// CommandDebug はフィードURLを取得し、解析結果をそのまま出力することを示す。
	// DBには接続しない。
	CommandDebug Command = "debug"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandWorkerを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandWorker
	}

	switch cmd := Command(args[0]); cmd {
	case CommandWorker, CommandSync, CommandRank, CommandMigrate,
		CommandLoad, CommandList, CommandMark, CommandIcon, CommandDebug, CommandHealthcheck:
		return cmd
	default:
		return CommandWorker
	}
}

// 一覧の並び順。
const (
	orderChronological = "chrono"
	orderFrequency     = "frequency"
	orderPinned        = "pinned"
)

// listOptions はlistサブコマンドのオプション。
type listOptions struct {
	Order   string
	Limit   int
	Page    int
	Cursor  *model.EntryCursor
	StartAt time.Time
	Filter  model.EntryFilter
}

// parseListOptions はlistサブコマンドのフラグを解析する。
func parseListOptions(args []string, output io.Writer) (*listOptions, error) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(output)

	opts := &listOptions{}
	var olderThan, olderThanID, startAt string
	fs.StringVar(&opts.Order, "order", orderChronological, "並び順 (chrono|frequency|pinned)")
	fs.IntVar(&opts.Limit, "limit", 0, "1ページの件数")
	fs.IntVar(&opts.Page, "page", 1, "ページ番号 (frequencyのみ)")
	fs.StringVar(&olderThan, "older-than", "", "このRFC3339時刻より古いエントリのみ (chronoのみ)")
	fs.StringVar(&olderThanID, "older-than-id", "", "同時刻のエントリのうちこのIDより後ろのみ (-older-thanと併用)")
	fs.StringVar(&startAt, "start-at", "", "頻度順の基準時刻 (RFC3339、既定は現在時刻)")
	fs.StringVar(&opts.Filter.FeedName, "feed", "", "フィード名で絞り込む")
	fs.StringVar(&opts.Filter.Folder, "folder", "", "フォルダで絞り込む")
	fs.StringVar(&opts.Filter.Username, "user", "", "投稿者で絞り込む")
	fs.BoolVar(&opts.Filter.Favorited, "favorited", false, "お気に入りのみ")
	fs.BoolVar(&opts.Filter.Deleted, "deleted", false, "削除済みのみ")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch opts.Order {
	case orderChronological, orderFrequency, orderPinned:
	default:
		return nil, fmt.Errorf("不明な並び順です: %q", opts.Order)
	}

	if olderThan != "" {
		t, err := time.Parse(time.RFC3339Nano, olderThan)
		if err != nil {
			return nil, fmt.Errorf("-older-thanの解析に失敗しました: %w", err)
		}
		opts.Cursor = &model.EntryCursor{RemoteUpdated: t, ID: olderThanID}
	} else if olderThanID != "" {
		return nil, fmt.Errorf("-older-than-idは-older-thanと併用してください")
	}
	if startAt != "" {
		t, err := time.Parse(time.RFC3339, startAt)
		if err != nil {
			return nil, fmt.Errorf("-start-atの解析に失敗しました: %w", err)
		}
		opts.StartAt = t
	}

	return opts, nil
}

// markAction はmarkサブコマンドの操作。
type markAction string

const (
	markPin      markAction = "pin"
	markUnpin    markAction = "unpin"
	markFav      markAction = "fav"
	markUnfav    markAction = "unfav"
	markDelete   markAction = "delete"
	markUndelete markAction = "undelete"
	markView     markAction = "view"
)

// parseMarkArgs は "mark <entry-id> <action>" の引数を解析する。
func parseMarkArgs(args []string) (string, markAction, error) {
	if len(args) != 2 {
		return "", "", fmt.Errorf("使い方: mark <entry-id> pin|unpin|fav|unfav|delete|undelete|view")
	}

	id := strings.TrimSpace(args[0])
	if id == "" {
		return "", "", fmt.Errorf("エントリIDが空です")
	}

	switch action := markAction(args[1]); action {
	case markPin, markUnpin, markFav, markUnfav, markDelete, markUndelete, markView:
		return id, action, nil
	default:
		return "", "", fmt.Errorf("不明な操作です: %q", args[1])
	}
}

// migrateAction はmigrateサブコマンドの操作。
type migrateAction struct {
	Direction string // "up"、"down"、"version"のいずれか
	Steps     int
}

// parseMigrateArgs は "migrate [up | down <n> | version]" の引数を解析する。
func parseMigrateArgs(args []string) (migrateAction, error) {
	if len(args) == 0 {
		return migrateAction{Direction: "up"}, nil
	}

	switch args[0] {
	case "up", "version":
		if len(args) != 1 {
			return migrateAction{}, fmt.Errorf("使い方: migrate %s", args[0])
		}
		return migrateAction{Direction: args[0]}, nil
	case "down":
		if len(args) != 2 {
			return migrateAction{}, fmt.Errorf("使い方: migrate down <steps>")
		}
		steps, err := strconv.Atoi(args[1])
		if err != nil || steps <= 0 {
			return migrateAction{}, fmt.Errorf("stepsは正の整数で指定してください: %q", args[1])
		}
		return migrateAction{Direction: "down", Steps: steps}, nil
	default:
		return migrateAction{}, fmt.Errorf("不明なmigrate操作です: %q", args[0])
	}
}
