package parser

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/mattn/go-mastodon"

	"github.com/hitoshi/feedsync/internal/model"
)

// NormalizeStatus はMastodonのステータスを正規化する。
// ブーストの場合は元のステータスの内容を使い、ブーストしたアカウントをRebloggedByに記録する。
func (n *Normalizer) NormalizeStatus(status *mastodon.Status) (model.CanonicalEntry, error) {
	if status == nil {
		return model.CanonicalEntry{}, &model.MalformedEntryError{Missing: []string{"status"}}
	}

	source := status
	var rebloggedBy string
	if status.Reblog != nil {
		source = status.Reblog
		rebloggedBy = accountName(n, &status.Account)
	}

	var missing []string
	if status.ID == "" {
		missing = append(missing, "id")
	}
	if source.CreatedAt.IsZero() {
		missing = append(missing, "created_at")
	}
	if len(missing) > 0 {
		return model.CanonicalEntry{}, &model.MalformedEntryError{RemoteID: string(status.ID), Missing: missing}
	}

	entryURL := source.URL
	if entryURL == "" {
		entryURL = source.URI
	}

	entry := model.CanonicalEntry{
		// タイムラインのカーソルはブーストを含むステータス自身のIDで進む
		RemoteID:      string(status.ID),
		Title:         accountName(n, &source.Account),
		Username:      source.Account.Acct,
		DisplayName:   n.sanitizer.PlainText(source.Account.DisplayName),
		UserURL:       source.Account.URL,
		AvatarURL:     source.Account.Avatar,
		Body:          source.Content,
		EntryURL:      entryURL,
		MediaURL:      statusImage(source),
		RemoteCreated: source.CreatedAt.UTC(),
		RemoteUpdated: source.CreatedAt.UTC(),
		RebloggedBy:   rebloggedBy,
	}

	if data, err := json.Marshal(status); err == nil {
		entry.RawData = string(data)
	} else {
		n.logger.Warn("ステータスの生データのシリアライズに失敗しました",
			slog.String("remote_id", entry.RemoteID),
			slog.String("error", err.Error()),
		)
	}

	return entry, nil
}

// accountName は表示名を優先し、空ならユーザー名を返す。
func accountName(n *Normalizer, account *mastodon.Account) string {
	if name := n.sanitizer.PlainText(account.DisplayName); name != "" {
		return name
	}
	return account.Username
}

// statusImage は最初の画像添付のURLを返す。プレビューがあればそちらを優先する。
func statusImage(status *mastodon.Status) string {
	for _, a := range status.MediaAttachments {
		if !strings.EqualFold(a.Type, "image") {
			continue
		}
		if a.PreviewURL != "" {
			return a.PreviewURL
		}
		if a.URL != "" {
			return a.URL
		}
	}
	return ""
}
