package source

import (
	"context"
	"fmt"
	"time"

	"github.com/mattn/go-mastodon"

	"github.com/hitoshi/feedsync/internal/model"
)

// TimelineQuery はホームタイムライン取得の条件。
// SinceIDが空でなければそれより新しいステータスのみを取得する。
type TimelineQuery struct {
	SinceID string
	Limit   int
}

// MastodonClient はMastodon APIからホームタイムラインを取得する。
type MastodonClient struct {
	guard   URLGuard
	timeout time.Duration
}

// NewMastodonClient はMastodonClientの新しいインスタンスを生成する。
func NewMastodonClient(guard URLGuard, timeout time.Duration) *MastodonClient {
	return &MastodonClient{guard: guard, timeout: timeout}
}

// FetchTimeline はホームタイムラインのステータスを新しい順に返す。
func (c *MastodonClient) FetchTimeline(ctx context.Context, serverURL, accessToken string, q TimelineQuery) ([]*mastodon.Status, error) {
	client, err := c.client(serverURL, accessToken)
	if err != nil {
		return nil, err
	}

	pg := &mastodon.Pagination{Limit: int64(q.Limit)}
	if q.SinceID != "" {
		pg.SinceID = mastodon.ID(q.SinceID)
	}

	statuses, err := client.GetTimelineHome(ctx, pg)
	if err != nil {
		return nil, &model.SourceFetchError{URL: serverURL, Err: fmt.Errorf("タイムライン取得に失敗: %w", err)}
	}
	return statuses, nil
}

// FetchAvatar はアクセストークンの持ち主のアバター画像URLを返す。フィードのアイコンに使う。
func (c *MastodonClient) FetchAvatar(ctx context.Context, serverURL, accessToken string) (string, error) {
	client, err := c.client(serverURL, accessToken)
	if err != nil {
		return "", err
	}

	account, err := client.GetAccountCurrentUser(ctx)
	if err != nil {
		return "", &model.SourceFetchError{URL: serverURL, Err: fmt.Errorf("アカウント取得に失敗: %w", err)}
	}
	return account.Avatar, nil
}

func (c *MastodonClient) client(serverURL, accessToken string) (*mastodon.Client, error) {
	if err := c.guard.ValidateURL(serverURL); err != nil {
		return nil, &model.SourceFetchError{URL: serverURL, Err: fmt.Errorf("SSRF検証に失敗: %w", err)}
	}

	client := mastodon.NewClient(&mastodon.Config{
		Server:      serverURL,
		AccessToken: accessToken,
	})
	client.Client = *c.guard.NewSafeClient(c.timeout)
	return client, nil
}
