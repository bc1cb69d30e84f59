package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/source"
)

// --- テスト用モック ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// mockSSRFGuard はテスト用のURLGuardモック。blockedに含まれるURLを拒否する。
type mockSSRFGuard struct {
	blocked map[string]bool
}

func (m *mockSSRFGuard) ValidateURL(rawURL string) error {
	if m.blocked[rawURL] {
		return errors.New("blocked")
	}
	return nil
}

func (m *mockSSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// mockHead はHeadCheckerのモック。okに含まれるURLのみ到達可能とする。
type mockHead struct {
	ok    map[string]bool
	calls []string
}

func (m *mockHead) HeadOK(_ context.Context, rawURL string) bool {
	m.calls = append(m.calls, rawURL)
	return m.ok[rawURL]
}

// mockFeedRepo はFeedRepositoryのテスト用モック。名前で一意にフィードを保持する。
type mockFeedRepo struct {
	byName       map[string]*model.Feed
	createErr    error
	findErr      error
	updatedIcons map[string]string
}

func newMockFeedRepo() *mockFeedRepo {
	return &mockFeedRepo{
		byName:       make(map[string]*model.Feed),
		updatedIcons: make(map[string]string),
	}
}

func (m *mockFeedRepo) FindByName(_ context.Context, name string) (*model.Feed, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.byName[name], nil
}

func (m *mockFeedRepo) Create(_ context.Context, feed *model.Feed) error {
	if m.createErr != nil {
		return m.createErr
	}
	feed.ID = "id-" + feed.Name
	m.byName[feed.Name] = feed
	return nil
}

func (m *mockFeedRepo) FindByID(_ context.Context, id string) (*model.Feed, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, f := range m.byName {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, nil
}

func (m *mockFeedRepo) UpdateIcon(_ context.Context, feedID, iconURL string) error {
	m.updatedIcons[feedID] = iconURL
	return nil
}

func (m *mockFeedRepo) ListAll(context.Context) ([]*model.Feed, error) { return nil, nil }

func (m *mockFeedRepo) UpdateFetchState(context.Context, *model.Feed) error { return nil }

func (m *mockFeedRepo) UpdateFrequencyRanks(context.Context, map[string]int) error { return nil }

func (m *mockFeedRepo) IncrementViews(context.Context, string) error { return nil }

// mockFetcher はFeedFetcherのモック。
type mockFetcher struct {
	feed *gofeed.Feed
	err  error
}

func (m *mockFetcher) Fetch(context.Context, string, model.CacheTokens) (*source.RSSResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &source.RSSResult{Feed: m.feed, StatusCode: http.StatusOK}, nil
}

// mockAvatars はAvatarFetcherのモック。
type mockAvatars struct {
	avatar string
	err    error
}

func (m *mockAvatars) FetchAvatar(context.Context, string, string) (string, error) {
	return m.avatar, m.err
}

// stubIcons はIconFinderのスタブ。受け取った引数を記録する。
type stubIcons struct {
	icon      string
	gotParsed *gofeed.Feed
	gotURL    string
}

func (s *stubIcons) Resolve(_ context.Context, parsed *gofeed.Feed, feedURL string) string {
	s.gotParsed = parsed
	s.gotURL = feedURL
	return s.icon
}
