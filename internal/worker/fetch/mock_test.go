package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mattn/go-mastodon"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/parser"
	"github.com/hitoshi/feedsync/internal/source"
)

// --- テスト用モック ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// mockFeedRepo はFeedRepositoryのテスト用モック。
type mockFeedRepo struct {
	mu      sync.Mutex
	feeds   []*model.Feed
	listErr error
	states  []model.Feed // UpdateFetchStateに渡された値のスナップショット
}

func (m *mockFeedRepo) ListAll(context.Context) ([]*model.Feed, error) {
	return m.feeds, m.listErr
}

func (m *mockFeedRepo) FindByID(context.Context, string) (*model.Feed, error) { return nil, nil }
func (m *mockFeedRepo) FindByName(context.Context, string) (*model.Feed, error) { return nil, nil }
func (m *mockFeedRepo) Create(context.Context, *model.Feed) error { return nil }
func (m *mockFeedRepo) UpdateFrequencyRanks(context.Context, map[string]int) error { return nil }
func (m *mockFeedRepo) IncrementViews(context.Context, string) error { return nil }
func (m *mockFeedRepo) UpdateIcon(context.Context, string, string) error { return nil }

func (m *mockFeedRepo) UpdateFetchState(_ context.Context, feed *model.Feed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, *feed)
	return nil
}

func (m *mockFeedRepo) lastState() *model.Feed {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.states) == 0 {
		return nil
	}
	s := m.states[len(m.states)-1]
	return &s
}

// mockRSS はRSSFetcherのテスト用モック。
type mockRSS struct {
	calls     int
	gotTokens model.CacheTokens
	result    *source.RSSResult
	err       error
}

func (m *mockRSS) Fetch(_ context.Context, _ string, tokens model.CacheTokens) (*source.RSSResult, error) {
	m.calls++
	m.gotTokens = tokens
	return m.result, m.err
}

// mockTimeline はTimelineFetcherのテスト用モック。
type mockTimeline struct {
	calls    int
	gotQuery source.TimelineQuery
	statuses []*mastodon.Status
	err      error
}

func (m *mockTimeline) FetchTimeline(_ context.Context, _, _ string, q source.TimelineQuery) ([]*mastodon.Status, error) {
	m.calls++
	m.gotQuery = q
	return m.statuses, m.err
}

// stubNormalizer はGUIDとタイトルのみを写すEntryNormalizer。
// タイトルが空のアイテムは不正なエントリとして扱う。
type stubNormalizer struct {
	variants []parser.Variant
}

func (s *stubNormalizer) Normalize(_ context.Context, v parser.Variant, _ *gofeed.Feed, item *gofeed.Item) (model.CanonicalEntry, error) {
	s.variants = append(s.variants, v)
	if item.Title == "" {
		return model.CanonicalEntry{}, &model.MalformedEntryError{RemoteID: item.GUID, Missing: []string{"title"}}
	}
	var updated time.Time
	if item.UpdatedParsed != nil {
		updated = *item.UpdatedParsed
	}
	return model.CanonicalEntry{
		RemoteID:      item.GUID,
		Title:         item.Title,
		RemoteCreated: updated,
		RemoteUpdated: updated,
	}, nil
}

func (s *stubNormalizer) NormalizeStatus(status *mastodon.Status) (model.CanonicalEntry, error) {
	return model.CanonicalEntry{
		RemoteID:      string(status.ID),
		RemoteCreated: status.CreatedAt,
		RemoteUpdated: status.CreatedAt,
	}, nil
}

// mockUpserter はEntryUpserterのテスト用モック。
type mockUpserter struct {
	calls   int
	entries []model.CanonicalEntry
	err     error
}

func (m *mockUpserter) UpsertEntries(_ context.Context, _ string, entries []model.CanonicalEntry) (int, error) {
	m.calls++
	m.entries = append(m.entries, entries...)
	if m.err != nil {
		return 0, m.err
	}
	return len(entries), nil
}

// mockLatest はLatestEntryFinderのテスト用モック。
type mockLatest struct {
	entry *model.Entry
}

func (m *mockLatest) LatestByFeed(context.Context, string) (*model.Entry, error) {
	return m.entry, nil
}

// mockSyncer はFeedSyncerのテスト用モック。
type mockSyncer struct {
	syncFunc func(ctx context.Context, feed *model.Feed) (Outcome, error)
}

func (m *mockSyncer) Sync(ctx context.Context, feed *model.Feed) (Outcome, error) {
	return m.syncFunc(ctx, feed)
}

var errUpstream = errors.New("upstream failure")
