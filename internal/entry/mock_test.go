package entry

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// --- テスト用モック ---

// mockEntryRepo はテスト用のEntryRepositoryモック。
// エントリをメモリ上に保持し、(feed_id, remote_id)でUPSERTする。
type mockEntryRepo struct {
	entries     map[string]*model.Entry // feedID|remoteID -> entry
	upsertCalls int
	failOn      map[string]error // remoteID -> Upsertが返すエラー

	lastFreqCutoff time.Time
	lastFreqOffset int
	lastFreqLimit  int
	freqResult     []model.EntryView

	markers map[string]map[model.Marker]*time.Time
}

func newMockEntryRepo() *mockEntryRepo {
	return &mockEntryRepo{
		entries: make(map[string]*model.Entry),
		failOn:  make(map[string]error),
		markers: make(map[string]map[model.Marker]*time.Time),
	}
}

func (m *mockEntryRepo) Upsert(_ context.Context, feedID string, e model.CanonicalEntry) (int64, error) {
	m.upsertCalls++
	if err, ok := m.failOn[e.RemoteID]; ok {
		return 0, err
	}
	key := feedID + "|" + e.RemoteID
	existing, ok := m.entries[key]
	if !ok {
		existing = &model.Entry{ID: key, FeedID: feedID, RemoteID: e.RemoteID}
		m.entries[key] = existing
	}
	existing.Title = e.Title
	existing.RemoteUpdated = e.RemoteUpdated
	existing.RemoteCreated = e.RemoteCreated
	return 1, nil
}

func (m *mockEntryRepo) FindByID(_ context.Context, id string) (*model.Entry, error) {
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, nil
}

func (m *mockEntryRepo) LatestByFeed(_ context.Context, feedID string) (*model.Entry, error) {
	var latest *model.Entry
	for _, e := range m.entries {
		if e.FeedID == feedID && (latest == nil || e.RemoteUpdated.After(latest.RemoteUpdated)) {
			latest = e
		}
	}
	return latest, nil
}

func (m *mockEntryRepo) CountRecentByFeed(_ context.Context, since time.Time) (map[string]int, error) {
	return nil, nil
}

func (m *mockEntryRepo) sorted() []model.EntryView {
	views := make([]model.EntryView, 0, len(m.entries))
	for _, e := range m.entries {
		views = append(views, model.EntryView{Entry: *e})
	}
	sort.Slice(views, func(i, j int) bool {
		if !views[i].RemoteUpdated.Equal(views[j].RemoteUpdated) {
			return views[i].RemoteUpdated.After(views[j].RemoteUpdated)
		}
		return views[i].ID > views[j].ID
	})
	return views
}

func (m *mockEntryRepo) ListChronological(_ context.Context, _ model.EntryFilter, cursor *model.EntryCursor, limit int) ([]model.EntryView, error) {
	var out []model.EntryView
	for _, v := range m.sorted() {
		if cursor != nil && !afterCursor(v, *cursor) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *mockEntryRepo) ListByFrequency(_ context.Context, _ model.EntryFilter, cutoff time.Time, offset, limit int) ([]model.EntryView, error) {
	m.lastFreqCutoff = cutoff
	m.lastFreqOffset = offset
	m.lastFreqLimit = limit
	return m.freqResult, nil
}

func (m *mockEntryRepo) ListPinned(_ context.Context, _ model.EntryFilter) ([]model.EntryView, error) {
	return nil, nil
}

func (m *mockEntryRepo) SetMarker(_ context.Context, entryID string, marker model.Marker, at *time.Time) error {
	if e, _ := m.FindByID(context.Background(), entryID); e == nil {
		return model.ErrEntryNotFound
	}
	if m.markers[entryID] == nil {
		m.markers[entryID] = make(map[model.Marker]*time.Time)
	}
	m.markers[entryID][marker] = at
	return nil
}

// mockFeedRepo はテスト用のFeedRepositoryモック。閲覧数のみを扱う。
type mockFeedRepo struct {
	views map[string]int
}

func (m *mockFeedRepo) ListAll(context.Context) ([]*model.Feed, error) { return nil, nil }
func (m *mockFeedRepo) FindByID(context.Context, string) (*model.Feed, error) { return nil, nil }
func (m *mockFeedRepo) FindByName(context.Context, string) (*model.Feed, error) { return nil, nil }
func (m *mockFeedRepo) Create(context.Context, *model.Feed) error { return nil }
func (m *mockFeedRepo) UpdateFetchState(context.Context, *model.Feed) error { return nil }
func (m *mockFeedRepo) UpdateFrequencyRanks(context.Context, map[string]int) error { return nil }
func (m *mockFeedRepo) UpdateIcon(context.Context, string, string) error { return nil }

func (m *mockFeedRepo) IncrementViews(_ context.Context, feedID string) error {
	if m.views == nil {
		m.views = make(map[string]int)
	}
	m.views[feedID]++
	return nil
}

var errDB = errors.New("connection reset")

// afterCursor は(remote_updated, id)の降順でvがcursorより後ろにあるかを返す。
func afterCursor(v model.EntryView, cursor model.EntryCursor) bool {
	if v.RemoteUpdated.Before(cursor.RemoteUpdated) {
		return true
	}
	return cursor.ID != "" && v.RemoteUpdated.Equal(cursor.RemoteUpdated) && v.ID < cursor.ID
}
