package fetch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   FetchResult
	}{
		{200, FetchResultOK},
		{204, FetchResultOK},
		{304, FetchResultOK},
		{401, FetchResultPermanent},
		{403, FetchResultPermanent},
		{404, FetchResultPermanent},
		{410, FetchResultPermanent},
		{429, FetchResultBackoff},
		{500, FetchResultBackoff},
		{502, FetchResultBackoff},
		{503, FetchResultBackoff},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := ClassifyHTTPStatus(tt.status); got != tt.want {
				t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		errors int
		want   time.Duration
	}{
		{0, 30 * time.Minute},
		{1, 1 * time.Hour},
		{2, 2 * time.Hour},
		{3, 4 * time.Hour},
		{4, 8 * time.Hour},
		{5, 12 * time.Hour},
		{20, 12 * time.Hour},
	}
	for _, tt := range tests {
		if got := CalculateBackoff(tt.errors); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.errors, got, tt.want)
		}
	}
}

func TestApplyFailure_IncrementsAndSchedulesRetry(t *testing.T) {
	feed := model.NewRSSFeed("blog", "https://example.com/feed")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err := &model.SourceFetchError{URL: "https://example.com/feed", StatusCode: 503, Err: errors.New("unavailable")}

	ApplyFailure(feed, err, now)
	if feed.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", feed.ConsecutiveErrors)
	}
	if feed.RetryAfter == nil || !feed.RetryAfter.Equal(now.Add(30*time.Minute)) {
		t.Errorf("RetryAfter = %v, want now+30m", feed.RetryAfter)
	}
	if feed.ErrorMessage == "" {
		t.Error("ErrorMessageが設定されるべき")
	}

	ApplyFailure(feed, err, now)
	if feed.RetryAfter == nil || !feed.RetryAfter.Equal(now.Add(time.Hour)) {
		t.Errorf("2回目のRetryAfter = %v, want now+1h", feed.RetryAfter)
	}
}

func TestApplyFailure_PermanentStatusUsesMaxBackoff(t *testing.T) {
	feed := model.NewRSSFeed("blog", "https://example.com/feed")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ApplyFailure(feed, &model.SourceFetchError{StatusCode: 410, Err: errors.New("gone")}, now)
	if feed.RetryAfter == nil || !feed.RetryAfter.Equal(now.Add(maxBackoff)) {
		t.Errorf("RetryAfter = %v, want now+%v", feed.RetryAfter, maxBackoff)
	}
}

func TestApplySuccess_ResetsErrorState(t *testing.T) {
	retry := time.Now()
	feed := &model.Feed{ConsecutiveErrors: 3, ErrorMessage: "boom", RetryAfter: &retry}

	ApplySuccess(feed)
	if feed.ConsecutiveErrors != 0 || feed.ErrorMessage != "" || feed.RetryAfter != nil {
		t.Errorf("エラー状態がリセットされていない: %+v", feed)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }
func (timeoutErr) Temporary() bool { return true }

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", fmt.Errorf("取得に失敗しました: %w", context.DeadlineExceeded), "timeout"},
		{"5xx", &model.SourceFetchError{StatusCode: 502, Err: errors.New("bad gateway")}, "http_5xx"},
		{"4xx", &model.SourceFetchError{StatusCode: 404, Err: errors.New("not found")}, "http_4xx"},
		{"net timeout", &model.SourceFetchError{Err: timeoutErr{}}, "timeout"},
		{"network", &model.SourceFetchError{Err: errors.New("connection refused")}, "network"},
		{"parse", errors.New("unexpected EOF"), "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FailureReason(tt.err); got != tt.want {
				t.Errorf("FailureReason() = %q, want %q", got, tt.want)
			}
		})
	}
}
