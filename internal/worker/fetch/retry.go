package fetch

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// FetchResult はHTTPステータスコードに基づく取得失敗の分類。
type FetchResult int

const (
	// FetchResultOK は取得成功（2xx/304）。
	FetchResultOK FetchResult = iota
	// FetchResultPermanent は時間をおいても回復しにくいステータス（404/410/401/403）。
	FetchResultPermanent
	// FetchResultBackoff は一時的な失敗（429/5xx、ネットワークエラー）。
	FetchResultBackoff
)

const (
	// initialBackoff は指数バックオフの初回遅延（30分）。
	initialBackoff = 30 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（12時間）。
	maxBackoff = 12 * time.Hour
)

// ClassifyHTTPStatus はHTTPステータスコードを取得結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode >= 200 && statusCode < 300, statusCode == 304:
		return FetchResultOK
	case statusCode == 404 || statusCode == 410:
		return FetchResultPermanent
	case statusCode == 401 || statusCode == 403:
		return FetchResultPermanent
	default:
		return FetchResultBackoff
	}
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回30分、2倍ずつ増加、最大12時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ApplyFailure は取得失敗をフィードに記録し、次回の再試行時刻を設定する。
// 回復しにくいステータスの場合は最大遅延を適用する。
func ApplyFailure(feed *model.Feed, err error, now time.Time) {
	feed.ConsecutiveErrors++
	feed.ErrorMessage = err.Error()

	delay := CalculateBackoff(feed.ConsecutiveErrors - 1)
	var fetchErr *model.SourceFetchError
	if errors.As(err, &fetchErr) && ClassifyHTTPStatus(fetchErr.StatusCode) == FetchResultPermanent {
		delay = maxBackoff
	}
	retryAfter := now.Add(delay)
	feed.RetryAfter = &retryAfter
}

// ApplySuccess は取得成功時にエラー状態をリセットする。
func ApplySuccess(feed *model.Feed) {
	feed.ConsecutiveErrors = 0
	feed.ErrorMessage = ""
	feed.RetryAfter = nil
}

// FailureReason はメトリクスのラベルに使う失敗理由を返す。
func FailureReason(err error) string {
	var fetchErr *model.SourceFetchError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &fetchErr) && fetchErr.StatusCode != 0:
		if fetchErr.StatusCode >= 500 {
			return "http_5xx"
		}
		return "http_4xx"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &fetchErr):
		return "network"
	default:
		return "parse"
	}
}
