// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordSyncOutcome(feedType, outcome string)
	RecordFetchFailure(feedType, reason string)
	RecordHTTPStatus(statusCode int)
	RecordSyncLatency(duration time.Duration)
	RecordEntriesUpserted(count int)
	RecordMalformedEntry()
	RecordConflictWrite()
	RecordRankRun(duration time.Duration, feeds int, err error)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncOutcome     *prometheus.CounterVec
	fetchFail       *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	syncLatency     prometheus.Histogram
	entriesUpserted prometheus.Counter
	malformed       prometheus.Counter
	conflicts       prometheus.Counter
	rankRuns        *prometheus.CounterVec
	rankLatency     prometheus.Histogram
	rankedFeeds     prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_sync_total",
			Help: "フィード同期の結果別合計数",
		}, []string{"type", "outcome"}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_fetch_fail_total",
			Help: "取得元へのアクセス失敗の合計数",
		}, []string{"type", "reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		syncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedsync_sync_latency_seconds",
			Help:    "フィード1件あたりの同期時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		entriesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_entries_upserted_total",
			Help: "UPSERTされたエントリの合計数",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_malformed_entries_total",
			Help: "必須フィールド欠落でスキップしたエントリの合計数",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_conflict_writes_total",
			Help: "制約違反で失敗した書き込みの合計数",
		}),
		rankRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_rank_runs_total",
			Help: "頻度ランク再計算の実行回数",
		}, []string{"result"}),
		rankLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedsync_rank_latency_seconds",
			Help:    "頻度ランク再計算の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		rankedFeeds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedsync_ranked_feeds",
			Help: "直近の再計算でランクを更新したフィード数",
		}),
	}

	reg.MustRegister(
		c.syncOutcome,
		c.fetchFail,
		c.httpStatus,
		c.syncLatency,
		c.entriesUpserted,
		c.malformed,
		c.conflicts,
		c.rankRuns,
		c.rankLatency,
		c.rankedFeeds,
	)

	return c
}

// RecordSyncOutcome はフィード同期の結果を記録する。
func (c *Collector) RecordSyncOutcome(feedType, outcome string) {
	c.syncOutcome.WithLabelValues(feedType, outcome).Inc()
}

// RecordFetchFailure は取得失敗を記録する。
func (c *Collector) RecordFetchFailure(feedType, reason string) {
	c.fetchFail.WithLabelValues(feedType, reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSyncLatency は同期のレイテンシを記録する。
func (c *Collector) RecordSyncLatency(duration time.Duration) {
	c.syncLatency.Observe(duration.Seconds())
}

// RecordEntriesUpserted はUPSERTされたエントリ数を記録する。
func (c *Collector) RecordEntriesUpserted(count int) {
	c.entriesUpserted.Add(float64(count))
}

// RecordMalformedEntry はスキップしたエントリを記録する。
func (c *Collector) RecordMalformedEntry() {
	c.malformed.Inc()
}

// RecordConflictWrite は制約違反による書き込み失敗を記録する。
func (c *Collector) RecordConflictWrite() {
	c.conflicts.Inc()
}

// RecordRankRun は頻度ランク再計算の結果を記録する。
// 失敗した実行ではランク更新数のゲージを変更しない。
func (c *Collector) RecordRankRun(duration time.Duration, feeds int, err error) {
	c.rankLatency.Observe(duration.Seconds())
	if err != nil {
		c.rankRuns.WithLabelValues("error").Inc()
		return
	}
	c.rankRuns.WithLabelValues("ok").Inc()
	c.rankedFeeds.Set(float64(feeds))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordSyncOutcome(string, string) {}
func (Nop) RecordFetchFailure(string, string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordSyncLatency(time.Duration) {}
func (Nop) RecordEntriesUpserted(int) {}
func (Nop) RecordMalformedEntry() {}
func (Nop) RecordConflictWrite() {}
func (Nop) RecordRankRun(time.Duration, int, error) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
