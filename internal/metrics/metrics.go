// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayRecorder はリクエストゲートウェイが利用するメトリクスのインターフェース。
type GatewayRecorder interface {
	RecordUpstreamRequest(method string, statusCode int, duration time.Duration)
	RecordCredentialEviction()
}

// CacheRecorder は結果キャッシュが利用するメトリクスのインターフェース。
type CacheRecorder interface {
	RecordCacheHit(operation string)
	RecordCacheMiss(operation string)
	RecordCacheCoalesced(operation string)
	RecordProducerCall(operation string, failed bool)
	RecordInvalidation(removed int)
}

// FeedRecorder はフィード合成が利用するメトリクスのインターフェース。
type FeedRecorder interface {
	RecordFeedFallback(reason string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	upstreamRequests *prometheus.CounterVec
	upstreamLatency  prometheus.Histogram
	evictions        prometheus.Counter
	cacheLookups     *prometheus.CounterVec
	producerCalls    *prometheus.CounterVec
	invalidations    prometheus.Counter
	feedFallbacks    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tweetwatch_upstream_requests_total",
			Help: "リモートAPIへのリクエスト数（メソッド・ステータス別、ネットワーク障害は0）",
		}, []string{"method", "status_code"}),
		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tweetwatch_upstream_latency_seconds",
			Help:    "リモートAPIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tweetwatch_credential_evictions_total",
			Help: "401応答による資格情報の破棄回数",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tweetwatch_cache_lookups_total",
			Help: "結果キャッシュの参照数（hit/miss/coalesced）",
		}, []string{"operation", "result"}),
		producerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tweetwatch_cache_producer_calls_total",
			Help: "結果キャッシュが実行したプロデューサー呼び出し数",
		}, []string{"operation", "outcome"}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tweetwatch_cache_invalidated_entries_total",
			Help: "無効化されたキャッシュエントリの合計数",
		}),
		feedFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tweetwatch_feed_fallbacks_total",
			Help: "名前付きフィードからグローバルフィードへのフォールバック数",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.upstreamRequests,
		c.upstreamLatency,
		c.evictions,
		c.cacheLookups,
		c.producerCalls,
		c.invalidations,
		c.feedFallbacks,
	)

	return c
}

// RecordUpstreamRequest はリモートAPIへのリクエスト結果を記録する。
func (c *Collector) RecordUpstreamRequest(method string, statusCode int, duration time.Duration) {
	c.upstreamRequests.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	c.upstreamLatency.Observe(duration.Seconds())
}

// RecordCredentialEviction は資格情報の破棄を記録する。
func (c *Collector) RecordCredentialEviction() {
	c.evictions.Inc()
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit(operation string) {
	c.cacheLookups.WithLabelValues(operation, "hit").Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss(operation string) {
	c.cacheLookups.WithLabelValues(operation, "miss").Inc()
}

// RecordCacheCoalesced は実行中のリクエストへの合流を記録する。
func (c *Collector) RecordCacheCoalesced(operation string) {
	c.cacheLookups.WithLabelValues(operation, "coalesced").Inc()
}

// RecordProducerCall はプロデューサーの実行を記録する。
func (c *Collector) RecordProducerCall(operation string, failed bool) {
	outcome := "success"
	if failed {
		outcome = "error"
	}
	c.producerCalls.WithLabelValues(operation, outcome).Inc()
}

// RecordInvalidation は無効化されたエントリ数を記録する。
func (c *Collector) RecordInvalidation(removed int) {
	c.invalidations.Add(float64(removed))
}

// RecordFeedFallback はグローバルフィードへのフォールバックを記録する。
func (c *Collector) RecordFeedFallback(reason string) {
	c.feedFallbacks.WithLabelValues(reason).Inc()
}

// Nop は何も記録しない実装。メトリクス未設定時やテストで使用する。
type Nop struct{}

func (Nop) RecordUpstreamRequest(string, int, time.Duration) {}
func (Nop) RecordCredentialEviction()                        {}
func (Nop) RecordCacheHit(string)                            {}
func (Nop) RecordCacheMiss(string)                           {}
func (Nop) RecordCacheCoalesced(string)                      {}
func (Nop) RecordProducerCall(string, bool)                  {}
func (Nop) RecordInvalidation(int)                           {}
func (Nop) RecordFeedFallback(string)                        {}

var (
	_ GatewayRecorder = (*Collector)(nil)
	_ CacheRecorder   = (*Collector)(nil)
	_ FeedRecorder    = (*Collector)(nil)
	_ GatewayRecorder = Nop{}
	_ CacheRecorder   = Nop{}
	_ FeedRecorder    = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
