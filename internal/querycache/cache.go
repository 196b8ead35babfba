// Package querycache はクエリ結果のキー付きキャッシュを提供する。
//
// 同じキーへの同時リクエストは1回のプロデューサー呼び出しに合流する。
// エントリは鮮度期限を過ぎると再取得の対象になり、Invalidateで明示的に破棄できる。
package querycache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/tweetwatch/internal/metrics"
)

// Status はエントリの状態。
type Status int

const (
	// StatusPending は取得中。
	StatusPending Status = iota
	// StatusSuccess は取得済み。
	StatusSuccess
	// StatusError は直近の取得が失敗した。以前のデータは保持される。
	StatusError
)

// String はステータス名を返す。
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Entry はキャッシュエントリのスナップショット。
type Entry struct {
	Key           Key
	Data          any
	Err           error
	Status        Status
	LastFetchedAt time.Time
	StaleTime     time.Duration
}

// StaleAfter は鮮度が切れる時刻を返す。
func (e Entry) StaleAfter() time.Time {
	return e.LastFetchedAt.Add(e.StaleTime)
}

// fresh はnow時点でデータをそのまま返せるかを返す。
func (e Entry) fresh(now time.Time) bool {
	return e.Status == StatusSuccess && !now.After(e.StaleAfter())
}

// Producer はキャッシュミス時に値を取得する。
type Producer func(ctx context.Context) (any, error)

// Options はFetchごとの鮮度とリトライ上限。
type Options struct {
	// StaleTime は取得後に鮮度を保つ期間。
	StaleTime time.Duration
	// MaxRetries は最初の試行に加えて再試行する最大回数。
	MaxRetries int
}

// Backoff はattempt回目（0始まり）の失敗後に待つ時間を返す。
type Backoff func(attempt int) time.Duration

// ExponentialBackoff はbase·2^attemptをmaxで頭打ちにするBackoffを返す。
func ExponentialBackoff(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt && d < max; i++ {
			d *= 2
		}
		if d > max {
			d = max
		}
		return d
	}
}

// DefaultBackoff は1秒から始まり30秒で頭打ちになる指数バックオフ。
var DefaultBackoff = ExponentialBackoff(time.Second, 30*time.Second)

// Config はCacheの設定。
type Config struct {
	// Backoff はリトライ間隔。nilならDefaultBackoff。
	Backoff Backoff
	// Now は現在時刻。テストで差し替える。
	Now     func() time.Time
	Metrics metrics.CacheRecorder
	Logger  *slog.Logger
}

// Cache はクエリ結果のキャッシュ。プロセスで1つ生成し、利用側へ渡す。
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	gens    map[string]uint64

	group   singleflight.Group
	backoff Backoff
	now     func() time.Time
	metrics metrics.CacheRecorder
	logger  *slog.Logger
}

// New はCacheを生成する。
func New(cfg Config) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		gens:    make(map[string]uint64),
		backoff: cfg.Backoff,
		now:     cfg.Now,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if c.backoff == nil {
		c.backoff = DefaultBackoff
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.metrics == nil {
		c.metrics = metrics.Nop{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Get はエントリのスナップショットを返す。副作用はない。
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len はエントリ数を返す。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Fetch はkeyの値を返す。
//
// 鮮度内のエントリがあればproducerを呼ばずに返す。取得中であればその結果を待つ。
// それ以外はproducerを呼び出して結果を保存する。producerは呼び出し元の
// キャンセルから切り離されたcontextで実行されるため、呼び出し元が待つのを
// やめても結果は他の利用者のために保存される。
func (c *Cache) Fetch(ctx context.Context, key Key, producer Producer, opts Options) (any, error) {
	id := key.String()

	c.mu.Lock()
	e, ok := c.entries[id]
	switch {
	case ok && e.fresh(c.now()):
		data := e.Data
		c.mu.Unlock()
		c.metrics.RecordCacheHit(key.Operation)
		return data, nil
	case ok && e.Status == StatusPending:
		c.metrics.RecordCacheCoalesced(key.Operation)
	default:
		c.metrics.RecordCacheMiss(key.Operation)
	}
	c.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (any, error) {
		return c.run(detached, id, key, producer, opts)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run はsingleflightの内側で1回の取得を行う。
func (c *Cache) run(ctx context.Context, id string, key Key, producer Producer, opts Options) (any, error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok && e.fresh(c.now()) {
		// 直前のフライトが保存した結果をそのまま使う
		data := e.Data
		c.mu.Unlock()
		return data, nil
	}
	gen := c.gens[id]
	if !ok {
		e = &Entry{Key: key}
		c.entries[id] = e
	}
	e.Status = StatusPending
	c.mu.Unlock()

	data, err := c.produce(ctx, key, producer, opts.MaxRetries)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[id] != gen {
		// 取得中に無効化された結果は保存しない
		c.logger.Debug("discarded result of invalidated query", slog.String("key", id))
		return data, err
	}

	if err != nil {
		e.Err = err
		e.Status = StatusError
		return nil, err
	}
	e.Data = data
	e.Err = nil
	e.Status = StatusSuccess
	e.LastFetchedAt = c.now()
	e.StaleTime = opts.StaleTime
	return data, nil
}

// produce はリトライ方針に従ってproducerを呼び出す。
// 401（認証エラー）は再試行しない。
func (c *Cache) produce(ctx context.Context, key Key, producer Producer, maxRetries int) (any, error) {
	for attempt := 0; ; attempt++ {
		data, err := producer(ctx)
		c.metrics.RecordProducerCall(key.Operation, err != nil)
		if err == nil {
			return data, nil
		}
		if isUnauthorized(err) || attempt >= maxRetries {
			return nil, err
		}

		delay := c.backoff(attempt)
		c.logger.Debug("retrying query",
			slog.String("key", key.String()),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, err
			case <-timer.C:
			}
		}
	}
}

// isUnauthorized はerrが401を表すかを返す。
func isUnauthorized(err error) bool {
	var sc interface{ StatusCode() int }
	return errors.As(err, &sc) && sc.StatusCode() == http.StatusUnauthorized
}

// Invalidate はいずれかのmatcherに一致するエントリを破棄し、破棄した数を返す。
// 取得中のものは結果が保存されなくなり、以後のFetchは新しく取得する。
func (c *Cache) Invalidate(matchers ...Matcher) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.entries {
		if !matchesAny(matchers, e.Key) {
			continue
		}
		delete(c.entries, id)
		c.gens[id]++
		c.group.Forget(id)
		removed++
	}

	c.metrics.RecordInvalidation(removed)
	c.logger.Debug("invalidated queries",
		slog.Any("matchers", matchers),
		slog.Int("removed", removed),
	)
	return removed
}

// Update は取得済みでmatcherに一致するエントリのデータをfnで書き換え、書き換えた数を返す。
// fnがfalseを返したエントリは変更しない。鮮度は変えない。
func (c *Cache) Update(matcher Matcher, fn func(key Key, data any) (any, bool)) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	updated := 0
	for _, e := range c.entries {
		if e.Data == nil || !matcher.Matches(e.Key) {
			continue
		}
		if next, ok := fn(e.Key, e.Data); ok {
			e.Data = next
			updated++
		}
	}
	return updated
}

// Entries はmatcherに一致するエントリのスナップショットを返す。
func (c *Cache) Entries(matcher Matcher) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Entry
	for _, e := range c.entries {
		if matcher.Matches(e.Key) {
			out = append(out, *e)
		}
	}
	return out
}

func matchesAny(matchers []Matcher, k Key) bool {
	for _, m := range matchers {
		if m.Matches(k) {
			return true
		}
	}
	return false
}

// Query はFetchの型付き版。producerが返した*Tをそのまま返す。
func Query[T any](ctx context.Context, c *Cache, key Key, producer func(ctx context.Context) (*T, error), opts Options) (*T, error) {
	v, err := c.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		return producer(ctx)
	}, opts)
	if err != nil {
		return nil, err
	}
	out, ok := v.(*T)
	if !ok {
		return nil, fmt.Errorf("cached value for %s has unexpected type %T", key, v)
	}
	return out, nil
}

// Cached はkeyに保存済みの*Tを返す。取得に失敗したエントリでも直前の成功値を返す。
func Cached[T any](c *Cache, key Key) (*T, bool) {
	e, ok := c.Get(key)
	if !ok || e.Data == nil {
		return nil, false
	}
	out, ok := e.Data.(*T)
	return out, ok && out != nil
}
