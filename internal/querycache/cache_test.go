package querycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/tweetwatch/internal/model"
)

// fakeClock はテスト用の時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func noBackoff(int) time.Duration { return 0 }

func newTestCache(clock *fakeClock) *Cache {
	return New(Config{Backoff: noBackoff, Now: clock.Now})
}

// counter は呼び出し回数を数えるProducerを返す。
func counter(calls *atomic.Int32, value any) Producer {
	return func(context.Context) (any, error) {
		calls.Add(1)
		return value, nil
	}
}

func TestFetch_FreshHitSkipsProducer(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	key := NewKey("auth.current-user", nil)
	var calls atomic.Int32
	opts := Options{StaleTime: 5 * time.Minute}

	for i := 0; i < 3; i++ {
		v, err := c.Fetch(context.Background(), key, counter(&calls, "alice"), opts)
		if err != nil || v != "alice" {
			t.Fatalf("Fetch = (%v, %v)", v, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("producer calls = %d, want 1", got)
	}

	entry, ok := c.Get(key)
	if !ok || entry.Status != StatusSuccess {
		t.Fatalf("Get = (%+v, %v)", entry, ok)
	}
	if !entry.StaleAfter().Equal(clock.Now().Add(5 * time.Minute)) {
		t.Errorf("StaleAfter = %v", entry.StaleAfter())
	}
}

func TestFetch_StaleEntryRefetches(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	key := NewKey("tweets.timeline", Params{"page": 1})
	var calls atomic.Int32
	opts := Options{StaleTime: 30 * time.Second}

	_, _ = c.Fetch(context.Background(), key, counter(&calls, 1), opts)
	clock.Advance(30 * time.Second)
	_, _ = c.Fetch(context.Background(), key, counter(&calls, 1), opts)
	if got := calls.Load(); got != 1 {
		t.Fatalf("鮮度期限ちょうどで再取得された: calls = %d", got)
	}

	clock.Advance(time.Millisecond)
	_, _ = c.Fetch(context.Background(), key, counter(&calls, 1), opts)
	if got := calls.Load(); got != 2 {
		t.Errorf("鮮度切れで再取得されなかった: calls = %d", got)
	}
}

func TestFetch_ZeroStaleTimeAlwaysRefetches(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	key := NewKey("timelines", nil)
	var calls atomic.Int32

	_, _ = c.Fetch(context.Background(), key, counter(&calls, 1), Options{})
	clock.Advance(time.Nanosecond)
	_, _ = c.Fetch(context.Background(), key, counter(&calls, 1), Options{})

	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestFetch_ConcurrentIdenticalKeysCoalesce(t *testing.T) {
	c := newTestCache(newFakeClock())
	key := NewKey("tweets.timeline", Params{"page": 1, "page_size": 20})

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	producer := func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "page-1", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.Fetch(context.Background(), key, producer, Options{StaleTime: time.Minute})
	}()
	<-started

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Fetch(context.Background(), key, producer, Options{StaleTime: time.Minute})
		}(i)
	}

	// 後続の呼び出しが合流するまで待つ
	deadline := time.Now().Add(2 * time.Second)
	for {
		e, _ := c.Get(key)
		if e.Status == StatusPending || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("producer calls = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil || results[i] != "page-1" {
			t.Errorf("caller %d = (%v, %v)", i, results[i], errs[i])
		}
	}
}

func TestFetch_RetriesUpToMax(t *testing.T) {
	c := newTestCache(newFakeClock())
	key := NewKey("tweets.bookmarked", nil)
	var calls atomic.Int32
	failing := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, model.NewRequestError("/tweets/bookmarked", 503, "")
	}

	_, err := c.Fetch(context.Background(), key, failing, Options{MaxRetries: 3})
	if _, ok := model.IsRequestError(err); !ok {
		t.Fatalf("error = %v, want RequestError", err)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("producer calls = %d, want 4 (1 + 3 retries)", got)
	}

	entry, _ := c.Get(key)
	if entry.Status != StatusError || entry.Err == nil {
		t.Errorf("entry = %+v, want error status", entry)
	}
}

func TestFetch_RecoversWithinRetries(t *testing.T) {
	c := newTestCache(newFakeClock())
	key := NewKey("timelines", nil)
	var calls atomic.Int32
	flaky := func(context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, model.NewNetworkError("/timelines", errors.New("connection reset"))
		}
		return "ok", nil
	}

	v, err := c.Fetch(context.Background(), key, flaky, Options{MaxRetries: 3})
	if err != nil || v != "ok" {
		t.Fatalf("Fetch = (%v, %v)", v, err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("producer calls = %d, want 3", got)
	}
}

func TestFetch_NeverRetriesAuthenticationError(t *testing.T) {
	c := newTestCache(newFakeClock())
	key := NewKey("auth.current-user", nil)
	var calls atomic.Int32
	unauthorized := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, model.NewAuthenticationError("/auth/me")
	}

	_, err := c.Fetch(context.Background(), key, unauthorized, Options{MaxRetries: 5})
	if !model.IsAuthenticationError(err) {
		t.Fatalf("error = %v, want AuthenticationError", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("producer calls = %d, want 1", got)
	}
}

func TestFetch_FailedRefetchKeepsPriorData(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	key := NewKey("tweets.timeline", Params{"page": 2})

	_, _ = c.Fetch(context.Background(), key, func(context.Context) (any, error) {
		return "old", nil
	}, Options{})
	clock.Advance(time.Second)

	_, err := c.Fetch(context.Background(), key, func(context.Context) (any, error) {
		return nil, model.NewRequestError("/tweets/timeline", 500, "")
	}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}

	entry, ok := c.Get(key)
	if !ok || entry.Data != "old" || entry.Status != StatusError {
		t.Errorf("entry = %+v, want prior data with error status", entry)
	}
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	c := newTestCache(newFakeClock())
	opts := Options{StaleTime: time.Hour}
	var feedCalls, listCalls atomic.Int32

	feed := NewKey("tweets.timeline", Params{"page": 1})
	bookmarked := NewKey("tweets.bookmarked", Params{"page": 1})
	list := NewKey("timelines", nil)
	detail := NewKey("timeline", Params{"id": 7})

	_, _ = c.Fetch(context.Background(), feed, counter(&feedCalls, 1), opts)
	_, _ = c.Fetch(context.Background(), bookmarked, counter(&feedCalls, 1), opts)
	_, _ = c.Fetch(context.Background(), list, counter(&listCalls, 1), opts)
	_, _ = c.Fetch(context.Background(), detail, counter(&listCalls, 1), opts)

	removed := c.Invalidate(Match("tweets"))
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, ok := c.Get(feed); ok {
		t.Error("無効化したエントリが残っている")
	}
	if _, ok := c.Get(list); !ok {
		t.Error("無関係なエントリが無効化された")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}

	_, _ = c.Fetch(context.Background(), feed, counter(&feedCalls, 1), opts)
	_, _ = c.Fetch(context.Background(), list, counter(&listCalls, 1), opts)
	if got := feedCalls.Load(); got != 3 {
		t.Errorf("feed producer calls = %d, want 3", got)
	}
	if got := listCalls.Load(); got != 2 {
		t.Errorf("list producer calls = %d, want 2", got)
	}
}

func TestInvalidate_DuringFlightDiscardsResult(t *testing.T) {
	c := newTestCache(newFakeClock())
	key := NewKey("timelines", nil)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Fetch(context.Background(), key, func(context.Context) (any, error) {
			close(started)
			<-release
			return "before-mutation", nil
		}, Options{StaleTime: time.Hour})
	}()
	<-started

	c.Invalidate(Match("timelines"))
	close(release)
	<-done

	if _, ok := c.Get(key); ok {
		t.Error("無効化されたフライトの結果が保存された")
	}

	v, err := c.Fetch(context.Background(), key, func(context.Context) (any, error) {
		return "after-mutation", nil
	}, Options{StaleTime: time.Hour})
	if err != nil || v != "after-mutation" {
		t.Errorf("Fetch = (%v, %v), want after-mutation", v, err)
	}
}

func TestFetch_CallerCancelStillStoresResult(t *testing.T) {
	c := newTestCache(newFakeClock())
	key := NewKey("tweets.timeline", Params{"page": 1})

	release := make(chan struct{})
	stored := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, key, func(pctx context.Context) (any, error) {
			<-release
			defer close(stored)
			if pctx.Err() != nil {
				return nil, pctx.Err()
			}
			return "page", nil
		}, Options{StaleTime: time.Hour})
		errCh <- err
	}()

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	close(release)
	<-stored

	deadline := time.Now().Add(2 * time.Second)
	for {
		if e, ok := c.Get(key); ok && e.Status == StatusSuccess {
			if e.Data != "page" {
				t.Errorf("Data = %v", e.Data)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("呼び出し元のキャンセル後に結果が保存されなかった")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUpdate_RewritesMatchingData(t *testing.T) {
	c := newTestCache(newFakeClock())
	opts := Options{StaleTime: time.Hour}
	_, _ = c.Fetch(context.Background(), NewKey("tweets.timeline", Params{"page": 1}), func(context.Context) (any, error) { return 1, nil }, opts)
	_, _ = c.Fetch(context.Background(), NewKey("tweets.bookmarked", nil), func(context.Context) (any, error) { return 10, nil }, opts)
	_, _ = c.Fetch(context.Background(), NewKey("timelines", nil), func(context.Context) (any, error) { return 100, nil }, opts)

	n := c.Update(Match("tweets"), func(_ Key, data any) (any, bool) {
		return data.(int) + 1, true
	})
	if n != 2 {
		t.Errorf("updated = %d, want 2", n)
	}

	if e, _ := c.Get(NewKey("tweets.bookmarked", nil)); e.Data != 11 {
		t.Errorf("bookmarked = %v, want 11", e.Data)
	}
	if e, _ := c.Get(NewKey("timelines", nil)); e.Data != 100 {
		t.Errorf("timelines = %v, want 100", e.Data)
	}
	if got := len(c.Entries(Match("tweets"))); got != 2 {
		t.Errorf("Entries = %d, want 2", got)
	}
}

type page struct{ N int }

func TestQuery_Typed(t *testing.T) {
	c := newTestCache(newFakeClock())
	key := NewKey("tweets.timeline", Params{"page": 1})

	p, err := Query(context.Background(), c, key, func(context.Context) (*page, error) {
		return &page{N: 1}, nil
	}, Options{StaleTime: time.Hour})
	if err != nil || p.N != 1 {
		t.Fatalf("Query = (%+v, %v)", p, err)
	}

	// 同じキーを別の型で読むとエラーになる
	if _, err := Query(context.Background(), c, key, func(context.Context) (*string, error) {
		s := "x"
		return &s, nil
	}, Options{StaleTime: time.Hour}); err == nil {
		t.Error("型の不一致でエラーにならなかった")
	}
}

func TestExponentialBackoff_Capped(t *testing.T) {
	b := ExponentialBackoff(time.Second, 30*time.Second)
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := b(i); got != w*time.Second {
			t.Errorf("backoff(%d) = %v, want %v", i, got, w*time.Second)
		}
	}
}

func TestCached_ReturnsPriorDataAfterFailure(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	key := NewKey("tweets.timeline", Params{"page": 1})

	if _, ok := Cached[page](c, key); ok {
		t.Error("未取得のキーで値が返された")
	}

	_, _ = Query(context.Background(), c, key, func(context.Context) (*page, error) {
		return &page{N: 1}, nil
	}, Options{})
	clock.Advance(time.Second)
	_, err := Query(context.Background(), c, key, func(context.Context) (*page, error) {
		return nil, model.NewRequestError("/tweets/timeline", 500, "")
	}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}

	p, ok := Cached[page](c, key)
	if !ok || p.N != 1 {
		t.Errorf("Cached = (%+v, %v), want prior page", p, ok)
	}
	if _, ok := Cached[string](c, key); ok {
		t.Error("型の異なる読み出しで値が返された")
	}
}
