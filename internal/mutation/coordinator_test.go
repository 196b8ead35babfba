package mutation

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/hitoshi/tweetwatch/internal/api"
	"github.com/hitoshi/tweetwatch/internal/apitest"
	"github.com/hitoshi/tweetwatch/internal/credential"
	"github.com/hitoshi/tweetwatch/internal/gateway"
	"github.com/hitoshi/tweetwatch/internal/model"
	"github.com/hitoshi/tweetwatch/internal/navigation"
	"github.com/hitoshi/tweetwatch/internal/querycache"
	"github.com/hitoshi/tweetwatch/internal/storage"
)

type stack struct {
	srv      *apitest.Server
	creds    *credential.Store
	returnTo *navigation.ReturnTo
	history  *navigation.History
	cache    *querycache.Cache
	queries  *api.Queries
	coord    *Coordinator
}

func newStack(t *testing.T) *stack {
	t.Helper()
	srv := apitest.New()
	t.Cleanup(srv.Close)

	creds := credential.NewStore(storage.NewMemory().Tab(), nil)
	returnTo := navigation.NewReturnTo(storage.NewMemory().Tab(), nil)
	history := navigation.NewHistory("/")

	gw, err := gateway.New(gateway.Config{BaseURL: srv.URL}, gateway.Deps{
		HTTPClient:  &http.Client{Timeout: 5 * time.Second},
		Credentials: creds,
		ReturnTo:    returnTo,
		Navigator:   history,
	})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}

	client := api.NewClient(gw)
	cache := querycache.New(querycache.Config{Backoff: func(int) time.Duration { return 0 }})
	coord := New(Deps{
		Remote:      client,
		Cache:       cache,
		Credentials: creds,
		ReturnTo:    returnTo,
		Navigator:   history,
	})
	return &stack{
		srv:      srv,
		creds:    creds,
		returnTo: returnTo,
		history:  history,
		cache:    cache,
		queries:  api.NewQueries(client, cache, api.DefaultPolicy(0)),
		coord:    coord,
	}
}

// signIn はトークンabcでログイン済みの状態にする。
func (s *stack) signIn(t *testing.T) {
	t.Helper()
	s.srv.Authorize("abc", "alice")
	if err := s.creds.Set(context.Background(), "abc"); err != nil {
		t.Fatalf("creds.Set: %v", err)
	}
}

func TestInvalidations_Table(t *testing.T) {
	tests := []struct {
		kind   Kind
		target Target
		want   []string
	}{
		{KindLogin, Target{}, []string{"auth"}},
		{KindLogout, Target{}, []string{"auth"}},
		{KindToggleBookmark, Target{PostID: 3}, []string{"tweets.timeline", "timeline-tweets", "tweets.bookmarked"}},
		{KindCreateNamedFeed, Target{FeedID: 7}, []string{"timelines"}},
		{KindUpdateNamedFeed, Target{FeedID: 7}, []string{"timelines", `timeline?"id"=i7`}},
		{KindDeleteNamedFeed, Target{FeedID: 7}, []string{"timelines", `timeline?"id"=i7`}},
		{Kind("unknown"), Target{}, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got := Invalidations(tt.kind, tt.target)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d (%v)", len(got), len(tt.want), got)
			}
			for i, m := range got {
				if m.String() != tt.want[i] {
					t.Errorf("matcher[%d] = %s, want %s", i, m.String(), tt.want[i])
				}
			}
		})
	}
}

func TestLogin_StoresCredentialAndRedirectsHome(t *testing.T) {
	s := newStack(t)
	s.srv.AddUser("alice", "x", "abc")
	ctx := context.Background()

	target, err := s.coord.Login(ctx, "alice", "x")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if target != "/" {
		t.Errorf("redirect = %q, want /", target)
	}
	if got, ok := s.creds.Get(ctx); !ok || got != "abc" {
		t.Errorf("credential = (%v, %v), want abc", got, ok)
	}
	if loc := s.history.Location(ctx); loc != "/" {
		t.Errorf("location = %q, want /", loc)
	}

	if _, err := s.queries.CurrentUser(ctx); err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if got := s.srv.LastAuthorization("/api/v1/auth/me"); got != "Bearer abc" {
		t.Errorf("Authorization = %q, want Bearer abc", got)
	}
	if got := s.srv.LastAuthorization("/api/v1/auth/login"); got != "" {
		t.Errorf("ログインリクエストにAuthorizationが付与された: %q", got)
	}
}

func TestLogin_ConsumesReturnTo(t *testing.T) {
	s := newStack(t)
	s.srv.AddUser("alice", "x", "abc")
	ctx := context.Background()
	_ = s.returnTo.Save(ctx, "/timelines/3")

	target, err := s.coord.Login(ctx, "alice", "x")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if target != "/timelines/3" {
		t.Errorf("redirect = %q, want /timelines/3", target)
	}
	if _, ok := s.returnTo.Consume(ctx); ok {
		t.Error("戻り先が消費されていない")
	}
}

func TestLogin_InvalidatesOnlyAuthKeys(t *testing.T) {
	s := newStack(t)
	s.signIn(t)
	s.srv.AddUser("alice", "x", "abc")
	s.srv.AddPosts(1, 3)
	ctx := context.Background()

	if _, err := s.queries.CurrentUser(ctx); err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if _, err := s.queries.Timeline(ctx, api.PageParams{Page: 1, PageSize: 20}); err != nil {
		t.Fatalf("Timeline: %v", err)
	}

	if _, err := s.coord.Login(ctx, "alice", "x"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, ok := s.cache.Get(api.CurrentUserKey()); ok {
		t.Error("auth.current-user が無効化されていない")
	}
	if _, ok := s.cache.Get(api.FeedKey(api.PageParams{Page: 1, PageSize: 20})); !ok {
		t.Error("フィードのキャッシュまで無効化された")
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	s := newStack(t)
	s.srv.AddUser("alice", "x", "abc")
	ctx := context.Background()

	_, err := s.coord.Login(ctx, "alice", "wrong")
	var reqErr *model.RequestError
	if !errors.As(err, &reqErr) || reqErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want RequestError(401)", err)
	}
	if reqErr.Message != "Incorrect username or password" {
		t.Errorf("message = %q", reqErr.Message)
	}
	if _, ok := s.creds.Get(ctx); ok {
		t.Error("ログイン失敗で資格情報が保存された")
	}
	if len(s.history.Visits()) != 0 {
		t.Errorf("ログイン失敗で遷移した: %v", s.history.Visits())
	}
}

func TestLogout_ClearsCredentialWithoutNetwork(t *testing.T) {
	s := newStack(t)
	s.signIn(t)
	ctx := context.Background()

	if _, err := s.queries.CurrentUser(ctx); err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	before := s.srv.TotalHits()

	target, err := s.coord.Logout(ctx)
	if err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if target != navigation.DefaultLoginPath {
		t.Errorf("redirect = %q, want %q", target, navigation.DefaultLoginPath)
	}
	if _, ok := s.creds.Get(ctx); ok {
		t.Error("資格情報が残っている")
	}
	if _, ok := s.cache.Get(api.CurrentUserKey()); ok {
		t.Error("auth.current-user が無効化されていない")
	}
	if s.srv.TotalHits() != before {
		t.Error("ログアウトでリモート呼び出しが発生した")
	}
}

func TestToggleBookmark_RefetchesFeedsAfterSuccess(t *testing.T) {
	s := newStack(t)
	s.signIn(t)
	s.srv.AddPosts(1, 5)
	ctx := context.Background()
	params := api.PageParams{Page: 1, PageSize: 20}

	if _, err := s.queries.Timeline(ctx, params); err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if _, err := s.queries.Bookmarked(ctx, params); err != nil {
		t.Fatalf("Bookmarked: %v", err)
	}

	result, err := s.coord.ToggleBookmark(ctx, 2)
	if err != nil {
		t.Fatalf("ToggleBookmark: %v", err)
	}
	if !result.IsBookmarked {
		t.Error("IsBookmarked = false, want true")
	}

	page, err := s.queries.Timeline(ctx, params)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if got := s.srv.Hits(http.MethodGet, "/api/v1/tweets/timeline"); got != 2 {
		t.Errorf("timeline hits = %d, want 2", got)
	}
	if post, _ := page.FindPost(2); !post.IsBookmarked {
		t.Error("再取得したページでブックマークされていない")
	}

	bookmarked, err := s.queries.Bookmarked(ctx, params)
	if err != nil {
		t.Fatalf("Bookmarked: %v", err)
	}
	if bookmarked.TotalCount != 1 {
		t.Errorf("bookmarked total = %d, want 1", bookmarked.TotalCount)
	}
}

func TestToggleBookmark_AppliesOptimisticState(t *testing.T) {
	s := newStack(t)
	s.signIn(t)
	s.srv.AddPosts(1, 3)
	ctx := context.Background()
	key := api.FeedKey(api.PageParams{Page: 1, PageSize: 20})

	if _, err := s.queries.Timeline(ctx, api.PageParams{Page: 1, PageSize: 20}); err != nil {
		t.Fatalf("Timeline: %v", err)
	}

	gate := s.srv.Hold(http.MethodPost, "/api/v1/tweets/bookmark/1")
	done := make(chan error, 1)
	go func() {
		_, err := s.coord.ToggleBookmark(ctx, 1)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		e, ok := s.cache.Get(key)
		if ok {
			if post, _ := e.Data.(*model.FeedPage).FindPost(1); post.IsBookmarked {
				break
			}
		}
		if time.Now().After(deadline) {
			close(gate)
			t.Fatal("応答前にキャッシュ上の状態が反転しなかった")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("ToggleBookmark: %v", err)
	}
	if _, ok := s.cache.Get(key); ok {
		t.Error("応答後にフィードのキャッシュが無効化されていない")
	}
}

func TestToggleBookmark_FailureStillInvalidates(t *testing.T) {
	s := newStack(t)
	s.signIn(t)
	s.srv.AddPosts(1, 3)
	ctx := context.Background()
	params := api.PageParams{Page: 1, PageSize: 20}

	if _, err := s.queries.Timeline(ctx, params); err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	s.srv.Fail(http.MethodPost, "/api/v1/tweets/bookmark/1", http.StatusInternalServerError, "boom", 1)

	_, err := s.coord.ToggleBookmark(ctx, 1)
	if _, ok := model.IsRequestError(err); !ok {
		t.Fatalf("err = %v, want RequestError", err)
	}

	page, err := s.queries.Timeline(ctx, params)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if post, _ := page.FindPost(1); post.IsBookmarked {
		t.Error("失敗後も楽観的な状態が残っている")
	}
	if got := s.srv.Hits(http.MethodGet, "/api/v1/tweets/timeline"); got != 2 {
		t.Errorf("timeline hits = %d, want 2", got)
	}
}

func TestNamedFeedMutations_Invalidate(t *testing.T) {
	s := newStack(t)
	s.signIn(t)
	ctx := context.Background()
	keep := s.srv.AddNamedFeed("keep", true, 1)
	target := s.srv.AddNamedFeed("target", true, 2)

	warm := func() {
		t.Helper()
		if _, err := s.queries.NamedFeeds(ctx); err != nil {
			t.Fatalf("NamedFeeds: %v", err)
		}
		for _, id := range []int64{keep, target} {
			if _, err := s.queries.NamedFeed(ctx, id); err != nil {
				t.Fatalf("NamedFeed(%d): %v", id, err)
			}
			if _, err := s.queries.NamedFeedPosts(ctx, id, 1, 20); err != nil {
				t.Fatalf("NamedFeedPosts(%d): %v", id, err)
			}
		}
	}
	cached := func(k querycache.Key) bool {
		_, ok := s.cache.Get(k)
		return ok
	}

	warm()
	name := "created"
	if _, err := s.coord.CreateNamedFeed(ctx, model.NamedFeedInput{Name: &name}); err != nil {
		t.Fatalf("CreateNamedFeed: %v", err)
	}
	if cached(api.NamedFeedsKey()) {
		t.Error("作成後も一覧がキャッシュされている")
	}
	if !cached(api.NamedFeedKey(target)) {
		t.Error("作成で個別フィードまで無効化された")
	}

	warm()
	disabled := false
	if _, err := s.coord.UpdateNamedFeed(ctx, target, model.NamedFeedInput{IsEnabled: &disabled}); err != nil {
		t.Fatalf("UpdateNamedFeed: %v", err)
	}
	if cached(api.NamedFeedsKey()) || cached(api.NamedFeedKey(target)) {
		t.Error("更新後も一覧または対象フィードがキャッシュされている")
	}
	if !cached(api.NamedFeedKey(keep)) || !cached(api.NamedFeedPostsKey(target, 1, 20)) {
		t.Error("更新で無関係なキーまで無効化された")
	}

	warm()
	if err := s.coord.DeleteNamedFeed(ctx, keep); err != nil {
		t.Fatalf("DeleteNamedFeed: %v", err)
	}
	if cached(api.NamedFeedsKey()) || cached(api.NamedFeedKey(keep)) {
		t.Error("削除後も一覧または対象フィードがキャッシュされている")
	}
	if !cached(api.NamedFeedKey(target)) {
		t.Error("削除で他のフィードまで無効化された")
	}
}

func TestNamedFeedMutation_FailureDoesNotInvalidate(t *testing.T) {
	s := newStack(t)
	s.signIn(t)
	ctx := context.Background()

	if _, err := s.queries.NamedFeeds(ctx); err != nil {
		t.Fatalf("NamedFeeds: %v", err)
	}
	if err := s.coord.DeleteNamedFeed(ctx, 999); err == nil {
		t.Fatal("存在しないフィードの削除が成功した")
	}
	if _, ok := s.cache.Get(api.NamedFeedsKey()); !ok {
		t.Error("失敗した変更でキャッシュが無効化された")
	}
}
