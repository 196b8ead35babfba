package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tweetwatch/internal/model"
	"github.com/hitoshi/tweetwatch/internal/security"
	"github.com/hitoshi/tweetwatch/internal/session"
	"github.com/hitoshi/tweetwatch/internal/timeline"
)

// --- モック ---

type mockSessionState struct {
	authenticated bool
	subscribeFn   func() *session.Subscription
}

func (m *mockSessionState) Authenticated() bool { return m.authenticated }

func (m *mockSessionState) Subscribe() *session.Subscription {
	return m.subscribeFn()
}

type mockCurrentUser struct {
	currentUserFn func(ctx context.Context) (*model.UserIdentity, error)
}

func (m *mockCurrentUser) CurrentUser(ctx context.Context) (*model.UserIdentity, error) {
	return m.currentUserFn(ctx)
}

type mockSessionMutator struct {
	loginFn  func(ctx context.Context, username, password string) (string, error)
	logoutFn func(ctx context.Context) (string, error)
}

func (m *mockSessionMutator) Login(ctx context.Context, username, password string) (string, error) {
	return m.loginFn(ctx, username, password)
}

func (m *mockSessionMutator) Logout(ctx context.Context) (string, error) {
	return m.logoutFn(ctx)
}

type mockComposer struct {
	resolveFn func(ctx context.Context, sel timeline.Selector, page, pageSize int) (timeline.QuerySpec, error)
	loadFn    func(ctx context.Context, spec timeline.QuerySpec) (*model.FeedPage, error)
	// prior は取得失敗時に返す以前のページ。
	prior *model.FeedPage
}

func (m *mockComposer) Resolve(ctx context.Context, sel timeline.Selector, page, pageSize int) (timeline.QuerySpec, error) {
	return m.resolveFn(ctx, sel, page, pageSize)
}

func (m *mockComposer) Bookmarked(page, pageSize int, targetAccountID int64) timeline.QuerySpec {
	return timeline.QuerySpec{Kind: timeline.KindBookmarked, Page: page, PageSize: pageSize, TargetAccountID: targetAccountID}
}

func (m *mockComposer) LoadOrStale(ctx context.Context, spec timeline.QuerySpec) (*model.FeedPage, bool, error) {
	page, err := m.loadFn(ctx, spec)
	if err != nil && m.prior != nil && model.KeepsPriorData(err) {
		return m.prior, true, err
	}
	return page, false, err
}

type mockBookmarks struct {
	toggleFn func(ctx context.Context, postID int64) (*model.BookmarkResult, error)
}

func (m *mockBookmarks) ToggleBookmark(ctx context.Context, postID int64) (*model.BookmarkResult, error) {
	return m.toggleFn(ctx, postID)
}

type mockNamedFeedQueries struct {
	listFn func(ctx context.Context) (*model.NamedFeedList, error)
	getFn  func(ctx context.Context, id int64) (*model.NamedFeed, error)

	cachedList *model.NamedFeedList
	cachedFeed *model.NamedFeed
}

func (m *mockNamedFeedQueries) CachedNamedFeeds() (*model.NamedFeedList, bool) {
	return m.cachedList, m.cachedList != nil
}

func (m *mockNamedFeedQueries) CachedNamedFeed(int64) (*model.NamedFeed, bool) {
	return m.cachedFeed, m.cachedFeed != nil
}

func (m *mockNamedFeedQueries) NamedFeeds(ctx context.Context) (*model.NamedFeedList, error) {
	return m.listFn(ctx)
}

func (m *mockNamedFeedQueries) NamedFeed(ctx context.Context, id int64) (*model.NamedFeed, error) {
	return m.getFn(ctx, id)
}

type mockNamedFeedMutator struct {
	createFn func(ctx context.Context, in model.NamedFeedInput) (*model.NamedFeed, error)
	updateFn func(ctx context.Context, id int64, in model.NamedFeedInput) (*model.NamedFeed, error)
	deleteFn func(ctx context.Context, id int64) error
}

func (m *mockNamedFeedMutator) CreateNamedFeed(ctx context.Context, in model.NamedFeedInput) (*model.NamedFeed, error) {
	return m.createFn(ctx, in)
}

func (m *mockNamedFeedMutator) UpdateNamedFeed(ctx context.Context, id int64, in model.NamedFeedInput) (*model.NamedFeed, error) {
	return m.updateFn(ctx, id, in)
}

func (m *mockNamedFeedMutator) DeleteNamedFeed(ctx context.Context, id int64) error {
	return m.deleteFn(ctx, id)
}

type mockMediaFetcher struct {
	fetchFn func(ctx context.Context, rawURL string) (*security.Media, error)
}

func (m *mockMediaFetcher) Fetch(ctx context.Context, rawURL string) (*security.Media, error) {
	return m.fetchFn(ctx, rawURL)
}

// --- ヘルパー ---

func testErrorWriter() errorWriter {
	return errorWriter{loginPath: "/login", logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

// withChiURLParam はchiのURLパラメータをリクエストコンテキストに設定する。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// errorBody はエラーレスポンスのボディ。
type errorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Redirect string `json:"redirect"`
}

// parseAPIErrorResponse はレスポンスボディを統一エラーフォーマットとして読む。
func parseAPIErrorResponse(t *testing.T, body []byte) errorBody {
	t.Helper()
	var resp errorBody
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("エラーレスポンスのパースに失敗: %v (body=%s)", err, body)
	}
	return resp
}

func jsonRequest(method, target string, v any) *http.Request {
	var body bytes.Buffer
	if v != nil {
		json.NewEncoder(&body).Encode(v)
	}
	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func samplePage() *model.FeedPage {
	return model.NewFeedPage([]model.Post{
		{ID: 1, TweetID: "t1", Content: `hello <script>alert(1)</script><a href="https://example.com">x</a>`},
	}, 1, 1, 20)
}
