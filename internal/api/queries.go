package api

import (
	"context"

	"github.com/hitoshi/tweetwatch/internal/model"
	"github.com/hitoshi/tweetwatch/internal/querycache"
)

// Queries は結果キャッシュを介した読み取りクエリ。
// 同じキーの同時呼び出しは1回のリクエストに合流する。
type Queries struct {
	client *Client
	cache  *querycache.Cache
	policy Policy
}

// NewQueries はQueriesを生成する。
func NewQueries(client *Client, cache *querycache.Cache, policy Policy) *Queries {
	return &Queries{client: client, cache: cache, policy: policy}
}

// Cache は背後の結果キャッシュを返す。
func (q *Queries) Cache() *querycache.Cache { return q.cache }

// CurrentUser はログイン中のユーザーを返す。
func (q *Queries) CurrentUser(ctx context.Context) (*model.UserIdentity, error) {
	return querycache.Query(ctx, q.cache, CurrentUserKey(), q.client.CurrentUser, q.policy.CurrentUser)
}

// Timeline はグローバルフィードの1ページを返す。
func (q *Queries) Timeline(ctx context.Context, p PageParams) (*model.FeedPage, error) {
	return querycache.Query(ctx, q.cache, FeedKey(p), func(ctx context.Context) (*model.FeedPage, error) {
		return q.client.Timeline(ctx, p)
	}, q.policy.Feed)
}

// Bookmarked はブックマーク済みフィードの1ページを返す。
func (q *Queries) Bookmarked(ctx context.Context, p PageParams) (*model.FeedPage, error) {
	return querycache.Query(ctx, q.cache, BookmarkedKey(p), func(ctx context.Context) (*model.FeedPage, error) {
		return q.client.Bookmarked(ctx, p)
	}, q.policy.Feed)
}

// NamedFeeds は名前付きフィードの一覧を返す。
func (q *Queries) NamedFeeds(ctx context.Context) (*model.NamedFeedList, error) {
	return querycache.Query(ctx, q.cache, NamedFeedsKey(), q.client.ListNamedFeeds, q.policy.NamedFeed)
}

// NamedFeed は名前付きフィードの詳細を返す。
func (q *Queries) NamedFeed(ctx context.Context, id int64) (*model.NamedFeed, error) {
	return querycache.Query(ctx, q.cache, NamedFeedKey(id), func(ctx context.Context) (*model.NamedFeed, error) {
		return q.client.NamedFeed(ctx, id)
	}, q.policy.NamedFeed)
}

// NamedFeedPosts は名前付きフィードの1ページを返す。
func (q *Queries) NamedFeedPosts(ctx context.Context, id int64, page, pageSize int) (*model.FeedPage, error) {
	return querycache.Query(ctx, q.cache, NamedFeedPostsKey(id, page, pageSize), func(ctx context.Context) (*model.FeedPage, error) {
		return q.client.NamedFeedPosts(ctx, id, page, pageSize)
	}, q.policy.Feed)
}

// CachedPage はkeyに保存済みのフィードページを返す。通信は発生しない。
func (q *Queries) CachedPage(key querycache.Key) (*model.FeedPage, bool) {
	return querycache.Cached[model.FeedPage](q.cache, key)
}

// CachedNamedFeeds は保存済みの名前付きフィード一覧を返す。
func (q *Queries) CachedNamedFeeds() (*model.NamedFeedList, bool) {
	return querycache.Cached[model.NamedFeedList](q.cache, NamedFeedsKey())
}

// CachedNamedFeed は保存済みの名前付きフィード詳細を返す。
func (q *Queries) CachedNamedFeed(id int64) (*model.NamedFeed, bool) {
	return querycache.Cached[model.NamedFeed](q.cache, NamedFeedKey(id))
}
