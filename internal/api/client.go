// Package api はリモートAPIの各エンドポイントを型付きで呼び出す。
package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hitoshi/tweetwatch/internal/gateway"
	"github.com/hitoshi/tweetwatch/internal/model"
)

// Client はリモートAPIのクライアント。キャッシュを介さずに呼び出す。
type Client struct {
	gw *gateway.Gateway
}

// NewClient はClientを生成する。
func NewClient(gw *gateway.Gateway) *Client {
	return &Client{gw: gw}
}

// Login はユーザー名とパスワードでログインし、アクセストークンを返す。
// 認証不要のリクエストとして送るため、資格情報の誤りは401のRequestErrorになる。
func (c *Client) Login(ctx context.Context, username, password string) (*model.TokenResponse, error) {
	return gateway.Do[model.TokenResponse](ctx, c.gw, "/auth/login", gateway.Options{
		Method: http.MethodPost,
		Body:   model.LoginRequest{Username: username, Password: password},
		Public: true,
	})
}

// CurrentUser はログイン中のユーザーを返す。
func (c *Client) CurrentUser(ctx context.Context) (*model.UserIdentity, error) {
	return gateway.Do[model.UserIdentity](ctx, c.gw, "/auth/me", gateway.Options{})
}

// Timeline はグローバルフィードの1ページを返す。
func (c *Client) Timeline(ctx context.Context, p PageParams) (*model.FeedPage, error) {
	return gateway.Do[model.FeedPage](ctx, c.gw, "/tweets/timeline", gateway.Options{Query: p.query()})
}

// Bookmarked はブックマーク済みフィードの1ページを返す。
func (c *Client) Bookmarked(ctx context.Context, p PageParams) (*model.FeedPage, error) {
	return gateway.Do[model.FeedPage](ctx, c.gw, "/tweets/bookmarked", gateway.Options{Query: p.query()})
}

// ToggleBookmark はポストのブックマーク状態を反転する。
func (c *Client) ToggleBookmark(ctx context.Context, postID int64) (*model.BookmarkResult, error) {
	return gateway.Do[model.BookmarkResult](ctx, c.gw, fmt.Sprintf("/tweets/bookmark/%d", postID), gateway.Options{
		Method: http.MethodPost,
	})
}

// ListNamedFeeds は名前付きフィードの一覧を返す。
func (c *Client) ListNamedFeeds(ctx context.Context) (*model.NamedFeedList, error) {
	return gateway.Do[model.NamedFeedList](ctx, c.gw, "/timelines", gateway.Options{})
}

// NamedFeed は名前付きフィードの詳細を返す。
func (c *Client) NamedFeed(ctx context.Context, id int64) (*model.NamedFeed, error) {
	return gateway.Do[model.NamedFeed](ctx, c.gw, fmt.Sprintf("/timelines/%d", id), gateway.Options{})
}

// NamedFeedPosts は名前付きフィードの1ページを返す。
func (c *Client) NamedFeedPosts(ctx context.Context, id int64, page, pageSize int) (*model.FeedPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	return gateway.Do[model.FeedPage](ctx, c.gw, fmt.Sprintf("/timelines/%d/tweets", id), gateway.Options{Query: q})
}

// CreateNamedFeed は名前付きフィードを作成する。
func (c *Client) CreateNamedFeed(ctx context.Context, in model.NamedFeedInput) (*model.NamedFeed, error) {
	return gateway.Do[model.NamedFeed](ctx, c.gw, "/timelines", gateway.Options{
		Method: http.MethodPost,
		Body:   in,
	})
}

// UpdateNamedFeed は名前付きフィードを更新する。nilのフィールドは変更しない。
func (c *Client) UpdateNamedFeed(ctx context.Context, id int64, in model.NamedFeedInput) (*model.NamedFeed, error) {
	return gateway.Do[model.NamedFeed](ctx, c.gw, fmt.Sprintf("/timelines/%d", id), gateway.Options{
		Method: http.MethodPut,
		Body:   in,
	})
}

// DeleteNamedFeed は名前付きフィードを削除する。
func (c *Client) DeleteNamedFeed(ctx context.Context, id int64) error {
	_, err := c.gw.Request(ctx, fmt.Sprintf("/timelines/%d", id), gateway.Options{Method: http.MethodDelete})
	return err
}

func (p PageParams) query() url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(p.Page))
	q.Set("page_size", strconv.Itoa(p.PageSize))
	if p.TargetAccountID > 0 {
		q.Set("target_account_id", strconv.FormatInt(p.TargetAccountID, 10))
	}
	return q
}
