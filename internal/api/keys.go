package api

import (
	"time"

	"github.com/hitoshi/tweetwatch/internal/querycache"
)

// クエリキーの操作名。ドット区切りの先頭部分で無効化の対象を絞れる。
const (
	OpAuth           = "auth"
	OpCurrentUser    = "auth.current-user"
	OpTweets         = "tweets"
	OpFeed           = "tweets.timeline"
	OpBookmarked     = "tweets.bookmarked"
	OpNamedFeeds     = "timelines"
	OpNamedFeed      = "timeline"
	OpNamedFeedPosts = "timeline-tweets"
)

// PageParams はフィード取得のページ指定。
type PageParams struct {
	Page     int
	PageSize int
	// TargetAccountID は0なら絞り込まない。
	TargetAccountID int64
}

func (p PageParams) params() querycache.Params {
	params := querycache.Params{"page": p.Page, "page_size": p.PageSize}
	if p.TargetAccountID > 0 {
		params["target_account_id"] = p.TargetAccountID
	}
	return params
}

// CurrentUserKey はログイン中ユーザーのキー。
func CurrentUserKey() querycache.Key {
	return querycache.NewKey(OpCurrentUser, nil)
}

// FeedKey はグローバルフィードのページのキー。
func FeedKey(p PageParams) querycache.Key {
	return querycache.NewKey(OpFeed, p.params())
}

// BookmarkedKey はブックマーク済みフィードのページのキー。
func BookmarkedKey(p PageParams) querycache.Key {
	return querycache.NewKey(OpBookmarked, p.params())
}

// NamedFeedsKey は名前付きフィード一覧のキー。
func NamedFeedsKey() querycache.Key {
	return querycache.NewKey(OpNamedFeeds, nil)
}

// NamedFeedKey は名前付きフィード詳細のキー。
func NamedFeedKey(id int64) querycache.Key {
	return querycache.NewKey(OpNamedFeed, querycache.Params{"id": id})
}

// NamedFeedPostsKey は名前付きフィードのページのキー。
func NamedFeedPostsKey(id int64, page, pageSize int) querycache.Key {
	return querycache.NewKey(OpNamedFeedPosts, querycache.Params{"id": id, "page": page, "page_size": pageSize})
}

// NamedFeedMatcher は特定の名前付きフィード詳細に一致するMatcher。
func NamedFeedMatcher(id int64) querycache.Matcher {
	return querycache.Matcher{Operation: OpNamedFeed, Params: querycache.Params{"id": id}}
}

// Policy はクエリ種別ごとの鮮度とリトライ上限。
type Policy struct {
	CurrentUser querycache.Options
	Feed        querycache.Options
	NamedFeed   querycache.Options
}

// DefaultPolicy は既定のPolicyを返す。maxRetriesはフィード系クエリの再試行上限。
// ログイン中ユーザーの取得は再試行しない。名前付きフィードは選択のたびに一覧を
// 参照するため、フィードと同じ鮮度を持たせる。
func DefaultPolicy(maxRetries int) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return Policy{
		CurrentUser: querycache.Options{StaleTime: 5 * time.Minute, MaxRetries: 0},
		Feed:        querycache.Options{StaleTime: 30 * time.Second, MaxRetries: maxRetries},
		NamedFeed:   querycache.Options{StaleTime: 30 * time.Second, MaxRetries: maxRetries},
	}
}
