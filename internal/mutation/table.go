// Package mutation は状態を変更する操作を実行し、影響を受けるキャッシュを無効化する。
//
// 操作ごとに無効化するキーの集合を静的な表で定義する。表にないキーは無効化しない。
package mutation

import (
	"github.com/hitoshi/tweetwatch/internal/api"
	"github.com/hitoshi/tweetwatch/internal/querycache"
)

// Kind は変更操作の種類。
type Kind string

const (
	KindLogin           Kind = "login"
	KindLogout          Kind = "logout"
	KindToggleBookmark  Kind = "toggle_bookmark"
	KindCreateNamedFeed Kind = "create_timeline"
	KindUpdateNamedFeed Kind = "update_timeline"
	KindDeleteNamedFeed Kind = "delete_timeline"
)

// Target は無効化対象の決定に使う操作の引数。
type Target struct {
	FeedID int64
	PostID int64
}

type rule func(Target) []querycache.Matcher

func static(ms ...querycache.Matcher) rule {
	return func(Target) []querycache.Matcher { return ms }
}

// invalidations は操作ごとの無効化対象。
var invalidations = map[Kind]rule{
	// 現在のセッションに関するキーのみ。フィードのキャッシュは残す
	KindLogin:  static(querycache.Match(api.OpAuth)),
	KindLogout: static(querycache.Match(api.OpAuth)),

	// フィードのページとブックマーク済みフィードの両方の内容が変わりうる
	KindToggleBookmark: static(
		querycache.Match(api.OpFeed),
		querycache.Match(api.OpNamedFeedPosts),
		querycache.Match(api.OpBookmarked),
	),

	KindCreateNamedFeed: static(querycache.Match(api.OpNamedFeeds)),
	KindUpdateNamedFeed: func(t Target) []querycache.Matcher {
		return []querycache.Matcher{querycache.Match(api.OpNamedFeeds), api.NamedFeedMatcher(t.FeedID)}
	},
	KindDeleteNamedFeed: func(t Target) []querycache.Matcher {
		return []querycache.Matcher{querycache.Match(api.OpNamedFeeds), api.NamedFeedMatcher(t.FeedID)}
	},
}

// Invalidations はkindの操作が成功したときに無効化するMatcherを返す。
func Invalidations(kind Kind, target Target) []querycache.Matcher {
	r, ok := invalidations[kind]
	if !ok {
		return nil
	}
	return r(target)
}
