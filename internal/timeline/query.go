// Package timeline はフィードの選択とページングを1つのクエリに合成する。
//
// 選択がグローバルフィードか名前付きフィードかを解決し、名前付きフィードが
// 存在しないか無効化されている場合は黙ってグローバルフィードに戻す。
package timeline

import (
	"fmt"

	"github.com/hitoshi/tweetwatch/internal/api"
	"github.com/hitoshi/tweetwatch/internal/querycache"
)

// Kind はクエリの対象となるフィードの種類。
type Kind int

const (
	// KindGlobal はすべての監視対象アカウントのフィード。
	KindGlobal Kind = iota
	// KindNamed は名前付きフィード。
	KindNamed
	// KindBookmarked はブックマーク済みのポスト。
	KindBookmarked
)

// String は種類名を返す。
func (k Kind) String() string {
	switch k {
	case KindGlobal:
		return "global"
	case KindNamed:
		return "named"
	case KindBookmarked:
		return "bookmarked"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Selector はフィードの選択。FeedIDが0以下ならグローバルフィード。
type Selector struct {
	FeedID int64
	// TargetAccountID はグローバルフィードをアカウントで絞り込む。0なら絞り込まない。
	// 名前付きフィードの選択では無視する。
	TargetAccountID int64
}

// Global はグローバルフィードのSelector。
func Global() Selector { return Selector{} }

// Named は名前付きフィードのSelector。
func Named(id int64) Selector { return Selector{FeedID: id} }

// IsGlobal はグローバルフィードの選択かどうかを返す。
func (s Selector) IsGlobal() bool { return s.FeedID <= 0 }

// QuerySpec は解決済みの1回分のフィードクエリ。
type QuerySpec struct {
	Kind            Kind
	FeedID          int64
	Page            int
	PageSize        int
	TargetAccountID int64
}

// Key は結果キャッシュのキーを返す。
func (q QuerySpec) Key() querycache.Key {
	switch q.Kind {
	case KindNamed:
		return api.NamedFeedPostsKey(q.FeedID, q.Page, q.PageSize)
	case KindBookmarked:
		return api.BookmarkedKey(q.pageParams())
	default:
		return api.FeedKey(q.pageParams())
	}
}

// Endpoint はリモートAPIのエンドポイントを返す。
func (q QuerySpec) Endpoint() string {
	switch q.Kind {
	case KindNamed:
		return fmt.Sprintf("/timelines/%d/tweets", q.FeedID)
	case KindBookmarked:
		return "/tweets/bookmarked"
	default:
		return "/tweets/timeline"
	}
}

func (q QuerySpec) pageParams() api.PageParams {
	return api.PageParams{Page: q.Page, PageSize: q.PageSize, TargetAccountID: q.TargetAccountID}
}
