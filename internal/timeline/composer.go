package timeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/tweetwatch/internal/api"
	"github.com/hitoshi/tweetwatch/internal/metrics"
	"github.com/hitoshi/tweetwatch/internal/model"
	"github.com/hitoshi/tweetwatch/internal/querycache"
)

// DefaultPageSize は1ページあたりの既定のポスト数。
const DefaultPageSize = 20

// FeedSource はComposerが読み取るキャッシュ付きクエリ。api.Queriesが実装する。
type FeedSource interface {
	NamedFeeds(ctx context.Context) (*model.NamedFeedList, error)
	Timeline(ctx context.Context, p api.PageParams) (*model.FeedPage, error)
	Bookmarked(ctx context.Context, p api.PageParams) (*model.FeedPage, error)
	NamedFeedPosts(ctx context.Context, id int64, page, pageSize int) (*model.FeedPage, error)
	// CachedPage は保存済みのページを返す。通信はしない。
	CachedPage(key querycache.Key) (*model.FeedPage, bool)
}

// Composer はSelectorとページ指定をQuerySpecに解決し、実行する。
type Composer struct {
	src             FeedSource
	metrics         metrics.FeedRecorder
	logger          *slog.Logger
	defaultPageSize int
}

// NewComposer はComposerを生成する。pageSizeが0以下ならDefaultPageSizeを使う。
func NewComposer(src FeedSource, rec metrics.FeedRecorder, logger *slog.Logger, pageSize int) *Composer {
	if rec == nil {
		rec = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Composer{src: src, metrics: rec, logger: logger, defaultPageSize: pageSize}
}

// DefaultPageSize はページサイズ未指定時に使う値を返す。
func (c *Composer) DefaultPageSize() int { return c.defaultPageSize }

// Resolve はselを1つのQuerySpecに解決する。
//
// 名前付きフィードの参照はキャッシュされた一覧クエリを使う。該当するフィードが
// 無いか無効化されている場合は、Global()を選んだ場合と同一のQuerySpecを返す。
// これはエラーではない。一覧の取得自体が失敗した場合はそのエラーを返す。
// TargetAccountIDはグローバルフィードを選んだ場合のみ有効で、名前付きフィードの
// 選択では切り替え後も無視する。
func (c *Composer) Resolve(ctx context.Context, sel Selector, page, pageSize int) (QuerySpec, error) {
	page, pageSize = c.normalize(page, pageSize)
	global := QuerySpec{Kind: KindGlobal, Page: page, PageSize: pageSize}

	if sel.IsGlobal() {
		global.TargetAccountID = sel.TargetAccountID
		return global, nil
	}

	list, err := c.src.NamedFeeds(ctx)
	if err != nil {
		return QuerySpec{}, fmt.Errorf("failed to look up timeline %d: %w", sel.FeedID, err)
	}

	feed, ok := list.Find(sel.FeedID)
	switch {
	case !ok:
		c.fallback(sel.FeedID, "missing")
		return global, nil
	case !feed.IsEnabled:
		c.fallback(sel.FeedID, "disabled")
		return global, nil
	}

	return QuerySpec{Kind: KindNamed, FeedID: feed.ID, Page: page, PageSize: pageSize}, nil
}

// Bookmarked はブックマーク済みフィードのQuerySpecを返す。
func (c *Composer) Bookmarked(page, pageSize int, targetAccountID int64) QuerySpec {
	page, pageSize = c.normalize(page, pageSize)
	return QuerySpec{Kind: KindBookmarked, Page: page, PageSize: pageSize, TargetAccountID: targetAccountID}
}

// Load はspecを結果キャッシュ経由で実行する。
// 名前付きフィードにアカウントが1つも無い場合は0件のページになる。
func (c *Composer) Load(ctx context.Context, spec QuerySpec) (*model.FeedPage, error) {
	switch spec.Kind {
	case KindNamed:
		return c.src.NamedFeedPosts(ctx, spec.FeedID, spec.Page, spec.PageSize)
	case KindBookmarked:
		return c.src.Bookmarked(ctx, spec.pageParams())
	default:
		return c.src.Timeline(ctx, spec.pageParams())
	}
}

// LoadOrStale はLoadと同じだが、再取得に失敗しても以前に取得したページが
// キャッシュに残っていれば、そのページをstale=trueとして取得エラーと共に返す。
// 認証エラーと404では以前のページを返さない。
func (c *Composer) LoadOrStale(ctx context.Context, spec QuerySpec) (page *model.FeedPage, stale bool, err error) {
	page, err = c.Load(ctx, spec)
	if err == nil {
		return page, false, nil
	}
	if !model.KeepsPriorData(err) {
		return nil, false, err
	}
	prior, ok := c.src.CachedPage(spec.Key())
	if !ok {
		return nil, false, err
	}
	c.logger.Debug("serving stale feed page",
		slog.String("key", spec.Key().String()),
		slog.String("error", err.Error()),
	)
	return prior, true, err
}

func (c *Composer) normalize(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = c.defaultPageSize
	}
	return page, pageSize
}

// fallback はグローバルフィードへの切り替えを記録する。失敗ではないためdebugで出す。
func (c *Composer) fallback(feedID int64, reason string) {
	c.metrics.RecordFeedFallback(reason)
	c.logger.Debug("timeline unavailable, using global feed",
		slog.Int64("timeline_id", feedID),
		slog.String("reason", reason),
	)
}
