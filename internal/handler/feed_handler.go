package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tweetwatch/internal/middleware"
	"github.com/hitoshi/tweetwatch/internal/model"
	"github.com/hitoshi/tweetwatch/internal/security"
	"github.com/hitoshi/tweetwatch/internal/timeline"
)

// FeedComposer はフィード選択をクエリに解決して実行する。timeline.Composerが実装する。
type FeedComposer interface {
	Resolve(ctx context.Context, sel timeline.Selector, page, pageSize int) (timeline.QuerySpec, error)
	Bookmarked(page, pageSize int, targetAccountID int64) timeline.QuerySpec
	LoadOrStale(ctx context.Context, spec timeline.QuerySpec) (*model.FeedPage, bool, error)
}

// BookmarkMutator はブックマークを切り替える。mutation.Coordinatorが実装する。
type BookmarkMutator interface {
	ToggleBookmark(ctx context.Context, postID int64) (*model.BookmarkResult, error)
}

// FeedHandler はフィード閲覧とブックマークのHTTPハンドラー。
type FeedHandler struct {
	composer  FeedComposer
	bookmarks BookmarkMutator
	sanitizer security.PostSanitizer
	errors    errorWriter
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(composer FeedComposer, bookmarks BookmarkMutator, sanitizer security.PostSanitizer, ew errorWriter) *FeedHandler {
	return &FeedHandler{composer: composer, bookmarks: bookmarks, sanitizer: sanitizer, errors: ew}
}

// feedResponse はフィードのページとクエリの解決結果を返すレスポンス。
type feedResponse struct {
	Kind     string          `json:"kind"`
	FeedID   int64           `json:"timeline_id,omitempty"`
	Endpoint string          `json:"endpoint"`
	Page     *model.FeedPage `json:"page"`
	// Stale は再取得に失敗し、以前に取得したページを返していることを示す。
	Stale bool                          `json:"stale,omitempty"`
	Error *middleware.ErrorResponseBody `json:"error,omitempty"`
}

// pageQuery はページ関連のクエリパラメータ。
type pageQuery struct {
	page            int
	pageSize        int
	targetAccountID int64
}

func parsePageQuery(r *http.Request) (pageQuery, error) {
	var q pageQuery
	page, err := positiveIntParam(r, "page")
	if err != nil {
		return q, err
	}
	size, err := positiveIntParam(r, "page_size")
	if err != nil {
		return q, err
	}
	account, err := positiveIntParam(r, "target_account_id")
	if err != nil {
		return q, err
	}
	q.page, q.pageSize, q.targetAccountID = int(page), int(size), account
	return q, nil
}

// GetFeed はフィードの1ページを返す。
// timeline_idが無いか、無効・未登録の名前付きフィードを指す場合はグローバルフィードを返す。
// GET /api/feed
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	q, err := parsePageQuery(r)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	feedID, err := positiveIntParam(r, "timeline_id")
	if err != nil {
		h.errors.write(w, r, err)
		return
	}

	sel := timeline.Selector{FeedID: feedID, TargetAccountID: q.targetAccountID}
	spec, err := h.composer.Resolve(r.Context(), sel, q.page, q.pageSize)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	h.load(w, r, spec)
}

// GetBookmarks はブックマーク済みポストの1ページを返す。
// GET /api/bookmarks
func (h *FeedHandler) GetBookmarks(w http.ResponseWriter, r *http.Request) {
	q, err := parsePageQuery(r)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	h.load(w, r, h.composer.Bookmarked(q.page, q.pageSize, q.targetAccountID))
}

// load はページを返す。再取得に失敗しても以前のページがあれば、エラーを添えて200で返す。
func (h *FeedHandler) load(w http.ResponseWriter, r *http.Request, spec timeline.QuerySpec) {
	page, stale, err := h.composer.LoadOrStale(r.Context(), spec)
	if err != nil && !stale {
		h.errors.write(w, r, err)
		return
	}
	resp := feedResponse{
		Kind:     spec.Kind.String(),
		FeedID:   spec.FeedID,
		Endpoint: spec.Endpoint(),
		Page:     h.sanitizer.SanitizePage(page),
		Stale:    stale,
	}
	if stale {
		resp.Error = h.errors.staleBody(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ToggleBookmark はポストのブックマーク状態を反転する。
// POST /api/bookmarks/{postID}
func (h *FeedHandler) ToggleBookmark(w http.ResponseWriter, r *http.Request) {
	postID, err := strconv.ParseInt(chi.URLParam(r, "postID"), 10, 64)
	if err != nil || postID < 1 {
		h.errors.write(w, r, model.NewInvalidParamError("postID"))
		return
	}

	result, err := h.bookmarks.ToggleBookmark(r.Context(), postID)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
