package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tweetwatch/internal/middleware"
	"github.com/hitoshi/tweetwatch/internal/model"
)

// NamedFeedQueries は名前付きフィードを読み取る。api.Queriesが実装する。
type NamedFeedQueries interface {
	NamedFeeds(ctx context.Context) (*model.NamedFeedList, error)
	NamedFeed(ctx context.Context, id int64) (*model.NamedFeed, error)
	// CachedNamedFeeds とCachedNamedFeed は保存済みの結果を返す。通信はしない。
	CachedNamedFeeds() (*model.NamedFeedList, bool)
	CachedNamedFeed(id int64) (*model.NamedFeed, bool)
}

// NamedFeedMutator は名前付きフィードを変更する。mutation.Coordinatorが実装する。
type NamedFeedMutator interface {
	CreateNamedFeed(ctx context.Context, in model.NamedFeedInput) (*model.NamedFeed, error)
	UpdateNamedFeed(ctx context.Context, id int64, in model.NamedFeedInput) (*model.NamedFeed, error)
	DeleteNamedFeed(ctx context.Context, id int64) error
}

// TimelineHandler は名前付きフィード管理のHTTPハンドラー。
type TimelineHandler struct {
	queries NamedFeedQueries
	mutator NamedFeedMutator
	errors  errorWriter
}

// NewTimelineHandler はTimelineHandlerを生成する。
func NewTimelineHandler(queries NamedFeedQueries, mutator NamedFeedMutator, ew errorWriter) *TimelineHandler {
	return &TimelineHandler{queries: queries, mutator: mutator, errors: ew}
}

// namedFeedListResponse は一覧に取得失敗時の情報を加えたレスポンス。
type namedFeedListResponse struct {
	*model.NamedFeedList
	Stale bool                          `json:"stale,omitempty"`
	Error *middleware.ErrorResponseBody `json:"error,omitempty"`
}

// namedFeedResponse は詳細に取得失敗時の情報を加えたレスポンス。
type namedFeedResponse struct {
	*model.NamedFeed
	Stale bool                          `json:"stale,omitempty"`
	Error *middleware.ErrorResponseBody `json:"error,omitempty"`
}

// List は名前付きフィードの一覧を返す。
// 再取得に失敗しても以前の一覧があれば、エラーを添えて200で返す。
// GET /api/timelines
func (h *TimelineHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.queries.NamedFeeds(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, namedFeedListResponse{NamedFeedList: list})
		return
	}
	if prior, ok := h.queries.CachedNamedFeeds(); ok && model.KeepsPriorData(err) {
		writeJSON(w, http.StatusOK, namedFeedListResponse{NamedFeedList: prior, Stale: true, Error: h.errors.staleBody(err)})
		return
	}
	h.errors.write(w, r, err)
}

// Get は名前付きフィードを1件返す。
// GET /api/timelines/{id}
func (h *TimelineHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.feedID(w, r)
	if !ok {
		return
	}
	feed, err := h.queries.NamedFeed(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, namedFeedResponse{NamedFeed: feed})
		return
	}
	if prior, ok := h.queries.CachedNamedFeed(id); ok && model.KeepsPriorData(err) {
		writeJSON(w, http.StatusOK, namedFeedResponse{NamedFeed: prior, Stale: true, Error: h.errors.staleBody(err)})
		return
	}
	h.errors.write(w, r, err)
}

// Create は名前付きフィードを作成する。
// POST /api/timelines
func (h *TimelineHandler) Create(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeInput(w, r)
	if !ok {
		return
	}
	if in.Name == nil || *in.Name == "" {
		h.errors.write(w, r, model.NewInvalidBodyError("フィード名を入力してください。"))
		return
	}
	feed, err := h.mutator.CreateNamedFeed(r.Context(), in)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, feed)
}

// Update は名前付きフィードを部分更新する。
// PUT /api/timelines/{id}
func (h *TimelineHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.feedID(w, r)
	if !ok {
		return
	}
	in, ok := h.decodeInput(w, r)
	if !ok {
		return
	}
	feed, err := h.mutator.UpdateNamedFeed(r.Context(), id, in)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

// Delete は名前付きフィードを削除する。
// DELETE /api/timelines/{id}
func (h *TimelineHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.feedID(w, r)
	if !ok {
		return
	}
	if err := h.mutator.DeleteNamedFeed(r.Context(), id); err != nil {
		h.errors.write(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TimelineHandler) feedID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		h.errors.write(w, r, model.NewInvalidParamError("id"))
		return 0, false
	}
	return id, true
}

func (h *TimelineHandler) decodeInput(w http.ResponseWriter, r *http.Request) (model.NamedFeedInput, bool) {
	var in model.NamedFeedInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.errors.write(w, r, model.NewInvalidBodyError("リクエストボディが不正です。"))
		return in, false
	}
	return in, true
}
