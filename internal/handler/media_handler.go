package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/hitoshi/tweetwatch/internal/model"
	"github.com/hitoshi/tweetwatch/internal/security"
)

// MediaFetcher はポストのメディアを取得する。security.MediaProxyが実装する。
type MediaFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*security.Media, error)
}

// MediaHandler はメディアプロキシのHTTPハンドラー。
type MediaHandler struct {
	fetcher MediaFetcher
	errors  errorWriter
}

// NewMediaHandler はMediaHandlerを生成する。
func NewMediaHandler(fetcher MediaFetcher, ew errorWriter) *MediaHandler {
	return &MediaHandler{fetcher: fetcher, errors: ew}
}

// Get はurlパラメータのメディアを取得して返す。
// GET /api/media?url=
func (h *MediaHandler) Get(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		h.errors.write(w, r, model.NewInvalidParamError("url"))
		return
	}

	media, err := h.fetcher.Fetch(r.Context(), raw)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}

	w.Header().Set("Content-Type", media.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(media.Body)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(media.Body)
}
