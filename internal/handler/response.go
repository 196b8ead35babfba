// Package handler はダッシュボードAPIのHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/tweetwatch/internal/middleware"
	"github.com/hitoshi/tweetwatch/internal/model"
	"github.com/hitoshi/tweetwatch/internal/navigation"
	"github.com/hitoshi/tweetwatch/internal/security"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorWriter はドメインのエラーを統一エラーフォーマットに変換する。
type errorWriter struct {
	loginPath string
	logger    *slog.Logger
}

// write はerrを適切なHTTPステータスとAPIErrorに変換して書き込む。
//
// 認証エラーでは、リクエスト中にゲートウェイが要求した遷移先をredirectとして返す。
// 遷移が記録されていない場合は、このリクエスト自身の現在位置で判断する。
// ログイン画面からのリクエストにはredirectを付けない。
func (ew errorWriter) write(w http.ResponseWriter, r *http.Request, err error) {
	if model.IsAuthenticationError(err) {
		middleware.WriteRedirectResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError(), ew.authRedirect(r))
		return
	}
	status, apiErr := ew.describe(err)
	middleware.WriteErrorResponse(w, status, apiErr)
}

// staleBody は以前のデータと共に返す取得エラーの本文を作る。
func (ew errorWriter) staleBody(err error) *middleware.ErrorResponseBody {
	_, apiErr := ew.describe(err)
	body := middleware.NewErrorResponseBody(apiErr, "")
	return &body
}

// describe はerrをHTTPステータスとAPIErrorに変換し、必要に応じてログに記録する。
// 認証エラーはwriteで扱う。
func (ew errorWriter) describe(err error) (int, *model.APIError) {
	if reqErr, ok := model.IsRequestError(err); ok {
		apiErr := model.NewUpstreamError(reqErr)
		if reqErr.Status == http.StatusNotFound {
			apiErr = model.NewNotFoundError(reqErr.Message)
		}
		ew.logger.Warn("upstream request failed",
			slog.String("endpoint", reqErr.Endpoint),
			slog.Int("upstream_status", reqErr.Status),
			slog.String("message", reqErr.Message),
		)
		return upstreamStatus(reqErr.Status), apiErr
	}

	var decodeErr *model.DecodeError
	if errors.As(err, &decodeErr) {
		ew.logger.Error("unexpected upstream response",
			slog.String("endpoint", decodeErr.Endpoint),
			slog.String("error", decodeErr.Err.Error()),
		)
		return http.StatusBadGateway, model.NewBadResponseError()
	}

	switch {
	case errors.Is(err, security.ErrMediaBlocked):
		return http.StatusForbidden, model.NewMediaBlockedError()
	case errors.Is(err, security.ErrMediaTooLarge):
		return http.StatusRequestEntityTooLarge, model.NewMediaBlockedError()
	case errors.Is(err, security.ErrMediaUnavailable):
		ew.logger.Warn("media fetch failed", slog.String("error", err.Error()))
		return http.StatusBadGateway, model.NewUpstreamError(model.NewNetworkError("media", err))
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadRequest, apiErr
	}

	ew.logger.Error("internal server error", slog.String("error", err.Error()))
	return http.StatusInternalServerError, middleware.NewInternalServerError()
}

// authRedirect は認証エラー時の遷移先を返す。遷移不要なら空文字を返す。
// 同一キーの取得に相乗りしたリクエストでは遷移が記録されないため、
// 自身の現在位置がログイン画面でなければログイン画面へ誘導する。
func (ew errorWriter) authRedirect(r *http.Request) string {
	if target, ok := navigation.Captured(r.Context()); ok && target != "" {
		return target
	}
	location := navigation.ContextNavigator{Fallback: "/"}.Location(r.Context())
	if navigation.IsLoginSurface(location, ew.loginPath) {
		return ""
	}
	return ew.loginPath
}

// upstreamStatus はリモートAPIのステータスをダッシュボードの応答ステータスに変換する。
// 4xxはそのまま返し、5xxと通信障害は502にする。
func upstreamStatus(status int) int {
	if status >= 400 && status < 500 {
		return status
	}
	return http.StatusBadGateway
}

// positiveIntParam はクエリパラメータを正の整数として読む。未指定なら0を返す。
func positiveIntParam(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 1 {
		return 0, model.NewInvalidParamError(name)
	}
	return n, nil
}
