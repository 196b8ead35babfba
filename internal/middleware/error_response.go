package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/tweetwatch/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。Redirectは遷移が必要な場合のみ設定される。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
	Redirect string `json:"redirect,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteRedirectResponse(w, statusCode, apiErr, "")
}

// WriteRedirectResponse はクライアントが遷移すべき場所を含むエラーレスポンスを書き込む。
func WriteRedirectResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError, redirect string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(NewErrorResponseBody(apiErr, redirect))
}

// NewErrorResponseBody はAPIErrorから統一フォーマットの本文を作る。
func NewErrorResponseBody(apiErr *model.APIError, redirect string) ErrorResponseBody {
	return ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
		Redirect: redirect,
	}
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, NewInternalServerError())
}

// NewInternalServerError は内部エラーのAPIErrorを返す。
func NewInternalServerError() *model.APIError {
	return &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
