// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// defaultRequestErrorMessage はエラーボディから理由を取り出せなかった場合のメッセージ。
const defaultRequestErrorMessage = "APIリクエストに失敗しました"

// networkErrorMessage はレスポンスを受け取れなかった場合のメッセージ。
const networkErrorMessage = "ネットワークエラーが発生しました"

// AuthenticationError はリモートAPIが401を返したことを表す。
// 資格情報は既に破棄されており、呼び出し元は再試行してはならない。
type AuthenticationError struct {
	Endpoint string
	Message  string
}

// Error はerrorインターフェースを実装する。
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s (%s)", e.Message, e.Endpoint)
}

// StatusCode は常に401を返す。
func (e *AuthenticationError) StatusCode() int { return http.StatusUnauthorized }

// NewAuthenticationError は認証エラーを生成する。
func NewAuthenticationError(endpoint string) *AuthenticationError {
	return &AuthenticationError{Endpoint: endpoint, Message: "認証に失敗しました"}
}

// RequestError は401以外の非2xx応答、またはネットワーク障害（Status=0）を表す。
// 結果キャッシュの上限付きリトライの対象になる。
type RequestError struct {
	Endpoint string
	Status   int
	Message  string
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed: status=%d %s (%s)", e.Status, e.Message, e.Endpoint)
}

// Unwrap は下位のトランスポートエラーを返す。
func (e *RequestError) Unwrap() error { return e.Err }

// StatusCode はHTTPステータスを返す。ネットワーク障害では0。
func (e *RequestError) StatusCode() int { return e.Status }

// NewRequestError はHTTPエラー応答からRequestErrorを生成する。
// messageが空の場合は汎用メッセージを使用する。
func NewRequestError(endpoint string, status int, message string) *RequestError {
	if message == "" {
		message = defaultRequestErrorMessage
	}
	return &RequestError{Endpoint: endpoint, Status: status, Message: message}
}

// NewNetworkError はレスポンスが得られなかった場合のRequestErrorを生成する。
func NewNetworkError(endpoint string, err error) *RequestError {
	return &RequestError{Endpoint: endpoint, Status: 0, Message: networkErrorMessage, Err: err}
}

// DecodeError はレスポンスの形がエンドポイントのスキーマと一致しないことを表す。
type DecodeError struct {
	Endpoint string
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *DecodeError) Error() string {
	return fmt.Sprintf("unexpected response shape from %s: %v", e.Endpoint, e.Err)
}

// Unwrap は原因を返す。
func (e *DecodeError) Unwrap() error { return e.Err }

// IsAuthenticationError はerrが認証エラーかどうかを判定する。
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// IsRequestError はerrがRequestErrorかどうかを判定し、該当すればそれを返す。
func IsRequestError(err error) (*RequestError, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr, true
	}
	return nil, false
}

// KeepsPriorData はerrで取得に失敗したとき、以前に取得したデータを表示し続けてよいかを返す。
// 認証エラーと404（対象が存在しない）では表示しない。
func KeepsPriorData(err error) bool {
	if err == nil || IsAuthenticationError(err) {
		return false
	}
	if reqErr, ok := IsRequestError(err); ok && reqErr.Status == http.StatusNotFound {
		return false
	}
	return true
}

// ErrMissingField は必須フィールドの欠落を表す。DecodeErrorにラップされる。
var ErrMissingField = errors.New("missing required field")

// missingField は欠落フィールド名付きのエラーを返す。
func missingField(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, name)
}

// APIError はダッシュボードAPIの統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, feed, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated = "UNAUTHENTICATED"
	ErrCodeUpstreamFailed  = "UPSTREAM_FAILED"
	ErrCodeUpstreamDown    = "UPSTREAM_UNREACHABLE"
	ErrCodeBadResponse     = "BAD_UPSTREAM_RESPONSE"
	ErrCodeInvalidParam    = "INVALID_PARAMETER"
	ErrCodeMediaBlocked    = "MEDIA_BLOCKED"
	ErrCodeCSRFFailed      = "CSRF_VALIDATION_FAILED"
	ErrCodeRateLimited     = "RATE_LIMIT_EXCEEDED"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeInvalidBody     = "INVALID_REQUEST"
)

// NewUnauthenticatedError はログインが必要であることを示すエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUpstreamError はリモートAPIのエラー応答を統一フォーマットに変換する。
func NewUpstreamError(reqErr *RequestError) *APIError {
	if reqErr.Status == 0 {
		return &APIError{
			Code:     ErrCodeUpstreamDown,
			Message:  reqErr.Message,
			Category: "system",
			Action:   "ネットワーク接続を確認し、再試行してください。",
		}
	}
	return &APIError{
		Code:     ErrCodeUpstreamFailed,
		Message:  reqErr.Message,
		Category: "feed",
		Action:   "しばらく待ってから再試行してください。",
	}
}

// NewBadResponseError はリモートAPIの応答形式が不正な場合のエラーを生成する。
func NewBadResponseError() *APIError {
	return &APIError{
		Code:     ErrCodeBadResponse,
		Message:  "サーバーから予期しない形式の応答を受け取りました。",
		Category: "system",
		Action:   "しばらく待ってから再試行してください。",
	}
}

// NewInvalidParamError は不正なクエリパラメータのエラーを生成する。
func NewInvalidParamError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidParam,
		Message:  fmt.Sprintf("無効なパラメータです: %s", name),
		Category: "validation",
		Action:   "正の整数を指定してください。",
	}
}

// NewMediaBlockedError はメディアプロキシがURLを拒否した場合のエラーを生成する。
func NewMediaBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeMediaBlocked,
		Message:  "セキュリティポリシーにより、指定されたメディアURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているhttps URLのメディアのみ表示できます。",
	}
}

// NewCSRFError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "リクエストの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError は試行回数の上限に達した場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewNotFoundError はリモートAPIに対象が存在しない場合のエラーを生成する。
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  message,
		Category: "feed",
		Action:   "一覧を再読み込みしてください。",
	}
}

// NewInvalidBodyError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidBodyError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidBody,
		Message:  message,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}
