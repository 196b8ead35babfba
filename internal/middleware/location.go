// Package middleware はダッシュボードAPIのHTTPミドルウェアを提供する。
package middleware

import (
	"net/http"

	"github.com/hitoshi/tweetwatch/internal/navigation"
)

// LocationHeader はフロントエンドが現在表示している画面のパスを伝えるヘッダー。
const LocationHeader = "X-Dashboard-Location"

// NewLocationMiddleware は現在地と遷移の記録先をリクエストコンテキストに設定する。
// ヘッダーが無い場合はfallbackを現在地とする。
// ゲートウェイが要求した遷移は navigation.Captured で取り出せる。
func NewLocationMiddleware(fallback string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			location := r.Header.Get(LocationHeader)
			if location == "" {
				location = fallback
			}
			ctx := navigation.WithLocation(r.Context(), location)
			ctx = navigation.WithCapture(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
