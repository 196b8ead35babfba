package navigation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/tweetwatch/internal/storage"
)

// ReturnToKey はログイン後の戻り先を保存するセッションストレージのキー。
const ReturnToKey = "redirectAfterLogin"

// ReturnTo は認証切れ直前の位置を保持する短命なスロット。
// 読み出すと同時に削除される。
type ReturnTo struct {
	storage storage.Storage
	logger  *slog.Logger
}

// NewReturnTo はセッションスコープのストレージを使うReturnToを生成する。
func NewReturnTo(st storage.Storage, logger *slog.Logger) *ReturnTo {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReturnTo{storage: st, logger: logger}
}

// Save は戻り先を記録する。
func (r *ReturnTo) Save(ctx context.Context, location string) error {
	if err := r.storage.Set(ctx, ReturnToKey, location); err != nil {
		return fmt.Errorf("failed to save return location: %w", err)
	}
	return nil
}

// Consume は戻り先を読み出して削除する。
// 未設定、またはサイト内の相対パスでない場合はfalseを返す。
func (r *ReturnTo) Consume(ctx context.Context) (string, bool) {
	v, ok, err := r.storage.Get(ctx, ReturnToKey)
	if err != nil {
		r.logger.Warn("return location unavailable", slog.String("error", err.Error()))
		return "", false
	}
	if !ok {
		return "", false
	}
	if err := r.storage.Remove(ctx, ReturnToKey); err != nil {
		r.logger.Warn("failed to clear return location", slog.String("error", err.Error()))
	}
	if !isLocalPath(v) {
		r.logger.Warn("discarded non-local return location", slog.String("location", v))
		return "", false
	}
	return v, true
}

// isLocalPath は同一オリジン内のパスかどうかを返す。
func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "/\\")
}
