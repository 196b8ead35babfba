// Package navigation は画面遷移の要求先と、ログイン後の戻り先を扱う。
// ルーティング自体は実装しない。
package navigation

import (
	"context"
	"net/url"
	"strings"
	"sync"
)

// DefaultLoginPath はログイン画面のパス。
const DefaultLoginPath = "/login"

// Navigator は現在位置の取得と遷移の要求を行う。
type Navigator interface {
	// Location は現在位置（パス+クエリ）を返す。
	Location(ctx context.Context) string
	// Navigate はtargetへの遷移を要求する。
	Navigate(ctx context.Context, target string)
}

// IsLoginSurface はlocationがログイン画面かどうかを返す。
// クエリやフラグメントは無視してパスのみを比較する。
func IsLoginSurface(location, loginPath string) bool {
	if loginPath == "" {
		loginPath = DefaultLoginPath
	}
	path := location
	if u, err := url.Parse(location); err == nil {
		path = u.Path
	}
	return strings.TrimSuffix(path, "/") == strings.TrimSuffix(loginPath, "/")
}

// History はプロセス内で現在位置と遷移履歴を保持するNavigator。
type History struct {
	mu      sync.Mutex
	current string
	visits  []string
}

// NewHistory はstartを現在位置とするHistoryを生成する。
func NewHistory(start string) *History {
	if start == "" {
		start = "/"
	}
	return &History{current: start}
}

// Location は現在位置を返す。
func (h *History) Location(context.Context) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Navigate は現在位置をtargetに移し、履歴に残す。
func (h *History) Navigate(_ context.Context, target string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = target
	h.visits = append(h.visits, target)
}

// Visits はNavigateで要求された遷移先を古い順に返す。
func (h *History) Visits() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.visits))
	copy(out, h.visits)
	return out
}

type locationKey struct{}
type captureKey struct{}

// capture はリクエスト中に要求された遷移先を保持する。
type capture struct {
	mu     sync.Mutex
	target string
	set    bool
}

// WithLocation はブラウザの現在位置をcontextに格納する。
func WithLocation(ctx context.Context, location string) context.Context {
	return context.WithValue(ctx, locationKey{}, location)
}

// WithCapture は遷移要求を記録する領域をcontextに用意する。
func WithCapture(ctx context.Context) context.Context {
	return context.WithValue(ctx, captureKey{}, &capture{})
}

// Captured はcontext内で最後に要求された遷移先を返す。
func Captured(ctx context.Context) (string, bool) {
	c, ok := ctx.Value(captureKey{}).(*capture)
	if !ok {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target, c.set
}

// ContextNavigator はリクエストのcontextを介してブラウザと遷移をやり取りするNavigator。
// 現在位置はWithLocationで、遷移要求はWithCaptureで用意した領域に記録される。
type ContextNavigator struct {
	// Fallback はcontextに位置が無い場合の現在位置。
	Fallback string
}

// Location はcontextに格納された現在位置を返す。
func (n ContextNavigator) Location(ctx context.Context) string {
	if loc, ok := ctx.Value(locationKey{}).(string); ok && loc != "" {
		return loc
	}
	if n.Fallback != "" {
		return n.Fallback
	}
	return "/"
}

// Navigate は遷移先をcontextに記録する。記録領域が無ければ何もしない。
func (n ContextNavigator) Navigate(ctx context.Context, target string) {
	c, ok := ctx.Value(captureKey{}).(*capture)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = target
	c.set = true
}

var (
	_ Navigator = (*History)(nil)
	_ Navigator = ContextNavigator{}
)
