package timeline

import (
	"context"
	"sync"

	"github.com/hitoshi/tweetwatch/internal/model"
)

// Browser は現在のフィード選択とページ位置を保持する。
// 選択を変えるとページは常に1に戻る。
type Browser struct {
	composer *Composer

	mu       sync.Mutex
	selector Selector
	page     int
	pageSize int
	last     *model.FeedPage
}

// NewBrowser はグローバルフィードの1ページ目を指すBrowserを生成する。
func NewBrowser(c *Composer, pageSize int) *Browser {
	if pageSize <= 0 {
		pageSize = c.DefaultPageSize()
	}
	return &Browser{composer: c, page: 1, pageSize: pageSize}
}

// Select はフィードを切り替え、ページを1に戻す。
func (b *Browser) Select(sel Selector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selector = sel
	b.page = 1
	b.last = nil
}

// Selector は現在の選択を返す。
func (b *Browser) Selector() Selector {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selector
}

// Page は現在のページ番号を返す。
func (b *Browser) Page() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.page
}

// Next は直前に読み込んだページに続きがある場合のみ次のページへ進む。
func (b *Browser) Next() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil || !b.last.HasNext {
		return false
	}
	b.page++
	b.last = nil
	return true
}

// Prev は前のページへ戻る。1ページ目より前には戻らない。
func (b *Browser) Prev() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.page <= 1 {
		return false
	}
	b.page--
	b.last = nil
	return true
}

// Current は現在の選択とページを解決して読み込む。
func (b *Browser) Current(ctx context.Context) (QuerySpec, *model.FeedPage, error) {
	b.mu.Lock()
	sel, page, size := b.selector, b.page, b.pageSize
	b.mu.Unlock()

	spec, err := b.composer.Resolve(ctx, sel, page, size)
	if err != nil {
		return QuerySpec{}, nil, err
	}
	result, err := b.composer.Load(ctx, spec)
	if err != nil {
		return spec, nil, err
	}

	b.mu.Lock()
	if b.selector == sel && b.page == page {
		b.last = result
	}
	b.mu.Unlock()
	return spec, result, nil
}
