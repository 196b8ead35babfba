// Package storage はオリジン単位のキーバリューストレージを提供する。
//
// ブラウザのlocalStorage/sessionStorageに相当する。書き込みは同じバッキングを
// 共有する他のハンドル（タブ）へ変更イベントとして通知され、書き込んだハンドル
// 自身には通知されない。
package storage

import (
	"context"
	"sync"
)

// Event はストレージの変更通知を表す。
type Event struct {
	Key     string
	Removed bool
}

// Storage はオリジン単位のキーバリューストレージのハンドル。
type Storage interface {
	// Get はキーの値を返す。未設定の場合はfalseを返す。
	Get(ctx context.Context, key string) (string, bool, error)
	// Set はキーに値を書き込む。
	Set(ctx context.Context, key, value string) error
	// Remove はキーを削除する。未設定のキーの削除はエラーにならない。
	Remove(ctx context.Context, key string) error
	// Subscribe は他のハンドルによる変更イベントを受け取るチャネルを返す。
	// 返される関数で購読を解除する。
	Subscribe() (<-chan Event, func())
}

// subscriberBuffer は購読チャネルのバッファサイズ。
// 受信側が詰まっている場合、超過分のイベントは破棄される。
const subscriberBuffer = 64

// fanout は変更イベントを購読者へ配信する。
type fanout struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int]chan Event)}
}

func (f *fanout) subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.next
	f.next++
	ch := make(chan Event, subscriberBuffer)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

func (f *fanout) publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
