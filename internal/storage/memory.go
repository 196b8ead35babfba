package storage

import (
	"context"
	"sync"
)

// Memory はプロセス内で共有されるストレージのバッキング。
// 1オリジンにつき1つ生成し、タブごとにTab()でハンドルを払い出す。
// セッションスコープのストレージ（redirectAfterLogin等）にも使用する。
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
	tabs map[*MemoryTab]struct{}
}

// NewMemory は空のMemoryを生成する。
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]string),
		tabs: make(map[*MemoryTab]struct{}),
	}
}

// Tab はバッキングを共有する新しいハンドルを返す。
func (m *Memory) Tab() *MemoryTab {
	t := &MemoryTab{backing: m, events: newFanout()}
	m.mu.Lock()
	m.tabs[t] = struct{}{}
	m.mu.Unlock()
	return t
}

// broadcast は書き込み元以外のタブへイベントを配信する。
func (m *Memory) broadcast(from *MemoryTab, ev Event) {
	m.mu.RLock()
	targets := make([]*MemoryTab, 0, len(m.tabs))
	for t := range m.tabs {
		if t != from {
			targets = append(targets, t)
		}
	}
	m.mu.RUnlock()

	for _, t := range targets {
		t.events.publish(ev)
	}
}

// MemoryTab はMemoryのハンドル。Storageを実装する。
type MemoryTab struct {
	backing *Memory
	events  *fanout
}

// Get はキーの値を返す。
func (t *MemoryTab) Get(_ context.Context, key string) (string, bool, error) {
	t.backing.mu.RLock()
	defer t.backing.mu.RUnlock()
	v, ok := t.backing.data[key]
	return v, ok, nil
}

// Set はキーに値を書き込み、他のタブへ通知する。
func (t *MemoryTab) Set(_ context.Context, key, value string) error {
	t.backing.mu.Lock()
	t.backing.data[key] = value
	t.backing.mu.Unlock()

	t.backing.broadcast(t, Event{Key: key})
	return nil
}

// Remove はキーを削除し、他のタブへ通知する。
func (t *MemoryTab) Remove(_ context.Context, key string) error {
	t.backing.mu.Lock()
	_, existed := t.backing.data[key]
	delete(t.backing.data, key)
	t.backing.mu.Unlock()

	if existed {
		t.backing.broadcast(t, Event{Key: key, Removed: true})
	}
	return nil
}

// Subscribe は他のタブによる変更イベントを購読する。
func (t *MemoryTab) Subscribe() (<-chan Event, func()) {
	return t.events.subscribe()
}

// Close はタブをバッキングから切り離し、購読チャネルを閉じる。
func (t *MemoryTab) Close() {
	t.backing.mu.Lock()
	delete(t.backing.tabs, t)
	t.backing.mu.Unlock()
	t.events.closeAll()
}

var _ Storage = (*MemoryTab)(nil)
