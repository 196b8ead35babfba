// Package session は資格情報の有無から導出される認証状態を購読可能にする。
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/tweetwatch/internal/credential"
	"github.com/hitoshi/tweetwatch/internal/storage"
)

// Source はObserverが参照する資格情報ストア。
// credential.Storeが実装する。
type Source interface {
	Get(ctx context.Context) (credential.Credential, bool)
	Key() string
	Notifications() (<-chan struct{}, func())
	StorageEvents() (<-chan storage.Event, func())
}

// Observer は「認証済みかどうか」を購読者へ配信する。
//
// 最初の購読でストレージ変更イベントとタブ内通知の購読を開始し、
// 以後はきっかけ1回につきGetを1回だけ行って全購読者へ配信する。
// ポーリングはしない。最後の購読が閉じられると購読を解除する。
type Observer struct {
	src    Source
	logger *slog.Logger

	mu    sync.Mutex
	subs  map[*Subscription]struct{}
	value bool
	run   *watch
}

// watch は購読者が1人以上いる間の監視ループを表す。
type watch struct {
	stop chan struct{}
	done chan struct{}
}

// Subscription は認証状態の購読。
// Cは最新値のみを保持し、受信が遅れた場合は古い値が捨てられる。
type Subscription struct {
	C <-chan bool

	ch   chan bool
	obs  *Observer
	once sync.Once
}

// NewObserver はObserverを生成する。
func NewObserver(src Source, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		src:    src,
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe は認証状態を購読する。Cには直ちに現在値が届く。
func (o *Observer) Subscribe() *Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.run == nil {
		o.attach()
	}

	ch := make(chan bool, 1)
	sub := &Subscription{C: ch, ch: ch, obs: o}
	o.subs[sub] = struct{}{}
	ch <- o.value
	return sub
}

// Close は購読を解除する。複数回呼んでも安全。
func (s *Subscription) Close() {
	s.once.Do(func() { s.obs.unsubscribe(s) })
}

// Authenticated は現在の認証状態を返す。
// 購読中はキャッシュ済みの値、そうでなければストアを直接読む。
func (o *Observer) Authenticated() bool {
	o.mu.Lock()
	attached := o.run != nil
	v := o.value
	o.mu.Unlock()

	if attached {
		return v
	}
	_, ok := o.src.Get(context.Background())
	return ok
}

// attach は変更の購読を開始し、初期値を読み込む。o.muを保持して呼ぶこと。
func (o *Observer) attach() {
	notes, cancelNotes := o.src.Notifications()
	events, cancelEvents := o.src.StorageEvents()

	_, o.value = o.src.Get(context.Background())

	w := &watch{stop: make(chan struct{}), done: make(chan struct{})}
	o.run = w

	go func() {
		defer close(w.done)
		defer cancelEvents()
		defer cancelNotes()
		o.loop(w, notes, events)
	}()

	o.logger.Debug("session observer attached", slog.String("key", o.src.Key()))
}

func (o *Observer) loop(w *watch, notes <-chan struct{}, events <-chan storage.Event) {
	key := o.src.Key()
	for {
		select {
		case <-w.stop:
			return
		case _, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			o.evaluate(w)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Key != key {
				continue
			}
			o.evaluate(w)
		}
	}
}

// evaluate はストアを1回読み、結果を全購読者へ配信する。
func (o *Observer) evaluate(w *watch) {
	_, v := o.src.Get(context.Background())

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != w {
		return
	}
	o.value = v
	for sub := range o.subs {
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- v
	}
}

func (o *Observer) unsubscribe(s *Subscription) {
	o.mu.Lock()
	if _, ok := o.subs[s]; !ok {
		o.mu.Unlock()
		return
	}
	delete(o.subs, s)
	close(s.ch)

	var w *watch
	if len(o.subs) == 0 && o.run != nil {
		w = o.run
		o.run = nil
		close(w.stop)
	}
	o.mu.Unlock()

	if w != nil {
		<-w.done
		o.logger.Debug("session observer detached", slog.String("key", o.src.Key()))
	}
}
