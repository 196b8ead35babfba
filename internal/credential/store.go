package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/tweetwatch/internal/storage"
)

// StorageKey は資格情報を保存するストレージキー。
const StorageKey = "token"

// ErrEmptyCredential は空文字列の資格情報を書き込もうとしたことを表す。
var ErrEmptyCredential = errors.New("credential must not be empty")

// Store は単一の資格情報をオリジン単位のストレージに保持する。
// 書き込み後は同じタブ内の購読者へ通知する。他タブへはストレージの変更イベントで伝わる。
type Store struct {
	storage storage.Storage
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[int]chan struct{}
	next int
}

// NewStore はStoreを生成する。
func NewStore(st storage.Storage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		storage: st,
		logger:  logger,
		subs:    make(map[int]chan struct{}),
	}
}

// Key は資格情報のストレージキーを返す。
func (s *Store) Key() string { return StorageKey }

// Get は現在の資格情報を返す。副作用はない。
// ストレージが利用できない場合はエラーにせず、未設定として扱う。
func (s *Store) Get(ctx context.Context) (Credential, bool) {
	v, ok, err := s.storage.Get(ctx, StorageKey)
	if err != nil {
		s.logger.Warn("credential storage unavailable",
			slog.String("error", err.Error()),
		)
		return "", false
	}
	if !ok || v == "" {
		return "", false
	}
	return Credential(v), true
}

// Set は資格情報を書き込み、同じタブの購読者へ通知する。
// 複数タブの同時書き込みは最後の書き込みが勝つ。
func (s *Store) Set(ctx context.Context, value Credential) error {
	if !value.Present() {
		return ErrEmptyCredential
	}
	if err := s.storage.Set(ctx, StorageKey, string(value)); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	s.notify()
	return nil
}

// Clear は資格情報を削除し、同じタブの購読者へ通知する。
func (s *Store) Clear(ctx context.Context) error {
	if err := s.storage.Remove(ctx, StorageKey); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	s.notify()
	return nil
}

// Notifications は同じタブ内の変更通知を購読する。
// 通知は合流されるため、受信側が遅れても最新の変更を1回受け取れば十分である。
func (s *Store) Notifications() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// StorageEvents はストレージの変更イベントを購読する。
// 他タブによる資格情報の変更を検知するために使用する。
func (s *Store) StorageEvents() (<-chan storage.Event, func()) {
	return s.storage.Subscribe()
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
