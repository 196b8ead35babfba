package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// notifyChannel はストレージ変更を配信するLISTEN/NOTIFYチャネル名。
const notifyChannel = "web_storage_events"

// notification はNOTIFYペイロード。値そのものは含めない。
type notification struct {
	Origin  string `json:"origin"`
	Key     string `json:"key"`
	Removed bool   `json:"removed"`
	Source  string `json:"source"`
}

// Postgres はPostgreSQLのweb_storageテーブルを使った永続ストレージのハンドル。
// プロセスやハンドルをまたぐ変更通知にはLISTEN/NOTIFYを使用する。
type Postgres struct {
	db       *sql.DB
	origin   string
	handleID string
	logger   *slog.Logger

	listener *pq.Listener
	events   *fanout
	done     chan struct{}
}

// NewPostgres はPostgresハンドルを生成し、変更通知のLISTENを開始する。
// databaseURLはpq.Listener用の接続URLで、dbと同じデータベースを指す必要がある。
func NewPostgres(db *sql.DB, databaseURL, origin string, logger *slog.Logger) (*Postgres, error) {
	p := newPostgres(db, origin, logger)

	p.listener = pq.NewListener(databaseURL, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				p.logger.Warn("storage listener event",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		})
	if err := p.listener.Listen(notifyChannel); err != nil {
		_ = p.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}

	go p.loop()
	return p, nil
}

func newPostgres(db *sql.DB, origin string, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		db:       db,
		origin:   origin,
		handleID: uuid.NewString(),
		logger:   logger,
		events:   newFanout(),
		done:     make(chan struct{}),
	}
}

// loop はNOTIFYを受信して購読者へ配信する。
func (p *Postgres) loop() {
	for {
		select {
		case <-p.done:
			return
		case n, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			// 再接続直後はnilが届く。取りこぼした変更は検知できない。
			if n == nil {
				continue
			}
			p.dispatch(n.Extra)
		}
	}
}

// dispatch はNOTIFYペイロードを解釈し、同じオリジンの他ハンドルによる変更のみ配信する。
func (p *Postgres) dispatch(payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		p.logger.Warn("malformed storage notification",
			slog.String("error", err.Error()),
		)
		return
	}
	if n.Origin != p.origin || n.Source == p.handleID {
		return
	}
	p.events.publish(Event{Key: n.Key, Removed: n.Removed})
}

// Get はキーの値を返す。
func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM web_storage WHERE origin = $1 AND key = $2`,
		p.origin, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read storage key %q: %w", key, err)
	}
	return value, true, nil
}

// Set はキーに値を書き込み、同一トランザクションで変更を通知する。
func (p *Postgres) Set(ctx context.Context, key, value string) error {
	return p.write(ctx, key, false, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO web_storage (origin, key, value, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (origin, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			p.origin, key, value,
		)
		return err
	})
}

// Remove はキーを削除し、同一トランザクションで変更を通知する。
func (p *Postgres) Remove(ctx context.Context, key string) error {
	return p.write(ctx, key, true, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM web_storage WHERE origin = $1 AND key = $2`,
			p.origin, key,
		)
		return err
	})
}

func (p *Postgres) write(ctx context.Context, key string, removed bool, stmt func(tx *sql.Tx) error) error {
	payload, err := json.Marshal(notification{
		Origin:  p.origin,
		Key:     key,
		Removed: removed,
		Source:  p.handleID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode storage notification: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin storage transaction: %w", err)
	}
	defer tx.Rollback()

	if err := stmt(tx); err != nil {
		return fmt.Errorf("failed to write storage key %q: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify storage change: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit storage write: %w", err)
	}
	return nil
}

// Subscribe は他のハンドルによる変更イベントを購読する。
func (p *Postgres) Subscribe() (<-chan Event, func()) {
	return p.events.subscribe()
}

// Close はLISTENを停止し、購読チャネルを閉じる。
func (p *Postgres) Close() error {
	close(p.done)
	p.events.closeAll()
	if p.listener != nil {
		return p.listener.Close()
	}
	return nil
}

var _ Storage = (*Postgres)(nil)
