package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/tweetwatch/internal/model"
)

// LoginLimiterConfig はログイン試行のレート制限設定。
type LoginLimiterConfig struct {
	Rate            rate.Limit    // クライアントごとの試行レート（req/sec）
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultLoginLimiterConfig はクライアントごとに10回/分のログイン試行を許可する設定を返す。
func DefaultLoginLimiterConfig() LoginLimiterConfig {
	return LoginLimiterConfig{
		Rate:            rate.Limit(10.0 / 60.0),
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
	}
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// LoginLimiter はクライアントアドレスごとにログイン試行を制限する。
// リモートAPIへのパスワード総当たりの中継を防ぐ。
type LoginLimiter struct {
	config LoginLimiterConfig
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLoginLimiter はLoginLimiterを生成し、期限切れエントリのクリーンアップを開始する。
func NewLoginLimiter(config LoginLimiterConfig, logger *slog.Logger) *LoginLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &LoginLimiter{
		config:   config,
		logger:   logger,
		limiters: make(map[string]*clientLimiter),
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Stop はクリーンアップのゴルーチンを停止する。
func (l *LoginLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Middleware はログインエンドポイント用のレート制限ミドルウェアを返す。
func (l *LoginLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddress(r)
			if !l.limiter(client).Allow() {
				l.logger.Warn("rate limit exceeded",
					slog.String("client", client),
					slog.String("limit_type", "login"),
				)
				writeRateLimitResponse(w, l.config.Rate)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Count は管理中のクライアント数を返す。
func (l *LoginLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *LoginLimiter) limiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl, ok := l.limiters[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.config.Rate, l.config.Burst)}
		l.limiters[client] = cl
	}
	cl.lastAccess = time.Now()
	return cl.limiter
}

func (l *LoginLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスからCleanupIntervalの2倍を超えたエントリを削除する。
func (l *LoginLimiter) cleanup(now time.Time) {
	ttl := l.config.CleanupInterval * 2

	l.mu.Lock()
	defer l.mu.Unlock()
	for client, cl := range l.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(l.limiters, client)
		}
	}
}

// clientAddress はRemoteAddrのホスト部分を返す。
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterには1トークンが補充されるまでの秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
