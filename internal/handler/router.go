package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/tweetwatch/internal/metrics"
	"github.com/hitoshi/tweetwatch/internal/middleware"
	"github.com/hitoshi/tweetwatch/internal/security"
)

// HealthChecker は依存先の疎通を確認する。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger            *slog.Logger
	CORSAllowedOrigin string
	CookieSecure      bool
	LoginPath         string
	LoginLimiter      *middleware.LoginLimiter

	// セッション
	Session     SessionState
	Credentials CredentialReader
	CurrentUser CurrentUserQuery
	Sessions    SessionMutator

	// フィード
	Composer  FeedComposer
	Bookmarks BookmarkMutator
	Sanitizer security.PostSanitizer

	// 名前付きフィード
	NamedFeeds     NamedFeedQueries
	NamedFeedEdits NamedFeedMutator

	// メディア
	Media MediaFetcher

	// 運用
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → Location → CSRF(/api)
//
// /health と /metrics と /api/csrf-token はCSRF検証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loginPath := deps.LoginPath
	if loginPath == "" {
		loginPath = "/login"
	}
	ew := errorWriter{loginPath: loginPath, logger: logger}
	csrf := middleware.CSRFConfig{CookieSecure: deps.CookieSecure, Logger: logger}

	sessionHandler := NewSessionHandler(deps.Session, deps.Credentials, deps.CurrentUser, deps.Sessions, ew)
	feedHandler := NewFeedHandler(deps.Composer, deps.Bookmarks, deps.Sanitizer, ew)
	timelineHandler := NewTimelineHandler(deps.NamedFeeds, deps.NamedFeedEdits, ew)
	mediaHandler := NewMediaHandler(deps.Media, ew)

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLocationMiddleware("/"))

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// トークン発行はCSRFミドルウェアの外に置き、Cookieの二重発行を避ける
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(csrf).ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(csrf))

		// セッション
		r.Get("/session", sessionHandler.GetSession)
		r.Get("/session/events", sessionHandler.Events)
		if deps.LoginLimiter != nil {
			r.With(deps.LoginLimiter.Middleware()).Post("/login", sessionHandler.Login)
		} else {
			r.Post("/login", sessionHandler.Login)
		}
		r.Post("/logout", sessionHandler.Logout)

		// フィード
		r.Get("/feed", feedHandler.GetFeed)
		r.Get("/bookmarks", feedHandler.GetBookmarks)
		r.Post("/bookmarks/{postID}", feedHandler.ToggleBookmark)

		// 名前付きフィード
		r.Route("/timelines", func(r chi.Router) {
			r.Get("/", timelineHandler.List)
			r.Post("/", timelineHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", timelineHandler.Get)
				r.Put("/", timelineHandler.Update)
				r.Delete("/", timelineHandler.Delete)
			})
		})

		// メディア
		r.Get("/media", mediaHandler.Get)
	})

	return r
}

// healthHandler は疎通確認のハンドラーを返す。checkerがnilなら常に200を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
