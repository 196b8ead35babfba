// Package gateway はリモートAPIへのリクエストを仲介する。
//
// 資格情報の付与、HTTPエラーの分類、401応答時の資格情報破棄と
// ログイン画面への遷移を一箇所で行う。
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/tweetwatch/internal/credential"
	"github.com/hitoshi/tweetwatch/internal/metrics"
	"github.com/hitoshi/tweetwatch/internal/model"
	"github.com/hitoshi/tweetwatch/internal/navigation"
)

const (
	// BasePath はリモートAPIのベースパス。
	BasePath = "/api/v1"
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 10 << 20
	// requestIDHeader はリクエストIDを伝搬するヘッダー。
	requestIDHeader = "X-Request-ID"
)

// CredentialStore はGatewayが使用する資格情報ストア。
type CredentialStore interface {
	Get(ctx context.Context) (credential.Credential, bool)
	Clear(ctx context.Context) error
}

// ReturnSlot はログイン後の戻り先を記録するスロット。
type ReturnSlot interface {
	Save(ctx context.Context, location string) error
}

// Config はGatewayの設定。
type Config struct {
	// BaseURL はリモートAPIのオリジン（例: "http://localhost:8000"）。
	BaseURL string
	// LoginPath はログイン画面のパス。空なら "/login"。
	LoginPath string
	// RateLimit は1秒あたりの最大リクエスト数。0以下なら制限しない。
	RateLimit float64
	// Burst はトークンバケットのバースト数。
	Burst int
}

// Deps はGatewayの協調オブジェクト。
type Deps struct {
	HTTPClient  *http.Client
	Credentials CredentialStore
	ReturnTo    ReturnSlot
	Navigator   navigation.Navigator
	Metrics     metrics.GatewayRecorder
	Logger      *slog.Logger
}

// Options は1回のリクエストの指定。
type Options struct {
	// Method はHTTPメソッド。空ならGET。
	Method string
	// Query はURLクエリ。
	Query url.Values
	// Body はJSONとして送信するボディ。nilなら送信しない。
	Body any
	// Header は追加のリクエストヘッダー。
	Header http.Header
	// Public は認証不要のリクエストであることを示す。
	// 資格情報を付与せず、401応答も通常のRequestErrorとして扱う。
	Public bool
}

// Gateway はリモートAPIへのリクエストを仲介する。
type Gateway struct {
	baseURL    string
	loginPath  string
	httpClient *http.Client
	creds      CredentialStore
	returnTo   ReturnSlot
	nav        navigation.Navigator
	limiter    *rate.Limiter
	metrics    metrics.GatewayRecorder
	logger     *slog.Logger
}

// New はGatewayを生成する。
func New(cfg Config, deps Deps) (*Gateway, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", cfg.BaseURL)
	}
	if deps.Credentials == nil || deps.ReturnTo == nil || deps.Navigator == nil {
		return nil, errors.New("gateway requires credentials, return-to slot and navigator")
	}

	g := &Gateway{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		loginPath:  cfg.LoginPath,
		httpClient: deps.HTTPClient,
		creds:      deps.Credentials,
		returnTo:   deps.ReturnTo,
		nav:        deps.Navigator,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
	if g.loginPath == "" {
		g.loginPath = navigation.DefaultLoginPath
	}
	if g.httpClient == nil {
		g.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if g.metrics == nil {
		g.metrics = metrics.Nop{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g, nil
}

// LoginPath はログイン画面のパスを返す。
func (g *Gateway) LoginPath() string { return g.loginPath }

// Request はendpoint（BasePathからの相対パス）へリクエストを送り、成功時のJSONボディを返す。
//
// 返すエラーは次のいずれか。
//   - *model.AuthenticationError: 401応答。資格情報は破棄済み
//   - *model.RequestError: その他の非2xx応答、またはネットワーク障害（Status=0）
func (g *Gateway) Request(ctx context.Context, endpoint string, opts Options) (json.RawMessage, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	req, err := g.newRequest(ctx, method, endpoint, opts)
	if err != nil {
		return nil, err
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, model.NewNetworkError(endpoint, err)
		}
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.metrics.RecordUpstreamRequest(method, 0, time.Since(start))
		g.logger.Warn("upstream request failed",
			slog.String("method", method),
			slog.String("endpoint", endpoint),
			slog.String("request_id", req.Header.Get(requestIDHeader)),
			slog.String("error", err.Error()),
		)
		return nil, model.NewNetworkError(endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	duration := time.Since(start)
	g.metrics.RecordUpstreamRequest(method, resp.StatusCode, duration)
	if err != nil {
		return nil, model.NewNetworkError(endpoint, err)
	}

	g.logger.Debug("upstream request",
		slog.String("method", method),
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.StatusCode),
		slog.Int64("duration_ms", duration.Milliseconds()),
		slog.String("request_id", req.Header.Get(requestIDHeader)),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized && !opts.Public:
		g.handleUnauthorized(ctx, endpoint)
		return nil, model.NewAuthenticationError(endpoint)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, model.NewRequestError(endpoint, resp.StatusCode, errorDetail(body))
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(body), nil
}

func (g *Gateway) newRequest(ctx context.Context, method, endpoint string, opts Options) (*http.Request, error) {
	target := g.baseURL + BasePath + endpoint
	if len(opts.Query) > 0 {
		target += "?" + opts.Query.Encode()
	}

	var body io.Reader
	if opts.Body != nil {
		b, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body for %s: %w", endpoint, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", endpoint, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, uuid.NewString())
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if !opts.Public {
		if cred, ok := g.creds.Get(ctx); ok {
			req.Header.Set("Authorization", "Bearer "+string(cred))
		}
	}
	return req, nil
}

// handleUnauthorized は資格情報を破棄し、ログイン画面以外にいればログイン画面へ遷移させる。
// 遷移前の位置はログイン後の戻り先として記録する。
func (g *Gateway) handleUnauthorized(ctx context.Context, endpoint string) {
	if err := g.creds.Clear(ctx); err != nil {
		g.logger.Error("failed to evict credential",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
	}
	g.metrics.RecordCredentialEviction()

	location := g.nav.Location(ctx)
	if navigation.IsLoginSurface(location, g.loginPath) {
		g.logger.Info("credential rejected on login surface", slog.String("endpoint", endpoint))
		return
	}

	if err := g.returnTo.Save(ctx, location); err != nil {
		g.logger.Warn("failed to save return location",
			slog.String("location", location),
			slog.String("error", err.Error()),
		)
	}
	g.logger.Info("credential rejected, redirecting to login",
		slog.String("endpoint", endpoint),
		slog.String("return_to", location),
	)
	g.nav.Navigate(ctx, g.loginPath)
}

// errorDetail はエラーボディ {"detail": "..."} から理由を取り出す。
// 取り出せなければ空文字列を返す。
func errorDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return ""
	}
	var detail string
	if err := json.Unmarshal(payload.Detail, &detail); err != nil {
		// 検証エラーの配列など文字列でないdetailは汎用メッセージにする
		return ""
	}
	return detail
}
