package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/tweetwatch/internal/credential"
	"github.com/hitoshi/tweetwatch/internal/model"
	"github.com/hitoshi/tweetwatch/internal/session"
)

// SessionState は現在の認証状態を提供する。session.Observerが実装する。
type SessionState interface {
	Authenticated() bool
	Subscribe() *session.Subscription
}

// CurrentUserQuery はログイン中ユーザーを取得する。api.Queriesが実装する。
type CurrentUserQuery interface {
	CurrentUser(ctx context.Context) (*model.UserIdentity, error)
}

// CredentialReader は保存済みの資格情報を読む。credential.Storeが実装する。
type CredentialReader interface {
	Get(ctx context.Context) (credential.Credential, bool)
}

// SessionMutator はログイン・ログアウトを実行する。mutation.Coordinatorが実装する。
type SessionMutator interface {
	Login(ctx context.Context, username, password string) (string, error)
	Logout(ctx context.Context) (string, error)
}

// SessionHandler はログイン状態に関するHTTPハンドラー。
type SessionHandler struct {
	state     SessionState
	creds     CredentialReader
	users     CurrentUserQuery
	mutator   SessionMutator
	errors    errorWriter
	heartbeat time.Duration
}

// NewSessionHandler はSessionHandlerを生成する。credsがnilの場合は有効期限を返さない。
func NewSessionHandler(state SessionState, creds CredentialReader, users CurrentUserQuery, mutator SessionMutator, ew errorWriter) *SessionHandler {
	return &SessionHandler{state: state, creds: creds, users: users, mutator: mutator, errors: ew, heartbeat: 30 * time.Second}
}

// sessionResponse はログイン状態のレスポンス。
type sessionResponse struct {
	Authenticated bool                `json:"authenticated"`
	User          *model.UserIdentity `json:"user,omitempty"`
	// ExpiresAt は資格情報がJWTの場合の有効期限（Unix秒）。表示用で、検証には使わない。
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// redirectResponse はクライアントが遷移すべき場所を返すレスポンス。
type redirectResponse struct {
	Redirect string `json:"redirect"`
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// GetSession は現在のログイン状態を返す。
// GET /api/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if !h.state.Authenticated() {
		writeJSON(w, http.StatusOK, sessionResponse{Authenticated: false})
		return
	}

	user, err := h.users.CurrentUser(r.Context())
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Authenticated: true, User: user, ExpiresAt: h.expiresAt(r.Context())})
}

func (h *SessionHandler) expiresAt(ctx context.Context) int64 {
	if h.creds == nil {
		return 0
	}
	cred, ok := h.creds.Get(ctx)
	if !ok {
		return 0
	}
	claims, err := cred.Claims()
	if err != nil || claims.ExpiresAt.IsZero() {
		return 0
	}
	return claims.ExpiresAt.Unix()
}

// Events はログイン状態の変化をServer-Sent Eventsで配信する。
// 接続直後に現在の状態を1回送る。
// GET /api/session/events
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.errors.write(w, r, fmt.Errorf("streaming unsupported"))
		return
	}

	sub := h.state.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case authenticated := <-sub.C:
			fmt.Fprintf(w, "event: session\ndata: {\"authenticated\":%t}\n\n", authenticated)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// Login はユーザー名とパスワードでログインする。
// POST /api/login
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		h.errors.write(w, r, model.NewInvalidBodyError("ユーザー名とパスワードを入力してください。"))
		return
	}

	target, err := h.mutator.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redirectResponse{Redirect: target})
}

// Logout はログアウトする。
// POST /api/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	target, err := h.mutator.Logout(r.Context())
	if err != nil {
		h.errors.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redirectResponse{Redirect: target})
}
