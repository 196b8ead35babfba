// Package apitest はテスト用にリモートAPIを模倣するHTTPサーバーを提供する。
package apitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tweetwatch/internal/model"
)

// failure は注入された失敗応答。
type failure struct {
	status int
	detail string
	times  int
}

// account はログイン可能なユーザー。
type account struct {
	password string
	token    string
}

// Server はリモートAPI（/api/v1）のインメモリ実装。
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	accounts   map[string]account
	tokens     map[string]string
	posts      []model.Post
	bookmarks  map[int64]bool
	feeds      map[int64]*model.NamedFeed
	nextFeedID int64
	hits       map[string]int
	auths      map[string]string
	failures   map[string]*failure
	gates      map[string]chan struct{}
}

// New はServerを起動する。テスト終了時にCloseすること。
func New() *Server {
	s := &Server{
		accounts:   make(map[string]account),
		tokens:     make(map[string]string),
		bookmarks:  make(map[int64]bool),
		feeds:      make(map[int64]*model.NamedFeed),
		nextFeedID: 1,
		hits:       make(map[string]int),
		auths:      make(map[string]string),
		failures:   make(map[string]*failure),
		gates:      make(map[string]chan struct{}),
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)

			r.Get("/auth/me", s.me)
			r.Get("/tweets/timeline", s.timeline)
			r.Get("/tweets/bookmarked", s.bookmarked)
			r.Post("/tweets/bookmark/{id}", s.toggleBookmark)

			r.Get("/timelines", s.listFeeds)
			r.Post("/timelines", s.createFeed)
			r.Get("/timelines/{id}", s.getFeed)
			r.Put("/timelines/{id}", s.updateFeed)
			r.Delete("/timelines/{id}", s.deleteFeed)
			r.Get("/timelines/{id}/tweets", s.feedPosts)
		})
	})
	return r
}

// --- テストからの操作 ---

// AddUser はログイン可能なユーザーを登録する。ログイン成功時にはtokenを返す。
func (s *Server) AddUser(username, password, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[username] = account{password: password, token: token}
}

// Authorize はtokenを有効なトークンとして登録する。
func (s *Server) Authorize(token, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = username
}

// RevokeAll はすべてのトークンを無効にする。
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]string)
}

// AddPosts はアカウントaccountIDのポストをn件追加する。IDは通し番号。
func (s *Server) AddPosts(accountID int64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	for i := 0; i < n; i++ {
		id := int64(len(s.posts) + 1)
		s.posts = append(s.posts, model.Post{
			ID:                    id,
			TweetID:               strconv.FormatInt(1000+id, 10),
			Content:               "post " + strconv.FormatInt(id, 10),
			PostedAt:              base - id*60,
			TargetAccountID:       accountID,
			TargetAccountUsername: "account" + strconv.FormatInt(accountID, 10),
			Media:                 []model.MediaItem{},
		})
	}
}

// AddNamedFeed は名前付きフィードを登録し、そのIDを返す。
func (s *Server) AddNamedFeed(name string, enabled bool, accountIDs ...int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addFeedLocked(name, enabled, accountIDs)
}

// Fail は次のtimes回のmethod pathへのリクエストをstatusで失敗させる。
// pathは/api/v1を含むフルパス。
func (s *Server) Fail(method, path string, status int, detail string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = &failure{status: status, detail: detail, times: times}
}

// Hold は返されたチャネルが閉じられるまでmethod pathへのリクエストの応答を止める。
func (s *Server) Hold(method, path string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gates[method+" "+path] = ch
	return ch
}

// Hits はmethod pathへのリクエスト数を返す。
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

// TotalHits はすべてのリクエスト数を返す。
func (s *Server) TotalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

// LastAuthorization はpathへの直近のAuthorizationヘッダーを返す。
func (s *Server) LastAuthorization(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auths[path]
}

// IsBookmarked はサーバー側のブックマーク状態を返す。
func (s *Server) IsBookmarked(postID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookmarks[postID]
}

// --- ミドルウェア ---

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Method + " " + r.URL.Path

		s.mu.Lock()
		s.hits[id]++
		s.auths[r.URL.Path] = r.Header.Get("Authorization")
		gate := s.gates[id]
		f := s.failures[id]
		if f != nil {
			f.times--
			if f.times <= 0 {
				delete(s.failures, id)
			}
		}
		s.mu.Unlock()

		if gate != nil {
			<-gate
		}
		if f != nil {
			writeDetail(w, f.status, f.detail)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		_, valid := s.tokens[token]
		s.mu.Unlock()
		if !ok || !valid {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- ハンドラー ---

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	acc, ok := s.accounts[req.Username]
	ok = ok && acc.password == req.Password
	if ok {
		s.tokens[acc.token] = req.Username
	}
	s.mu.Unlock()

	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	writeJSON(w, http.StatusOK, model.TokenResponse{AccessToken: acc.token, TokenType: "bearer"})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	username := s.tokens[token]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, model.UserIdentity{ID: 1, Username: username, IsActive: true})
}

func (s *Server) timeline(w http.ResponseWriter, r *http.Request) {
	target, _ := strconv.ParseInt(r.URL.Query().Get("target_account_id"), 10, 64)
	s.mu.Lock()
	posts := s.filterLocked(func(p model.Post) bool {
		return target == 0 || p.TargetAccountID == target
	})
	s.mu.Unlock()
	writePage(w, r, posts, nil)
}

func (s *Server) bookmarked(w http.ResponseWriter, r *http.Request) {
	target, _ := strconv.ParseInt(r.URL.Query().Get("target_account_id"), 10, 64)
	s.mu.Lock()
	posts := s.filterLocked(func(p model.Post) bool {
		return s.bookmarks[p.ID] && (target == 0 || p.TargetAccountID == target)
	})
	s.mu.Unlock()
	writePage(w, r, posts, nil)
}

func (s *Server) toggleBookmark(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid id")
		return
	}

	s.mu.Lock()
	found := false
	for _, p := range s.posts {
		if p.ID == id {
			found = true
			break
		}
	}
	var now bool
	if found {
		now = !s.bookmarks[id]
		s.bookmarks[id] = now
	}
	s.mu.Unlock()

	if !found {
		writeDetail(w, http.StatusNotFound, "Tweet not found")
		return
	}
	msg := "ブックマークを解除しました"
	if now {
		msg = "ブックマークしました"
	}
	writeJSON(w, http.StatusOK, model.BookmarkResult{Message: msg, IsBookmarked: now})
}

func (s *Server) listFeeds(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.feeds))
	for id := range s.feeds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	list := model.NamedFeedList{Feeds: make([]model.NamedFeed, 0, len(ids)), Total: len(ids)}
	for _, id := range ids {
		list.Feeds = append(list.Feeds, *s.feeds[id])
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createFeed(w http.ResponseWriter, r *http.Request) {
	var in model.NamedFeedInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == nil || *in.Name == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	enabled := true
	if in.IsEnabled != nil {
		enabled = *in.IsEnabled
	}
	var accounts []int64
	if in.AccountIDs != nil {
		accounts = *in.AccountIDs
	}

	s.mu.Lock()
	id := s.addFeedLocked(*in.Name, enabled, accounts)
	feed := *s.feeds[id]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) getFeed(w http.ResponseWriter, r *http.Request) {
	feed, ok := s.lookupFeed(r)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Timeline not found")
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) updateFeed(w http.ResponseWriter, r *http.Request) {
	var in model.NamedFeedInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)

	s.mu.Lock()
	f, ok := s.feeds[id]
	if ok {
		if in.Name != nil {
			f.Name = *in.Name
		}
		if in.Description != nil {
			f.Description = in.Description
		}
		if in.IsEnabled != nil {
			f.IsEnabled = *in.IsEnabled
		}
		if in.IsDefault != nil {
			f.IsDefault = *in.IsDefault
		}
		if in.AccountIDs != nil {
			f.Accounts = summaries(*in.AccountIDs)
		}
		f.UpdatedAt = time.Now().Unix()
	}
	var out model.NamedFeed
	if ok {
		out = *f
	}
	s.mu.Unlock()

	if !ok {
		writeDetail(w, http.StatusNotFound, "Timeline not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteFeed(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	s.mu.Lock()
	_, ok := s.feeds[id]
	delete(s.feeds, id)
	s.mu.Unlock()

	if !ok {
		writeDetail(w, http.StatusNotFound, "Timeline not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "タイムラインを削除しました"})
}

func (s *Server) feedPosts(w http.ResponseWriter, r *http.Request) {
	feed, ok := s.lookupFeed(r)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Timeline not found")
		return
	}
	members := make(map[int64]bool)
	for _, id := range feed.AccountIDs() {
		members[id] = true
	}

	s.mu.Lock()
	posts := s.filterLocked(func(p model.Post) bool { return members[p.TargetAccountID] })
	s.mu.Unlock()
	writePage(w, r, posts, &feed)
}

// --- 補助関数 ---

func (s *Server) addFeedLocked(name string, enabled bool, accountIDs []int64) int64 {
	id := s.nextFeedID
	s.nextFeedID++
	now := time.Now().Unix()
	s.feeds[id] = &model.NamedFeed{
		ID:        id,
		Name:      name,
		IsEnabled: enabled,
		CreatedAt: now,
		UpdatedAt: now,
		Accounts:  summaries(accountIDs),
	}
	return id
}

func (s *Server) lookupFeed(r *http.Request) (model.NamedFeed, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return model.NamedFeed{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[id]
	if !ok {
		return model.NamedFeed{}, false
	}
	return *f, true
}

// filterLocked は条件に合うポストをブックマーク状態付きで返す。
func (s *Server) filterLocked(keep func(model.Post) bool) []model.Post {
	out := []model.Post{}
	for _, p := range s.posts {
		if keep(p) {
			p.IsBookmarked = s.bookmarks[p.ID]
			out = append(out, p)
		}
	}
	return out
}

func summaries(ids []int64) []model.AccountSummary {
	out := make([]model.AccountSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.AccountSummary{
			ID:       id,
			Username: "account" + strconv.FormatInt(id, 10),
			IsActive: true,
		})
	}
	return out
}

func writePage(w http.ResponseWriter, r *http.Request, posts []model.Post, feed *model.NamedFeed) {
	page := atoiDefault(r.URL.Query().Get("page"), 1)
	size := atoiDefault(r.URL.Query().Get("page_size"), 20)
	if page < 1 || size < 1 {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid paging")
		return
	}

	start := (page - 1) * size
	end := start + size
	if start > len(posts) {
		start = len(posts)
	}
	if end > len(posts) {
		end = len(posts)
	}

	out := model.NewFeedPage(posts[start:end], len(posts), page, size)
	out.Timeline = feed
	writeJSON(w, http.StatusOK, out)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
