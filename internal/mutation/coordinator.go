package mutation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/tweetwatch/internal/credential"
	"github.com/hitoshi/tweetwatch/internal/model"
	"github.com/hitoshi/tweetwatch/internal/navigation"
	"github.com/hitoshi/tweetwatch/internal/querycache"
)

// Remote は変更操作のリモート呼び出し。api.Clientが実装する。
type Remote interface {
	Login(ctx context.Context, username, password string) (*model.TokenResponse, error)
	ToggleBookmark(ctx context.Context, postID int64) (*model.BookmarkResult, error)
	CreateNamedFeed(ctx context.Context, in model.NamedFeedInput) (*model.NamedFeed, error)
	UpdateNamedFeed(ctx context.Context, id int64, in model.NamedFeedInput) (*model.NamedFeed, error)
	DeleteNamedFeed(ctx context.Context, id int64) error
}

// Credentials はCoordinatorが書き込む資格情報ストア。
type Credentials interface {
	Set(ctx context.Context, value credential.Credential) error
	Clear(ctx context.Context) error
}

// ReturnSlot はログイン後の戻り先を読み出すスロット。
type ReturnSlot interface {
	Consume(ctx context.Context) (string, bool)
}

// Deps はCoordinatorの協調オブジェクト。
type Deps struct {
	Remote      Remote
	Cache       *querycache.Cache
	Credentials Credentials
	ReturnTo    ReturnSlot
	Navigator   navigation.Navigator
	LoginPath   string
	Logger      *slog.Logger
}

// Coordinator は変更操作を実行し、表に従ってキャッシュを無効化する。
type Coordinator struct {
	remote    Remote
	cache     *querycache.Cache
	creds     Credentials
	returnTo  ReturnSlot
	nav       navigation.Navigator
	loginPath string
	logger    *slog.Logger
}

// New はCoordinatorを生成する。
func New(deps Deps) *Coordinator {
	c := &Coordinator{
		remote:    deps.Remote,
		cache:     deps.Cache,
		creds:     deps.Credentials,
		returnTo:  deps.ReturnTo,
		nav:       deps.Navigator,
		loginPath: deps.LoginPath,
		logger:    deps.Logger,
	}
	if c.loginPath == "" {
		c.loginPath = navigation.DefaultLoginPath
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Login はログインして資格情報を保存し、戻り先（既定は "/"）へ遷移させる。
// 遷移先を返す。
func (c *Coordinator) Login(ctx context.Context, username, password string) (string, error) {
	token, err := c.remote.Login(ctx, username, password)
	if err != nil {
		return "", err
	}
	if err := c.creds.Set(ctx, credential.Credential(token.AccessToken)); err != nil {
		return "", fmt.Errorf("failed to store credential after login: %w", err)
	}
	c.settle(KindLogin, Target{})

	target, ok := c.returnTo.Consume(ctx)
	if !ok {
		target = "/"
	}
	c.nav.Navigate(ctx, target)

	c.logger.Info("logged in", slog.String("username", username), slog.String("redirect", target))
	return target, nil
}

// Logout は資格情報を削除し、ログイン画面へ遷移させる。リモート呼び出しは行わない。
func (c *Coordinator) Logout(ctx context.Context) (string, error) {
	if err := c.creds.Clear(ctx); err != nil {
		return "", fmt.Errorf("failed to clear credential: %w", err)
	}
	c.settle(KindLogout, Target{})
	c.nav.Navigate(ctx, c.loginPath)

	c.logger.Info("logged out")
	return c.loginPath, nil
}

// ToggleBookmark はポストのブックマーク状態を反転する。
//
// キャッシュ済みのページ上の状態を先に書き換え、リモート呼び出しの成否に
// かかわらずフィードのキャッシュを無効化して次回の読み取りで確定させる。
func (c *Coordinator) ToggleBookmark(ctx context.Context, postID int64) (*model.BookmarkResult, error) {
	target := Target{PostID: postID}
	matchers := Invalidations(KindToggleBookmark, target)

	if current, ok := c.cachedBookmarkState(matchers, postID); ok {
		for _, m := range matchers {
			c.cache.Update(m, func(_ querycache.Key, data any) (any, bool) {
				page, ok := data.(*model.FeedPage)
				if !ok {
					return data, false
				}
				next, changed := page.SetBookmarked(postID, !current)
				return next, changed
			})
		}
	}

	result, err := c.remote.ToggleBookmark(ctx, postID)
	c.settle(KindToggleBookmark, target)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// cachedBookmarkState はキャッシュ済みのページからポストのブックマーク状態を探す。
func (c *Coordinator) cachedBookmarkState(matchers []querycache.Matcher, postID int64) (bool, bool) {
	for _, m := range matchers {
		for _, e := range c.cache.Entries(m) {
			page, ok := e.Data.(*model.FeedPage)
			if !ok {
				continue
			}
			if post, ok := page.FindPost(postID); ok {
				return post.IsBookmarked, true
			}
		}
	}
	return false, false
}

// CreateNamedFeed は名前付きフィードを作成する。
func (c *Coordinator) CreateNamedFeed(ctx context.Context, in model.NamedFeedInput) (*model.NamedFeed, error) {
	feed, err := c.remote.CreateNamedFeed(ctx, in)
	if err != nil {
		return nil, err
	}
	c.settle(KindCreateNamedFeed, Target{FeedID: feed.ID})
	return feed, nil
}

// UpdateNamedFeed は名前付きフィードを更新する。
func (c *Coordinator) UpdateNamedFeed(ctx context.Context, id int64, in model.NamedFeedInput) (*model.NamedFeed, error) {
	feed, err := c.remote.UpdateNamedFeed(ctx, id, in)
	if err != nil {
		return nil, err
	}
	c.settle(KindUpdateNamedFeed, Target{FeedID: id})
	return feed, nil
}

// DeleteNamedFeed は名前付きフィードを削除する。
func (c *Coordinator) DeleteNamedFeed(ctx context.Context, id int64) error {
	if err := c.remote.DeleteNamedFeed(ctx, id); err != nil {
		return err
	}
	c.settle(KindDeleteNamedFeed, Target{FeedID: id})
	return nil
}

// settle は表に従ってキャッシュを無効化する。
func (c *Coordinator) settle(kind Kind, target Target) {
	removed := c.cache.Invalidate(Invalidations(kind, target)...)
	c.logger.Debug("mutation settled",
		slog.String("kind", string(kind)),
		slog.Int("invalidated", removed),
	)
}
