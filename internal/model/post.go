package model

import "fmt"

// MediaType はポストに添付されたメディアの種別を表す。
type MediaType string

const (
	// MediaTypePhoto は画像。
	MediaTypePhoto MediaType = "photo"
	// MediaTypeVideo は動画。
	MediaTypeVideo MediaType = "video"
	// MediaTypeAnimatedGif はGIFアニメーション。
	MediaTypeAnimatedGif MediaType = "animated_gif"
)

// Valid は既知のメディア種別かどうかを返す。
func (t MediaType) Valid() bool {
	switch t {
	case MediaTypePhoto, MediaTypeVideo, MediaTypeAnimatedGif:
		return true
	default:
		return false
	}
}

// MediaItem はポストのメディア1件を表す。
type MediaItem struct {
	MediaKey   string    `json:"media_key"`
	Type       MediaType `json:"media_type"`
	URL        string    `json:"media_url"`
	Width      *int      `json:"width,omitempty"`
	Height     *int      `json:"height,omitempty"`
	AltText    *string   `json:"alt_text,omitempty"`
	DurationMs *int      `json:"duration_ms,omitempty"`
}

// Validate はメディアの必須項目を検証する。
func (m MediaItem) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("unknown media_type %q", m.Type)
	}
	if m.URL == "" {
		return missingField("media_url")
	}
	return nil
}

// Post は監視対象アカウントのポスト（ツイート）を表す。
// QuotedPostは1段階のみ保持し、引用の引用は取得しない。
type Post struct {
	ID            int64   `json:"id"`
	TweetID       string  `json:"tweet_id"`
	Content       string  `json:"content"`
	FullText      *string `json:"full_text,omitempty"`
	Lang          *string `json:"lang,omitempty"`
	LikesCount    int     `json:"likes_count"`
	RetweetsCount int     `json:"retweets_count"`
	RepliesCount  int     `json:"replies_count"`
	QuotesCount   int     `json:"quotes_count"`
	ViewsCount    *int    `json:"views_count,omitempty"`
	BookmarkCount *int    `json:"bookmark_count,omitempty"`
	IsRetweet     bool    `json:"is_retweet"`
	IsQuote       bool    `json:"is_quote"`
	IsReply       bool    `json:"is_reply"`
	HasMedia      bool    `json:"has_media"`
	IsSensitive   bool    `json:"is_possibly_sensitive"`

	Media []MediaItem `json:"media"`

	PostedAt int64 `json:"posted_at"` // Unix timestamp

	TargetAccountID              int64   `json:"target_account_id"`
	TargetAccountUsername        string  `json:"target_account_username"`
	TargetAccountDisplayName     *string `json:"target_account_display_name,omitempty"`
	TargetAccountProfileImageURL *string `json:"target_account_profile_image_url,omitempty"`

	OriginalAuthorUsername    *string `json:"original_author_username,omitempty"`
	OriginalAuthorDisplayName *string `json:"original_author_display_name,omitempty"`

	QuotedPost *Post `json:"quoted_tweet,omitempty"`

	IsRead       bool `json:"is_read"`
	IsBookmarked bool `json:"is_bookmarked"`
}

// Validate はポストの必須項目とメディアを検証し、引用の引用を切り捨てる。
func (p *Post) Validate() error {
	if p.ID == 0 {
		return missingField("id")
	}
	if p.TweetID == "" {
		return missingField("tweet_id")
	}
	for i := range p.Media {
		if err := p.Media[i].Validate(); err != nil {
			return fmt.Errorf("post %d media[%d]: %w", p.ID, i, err)
		}
	}
	if p.QuotedPost != nil {
		p.QuotedPost.QuotedPost = nil
		if err := p.QuotedPost.Validate(); err != nil {
			return fmt.Errorf("post %d quoted_tweet: %w", p.ID, err)
		}
	}
	return nil
}

// FeedPage はフィード1ページ分のポストを表す。
type FeedPage struct {
	Items      []Post `json:"tweets"`
	TotalCount int    `json:"total"`
	PageIndex  int    `json:"page"`
	PageSize   int    `json:"page_size"`
	HasNext    bool   `json:"has_next"`

	// Timeline は名前付きフィードのページでのみ設定される。
	Timeline *NamedFeed `json:"timeline,omitempty"`
}

// NewFeedPage はFeedPageを生成する。
// HasNextは常に PageIndex*PageSize < TotalCount から導出する。
func NewFeedPage(items []Post, totalCount, pageIndex, pageSize int) *FeedPage {
	if items == nil {
		items = []Post{}
	}
	return &FeedPage{
		Items:      items,
		TotalCount: totalCount,
		PageIndex:  pageIndex,
		PageSize:   pageSize,
		HasNext:    pageIndex*pageSize < totalCount,
	}
}

// SetBookmarked はページ内の指定ポストのブックマーク状態を書き換えた複製を返す。
// 該当ポストが無い場合はfalseを返す。
func (p *FeedPage) SetBookmarked(postID int64, bookmarked bool) (*FeedPage, bool) {
	changed := false
	items := make([]Post, len(p.Items))
	copy(items, p.Items)
	for i := range items {
		if items[i].ID == postID {
			items[i].IsBookmarked = bookmarked
			changed = true
		}
	}
	if !changed {
		return p, false
	}
	out := *p
	out.Items = items
	return &out, true
}

// FindPost はページ内のポストを返す。
func (p *FeedPage) FindPost(postID int64) (Post, bool) {
	for _, item := range p.Items {
		if item.ID == postID {
			return item, true
		}
	}
	return Post{}, false
}

// Validate は各ポストを検証し、HasNextを PageIndex*PageSize < TotalCount に揃える。
// サーバーが返したhas_nextは信用しない。
func (p *FeedPage) Validate() error {
	if p.PageIndex < 1 {
		return fmt.Errorf("invalid page %d", p.PageIndex)
	}
	if p.Items == nil {
		p.Items = []Post{}
	}
	for i := range p.Items {
		if err := p.Items[i].Validate(); err != nil {
			return fmt.Errorf("items[%d]: %w", i, err)
		}
	}
	p.HasNext = p.PageIndex*p.PageSize < p.TotalCount
	return nil
}
