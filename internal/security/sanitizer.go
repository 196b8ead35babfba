// Package security はダッシュボードの表示と外部取得に関するセキュリティ機能を提供する。
//
// PostSanitizer はリモートAPIから受け取ったポスト本文をサニタイズし、
// MediaProxy はポストに添付されたメディアをSSRF対策付きで取得する。
package security

import (
	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/tweetwatch/internal/model"
)

// PostSanitizer はポスト本文のサニタイズ機能のインターフェースを定義する。
type PostSanitizer interface {
	// SanitizeText は本文をサニタイズする。許可するのはbrとhttpsリンクのみ。
	SanitizeText(raw string) string
	// SanitizePage はページ内の全ポストの本文とメディアをサニタイズした複製を返す。
	SanitizePage(page *model.FeedPage) *model.FeedPage
}

type postSanitizer struct {
	policy *bluemonday.Policy
}

// NewPostSanitizer はPostSanitizerを生成する。
//
// ポリシー:
//   - 許可タグ: br, a（href属性のみ）
//   - リンクはhttpsの絶対URLのみ。target="_blank" と rel="noopener noreferrer" を付与
//   - それ以外のタグは除去し、テキストのみ残す
func NewPostSanitizer() *postSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("br")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("https")
	p.AllowRelativeURLs(false)
	p.RequireParseableURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &postSanitizer{policy: p}
}

// SanitizeText は本文をサニタイズする。
func (s *postSanitizer) SanitizeText(raw string) string {
	return s.policy.Sanitize(raw)
}

// SanitizePage はページの複製を返す。元のページ（キャッシュ上のデータ）は変更しない。
func (s *postSanitizer) SanitizePage(page *model.FeedPage) *model.FeedPage {
	if page == nil {
		return nil
	}
	out := *page
	out.Items = make([]model.Post, len(page.Items))
	for i := range page.Items {
		out.Items[i] = s.sanitizePost(page.Items[i])
	}
	return &out
}

func (s *postSanitizer) sanitizePost(p model.Post) model.Post {
	p.Content = s.SanitizeText(p.Content)
	if p.FullText != nil {
		text := s.SanitizeText(*p.FullText)
		p.FullText = &text
	}

	// https以外のメディアは表示しない
	media := make([]model.MediaItem, 0, len(p.Media))
	for _, m := range p.Media {
		if isHTTPSURL(m.URL) {
			media = append(media, m)
		}
	}
	p.Media = media

	if p.QuotedPost != nil {
		quoted := s.sanitizePost(*p.QuotedPost)
		p.QuotedPost = &quoted
	}
	return p
}
