package model

import (
	"fmt"
	"sort"
)

// AccountSummary は名前付きフィードに含まれる監視対象アカウントの要約。
type AccountSummary struct {
	ID              int64   `json:"id"`
	Username        string  `json:"username"`
	DisplayName     *string `json:"display_name,omitempty"`
	ProfileImageURL *string `json:"profile_image_url,omitempty"`
	IsActive        bool    `json:"is_active"`
}

// NamedFeed はユーザーが定義した複数アカウントの名前付きフィード（タイムライン）を表す。
type NamedFeed struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Description *string          `json:"description,omitempty"`
	IsEnabled   bool             `json:"is_active"`
	IsDefault   bool             `json:"is_default"`
	CreatedAt   int64            `json:"created_at"`
	UpdatedAt   int64            `json:"updated_at"`
	Accounts    []AccountSummary `json:"target_accounts"`
}

// AccountIDs はフィードに含まれるアカウントIDを昇順で返す。
func (f *NamedFeed) AccountIDs() []int64 {
	seen := make(map[int64]struct{}, len(f.Accounts))
	ids := make([]int64, 0, len(f.Accounts))
	for _, a := range f.Accounts {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		ids = append(ids, a.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Validate は名前付きフィードの必須項目を検証する。
func (f *NamedFeed) Validate() error {
	if f.ID == 0 {
		return missingField("id")
	}
	if f.Name == "" {
		return missingField("name")
	}
	return nil
}

// NamedFeedList は名前付きフィード一覧を表す。
type NamedFeedList struct {
	Feeds []NamedFeed `json:"timelines"`
	Total int         `json:"total"`
}

// Find はIDで名前付きフィードを探す。
func (l *NamedFeedList) Find(id int64) (*NamedFeed, bool) {
	for i := range l.Feeds {
		if l.Feeds[i].ID == id {
			return &l.Feeds[i], true
		}
	}
	return nil, false
}

// NamedFeedInput は名前付きフィードの作成・更新リクエストを表す。
// 更新ではnilフィールドを変更しない。
type NamedFeedInput struct {
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	AccountIDs  *[]int64 `json:"target_account_ids,omitempty"`
	IsEnabled   *bool    `json:"is_active,omitempty"`
	IsDefault   *bool    `json:"is_default,omitempty"`
}

// Validate は一覧内の各フィードを検証する。
func (l *NamedFeedList) Validate() error {
	if l.Feeds == nil {
		l.Feeds = []NamedFeed{}
	}
	for i := range l.Feeds {
		if err := l.Feeds[i].Validate(); err != nil {
			return fmt.Errorf("timelines[%d]: %w", i, err)
		}
	}
	return nil
}
