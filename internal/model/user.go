package model

// UserIdentity は /auth/me が返すログイン中ユーザーを表す。
type UserIdentity struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	IsActive  bool   `json:"is_active"`
	IsAdmin   bool   `json:"is_admin"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Validate は必須項目を検証する。
func (u *UserIdentity) Validate() error {
	if u.ID == 0 {
		return missingField("id")
	}
	if u.Username == "" {
		return missingField("username")
	}
	return nil
}

// LoginRequest はログインリクエストを表す。
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse はログイン成功時の応答を表す。
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Validate は必須項目を検証する。
func (t *TokenResponse) Validate() error {
	if t.AccessToken == "" {
		return missingField("access_token")
	}
	return nil
}

// BookmarkResult はブックマーク切り替えの応答を表す。
type BookmarkResult struct {
	Message      string `json:"message"`
	IsBookmarked bool   `json:"is_bookmarked"`
}
