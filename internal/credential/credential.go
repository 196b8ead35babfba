// Package credential はベアラー資格情報の永続化と変更通知を提供する。
package credential

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential は不透明なベアラートークン。
type Credential string

// Present は値が設定されているかを返す。
func (c Credential) Present() bool { return c != "" }

// String はトークンを伏せた表現を返す。ログ出力に使用する。
func (c Credential) String() string {
	if !c.Present() {
		return "<absent>"
	}
	return "<redacted>"
}

// Claims は表示用に取り出したJWTのクレーム。
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Claims はトークンがJWTであれば署名を検証せずにクレームを取り出す。
// 期限切れでもエラーにしない。有効性の判断はサーバーの401応答のみで行う。
func (c Credential) Claims() (Claims, error) {
	var rc jwt.RegisteredClaims
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(string(c), &rc); err != nil {
		return Claims{}, fmt.Errorf("credential is not a JWT: %w", err)
	}

	out := Claims{Subject: rc.Subject}
	if rc.ExpiresAt != nil {
		out.ExpiresAt = rc.ExpiresAt.Time
	}
	return out, nil
}
