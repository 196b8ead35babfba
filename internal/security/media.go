package security

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrMediaBlocked はメディアURLがポリシーにより拒否されたことを表す。
var ErrMediaBlocked = errors.New("media url blocked")

// ErrMediaTooLarge はメディアがサイズ上限を超えたことを表す。
var ErrMediaTooLarge = errors.New("media exceeds size limit")

// ErrMediaUnavailable はメディアの取得先が応答しなかったか、200以外を返したことを表す。
var ErrMediaUnavailable = errors.New("media unavailable")

// blockedNetworks は静的検証で拒否するネットワーク範囲。
// 名前解決後のアドレスはsafeurlのDialerが検証する。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// ValidateMediaURL はメディアURLを名前解決せずに検証する。
// httpsの絶対URLで、プライベートアドレスやlocalhostを指さないものだけを許可する。
func ValidateMediaURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: empty URL", ErrMediaBlocked)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL: %v", ErrMediaBlocked, err)
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("%w: disallowed scheme %q", ErrMediaBlocked, parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrMediaBlocked)
	}
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("%w: blocked IP address %s", ErrMediaBlocked, ip)
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("%w: blocked host %s", ErrMediaBlocked, host)
	}
	return nil
}

func isHTTPSURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && strings.EqualFold(u.Scheme, "https") && u.Host != ""
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlがDialerのControlフックで名前解決後のアドレスを検証するため、
// プライベートアドレスやメタデータIPへの接続とDNSリバインディングを防げる。
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// Media は取得したメディア。
type Media struct {
	ContentType string
	Body        []byte
}

// MediaProxy はポストに添付されたメディアを取得する。
type MediaProxy struct {
	client   *http.Client
	maxSize  int64
	validate func(rawURL string) error
}

// NewMediaProxy はMediaProxyを生成する。clientには通常NewSafeClientの結果を渡す。
func NewMediaProxy(client *http.Client, maxSize int64) *MediaProxy {
	return &MediaProxy{client: client, maxSize: maxSize, validate: ValidateMediaURL}
}

// Fetch はメディアを取得する。画像・動画以外のContent-Typeは拒否する。
func (p *MediaProxy) Fetch(ctx context.Context, rawURL string) (*Media, error) {
	if err := p.validate(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build media request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrMediaUnavailable, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !isMediaContentType(contentType) {
		return nil, fmt.Errorf("%w: unexpected content type %q", ErrMediaBlocked, contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media body: %w", err)
	}
	if int64(len(body)) > p.maxSize {
		return nil, ErrMediaTooLarge
	}
	return &Media{ContentType: contentType, Body: body}, nil
}

func isMediaContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "video/")
}
