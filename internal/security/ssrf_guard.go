// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// SSRFGuardService はSSRF防止機能のインターフェースを定義する。
// 呼び出し元が指定したOpenAI互換エンドポイントへの接続と、入力中の画像参照URLの検証に使用される。
type SSRFGuardService interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// safeurlにより、接続時に解決されたIPがプライベート・ループバック・メタデータの場合は遮断される。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateBaseURL は呼び出し元が指定した上流ベースURLを接続前に検証する。
	// https・ポート443・認証情報なし・クエリなしのURLのみ許可する。
	ValidateBaseURL(rawURL string) error

	// ValidateImageURL は画像参照URLを検証する。
	// data:image/* のインライン画像、または公開ホストのhttps URLのみ許可する。
	ValidateImageURL(rawURL string) error
}

// maxDataURLLength はインライン画像として受け付けるdata URLの最大長。
// 上流の画像入力上限（20MB）をbase64化した長さに合わせる。
const maxDataURLLength = (20 << 20) * 4 / 3

// blockedNetworks は接続を許可しないネットワーク範囲。
var blockedNetworks = mustParseCIDRs(
	"0.0.0.0/8",      // カレントネットワーク
	"10.0.0.0/8",     // RFC 1918
	"100.64.0.0/10",  // キャリアグレードNAT
	"127.0.0.0/8",    // ループバック
	"169.254.0.0/16", // リンクローカル（クラウドメタデータを含む）
	"172.16.0.0/12",  // RFC 1918
	"192.0.0.0/24",   // IETFプロトコル割り当て
	"192.168.0.0/16", // RFC 1918
	"198.18.0.0/15",  // ベンチマーク用
	"224.0.0.0/4",    // マルチキャスト
	"240.0.0.0/4",    // 予約済み
	"::1/128",        // IPv6ループバック
	"fc00::/7",       // IPv6ユニークローカル
	"fe80::/10",      // IPv6リンクローカル
	"ff00::/8",       // IPv6マルチキャスト
)

func mustParseCIDRs(cidrs ...string) []net.IPNet {
	networks := make([]net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		networks = append(networks, *network)
	}
	return networks
}

// ssrfGuard はSSRFGuardServiceの実装。
type ssrfGuard struct{}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
func NewSSRFGuard() *ssrfGuard {
	return &ssrfGuard{}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// ストリーミング応答を読み切るまでがtimeoutに含まれるため、
// 呼び出し側はリクエストごとのタイムアウト以上の値を渡すこと。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	wrappedClient := safeurl.Client(config)
	return wrappedClient.Client
}

// ValidateBaseURL は上流ベースURLを静的に検証する。
// DNS再バインディングはNewSafeClientのDialer側で防ぐ。
func (g *ssrfGuard) ValidateBaseURL(rawURL string) error {
	parsed, err := parseHTTPS(rawURL)
	if err != nil {
		return err
	}
	if port := parsed.Port(); port != "" && port != "443" {
		return fmt.Errorf("disallowed port: %s", port)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("base URL must not contain a query or fragment")
	}
	return validateHost(parsed.Hostname())
}

// ValidateImageURL は画像参照URLを検証する。
func (g *ssrfGuard) ValidateImageURL(rawURL string) error {
	if strings.HasPrefix(rawURL, "data:") {
		if !strings.HasPrefix(rawURL, "data:image/") {
			return fmt.Errorf("data URL is not an image")
		}
		if len(rawURL) > maxDataURLLength {
			return fmt.Errorf("inline image exceeds %d bytes", maxDataURLLength)
		}
		return nil
	}

	parsed, err := parseHTTPS(rawURL)
	if err != nil {
		return err
	}
	return validateHost(parsed.Hostname())
}

// parseHTTPS はURLをパースし、httpsかつ認証情報を含まないことを確認する。
func parseHTTPS(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("empty URL")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return nil, fmt.Errorf("disallowed scheme: %q (https only)", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if parsed.User != nil {
		return nil, fmt.Errorf("credentials in URL are not allowed")
	}
	return parsed, nil
}

// validateHost はIPリテラルならブロック範囲と照合し、ホスト名なら拒否リストと照合する。
func validateHost(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}
	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
// IPv4射影アドレス（::ffff:10.0.0.1）もIPv4として照合する。
func isBlockedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// blockedHostnames はブロック対象のホスト名。サブドメインも対象。
var blockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
	"metadata.azure.internal",
	"instance-data.ec2.internal",
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	if lower == "" {
		return true
	}
	for _, blocked := range blockedHostnames {
		if lower == blocked || strings.HasSuffix(lower, "."+blocked) {
			return true
		}
	}
	return false
}
