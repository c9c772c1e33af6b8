package security

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// cgnat は共有アドレス空間（RFC 6598）。netip.Addr.IsPrivateの対象外のため個別に判定する。
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// internalSuffixes は外部から到達できないホスト名の接尾辞。
var internalSuffixes = []string{"localhost", "local", "internal"}

// ValidateAvatarURL はアバターURLを静的に検証する。DNS解決は行わない。
// httpsの絶対URLで、資格情報を含まず、内部ネットワークのアドレスやホスト名を指さないもののみ許可する。
func ValidateAvatarURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch {
	case !strings.EqualFold(u.Scheme, "https"):
		return fmt.Errorf("disallowed scheme: %q", u.Scheme)
	case u.User != nil:
		return errors.New("credentials in URL are not allowed")
	case u.Hostname() == "":
		return errors.New("URL has no host")
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if addr, err := netip.ParseAddr(host); err == nil {
		if !publicAddr(addr) {
			return fmt.Errorf("non-public address: %s", addr)
		}
		return nil
	}
	for _, suffix := range internalSuffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return fmt.Errorf("internal host: %s", host)
		}
	}
	return nil
}

// publicAddr はインターネット上のユニキャストアドレスかを返す。
// IPv4射影IPv6アドレスはIPv4として判定する。
func publicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsGlobalUnicast() || addr.IsPrivate() {
		return false
	}
	return !cgnat.Contains(addr)
}
