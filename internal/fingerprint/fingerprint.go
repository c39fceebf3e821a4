// Package fingerprint derives stable identities for feed items.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Fingerprint hashes url and the raw publish token into a hex SHA-256 digest.
// An empty token is valid and yields a distinct fingerprint from any non-empty one.
func Fingerprint(rawURL, publishToken string) string {
	sum := sha256.Sum256([]byte(rawURL + "|" + publishToken))
	return hex.EncodeToString(sum[:])
}

// NormalizeURL drops query string and fragment, keeping scheme, host and path.
// Input that does not parse as an absolute URL is returned trimmed.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return trimmed
	}
	return u.Scheme + "://" + u.Host + u.EscapedPath()
}

// RegistrableDomain returns the eTLD+1 of the URL host, e.g. "reuters.com" for
// "https://www.reuters.com/x". It returns "" when no domain can be derived.
func RegistrableDomain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return strings.TrimPrefix(host, "www.")
	}
	return domain
}
