package proxy

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildPreviewProxyURL maps the path, query and fragment of target onto
// proxyBaseURL. Relative targets such as "/foo?q=1#bar" are accepted.
func BuildPreviewProxyURL(proxyBaseURL, target string) (string, error) {
	base, err := url.Parse(proxyBaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid proxy base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid proxy base URL: %q is not absolute", proxyBaseURL)
	}

	t, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return "", fmt.Errorf("invalid target URL: %w", err)
	}

	out := &url.URL{
		Scheme:   base.Scheme,
		Host:     base.Host,
		Path:     t.Path,
		RawPath:  t.RawPath,
		RawQuery: t.RawQuery,
		Fragment: t.Fragment,
	}
	if out.Path == "" {
		out.Path = "/"
		out.RawPath = ""
	}
	if t.RawFragment != "" {
		out.RawFragment = t.RawFragment
	}

	return out.String(), nil
}

// RebaseURL swaps the scheme and host of raw from one origin to another.
// Relative, cross-origin and unparsable URLs are returned unchanged. The
// http and https schemes are treated alike when matching, since dev servers
// frequently advertise the wrong one behind a proxy.
func RebaseURL(raw string, from, to *url.URL) string {
	if raw == "" || from == nil || to == nil {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return raw
	}

	if !sameHostPort(u, from) {
		return raw
	}

	u.Scheme = to.Scheme
	u.Host = to.Host
	return u.String()
}

// sameHostPort compares host and effective port. The scheme only matters
// through its default port.
func sameHostPort(a, b *url.URL) bool {
	if !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	return effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	default:
		return "80"
	}
}
