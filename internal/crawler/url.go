package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// DefaultSessionParams are query parameters forum software uses to carry
// session identifiers in links.
var DefaultSessionParams = []string{"s", "sid", "phpsessid"}

// CanonicalThreadURL standardizes a thread URL so the same thread always maps
// to the same string. It lowercases the scheme and host, removes default
// ports, fragments and session-id parameters (matched case-insensitively), and
// sorts the remaining query parameters.
func CanonicalThreadURL(rawURL string, sessionParams []string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q must be absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""

	if sessionParams == nil {
		sessionParams = DefaultSessionParams
	}
	q := u.Query()
	for key := range q {
		for _, param := range sessionParams {
			if strings.EqualFold(key, param) {
				q.Del(key)
			}
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// PageURL builds the deterministic URL of a 1-based page. Page 1 is the
// canonical URL itself; later pages carry offsetParam=(page-1)*pageSize.
func PageURL(canonical string, page, pageSize int, offsetParam string) (string, error) {
	if page < 1 {
		return "", fmt.Errorf("page must be >= 1, got %d", page)
	}
	if pageSize < 1 {
		return "", fmt.Errorf("page size must be >= 1, got %d", pageSize)
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if offsetParam == "" {
		offsetParam = "start"
	}
	q := u.Query()
	q.Del(offsetParam)
	if page > 1 {
		q.Set(offsetParam, strconv.Itoa((page-1)*pageSize))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ThreadExternalID derives a stable thread identifier from its URL: the value
// of idParam when present, otherwise the last path segment.
func ThreadExternalID(rawURL, idParam string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if idParam != "" {
		if v := u.Query().Get(idParam); v != "" {
			return v, nil
		}
	}
	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if base == "" || base == "." || base == "/" {
		return "", fmt.Errorf("cannot derive thread id from %q", rawURL)
	}
	return base, nil
}
