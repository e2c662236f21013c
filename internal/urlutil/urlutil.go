package urlutil

import (
	"net/url"
	"strings"
)

// Join builds a URL from a base origin and a path. Absolute http(s) paths are
// returned unchanged; an empty base leaves the path relative.
func Join(base, path string) string {
	base = normalizeBaseURL(base)
	if path == "" {
		if base == "" {
			return "/"
		}
		return base + "/"
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

// WithQuery sets params on rawURL, keeping its existing query values.
func WithQuery(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		q.Del(k)
		for _, v := range vs {
			if v != "" {
				q.Add(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func normalizeBaseURL(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/")
}
