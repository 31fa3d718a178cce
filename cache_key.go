package gentlefetch

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// CacheKey returns the deterministic cache identity of req: the sanitized
// host followed by a SHA-256 over the method, the normalized URL with merged
// and sorted query parameters, and the body for non-GET requests. Headers
// are not part of the identity.
func CacheKey(req *Request) string {
	method := strings.ToUpper(req.method())
	normalized, host := normalizeURL(req.URL, req.Params)

	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(normalized))
	if method != http.MethodGet && method != http.MethodHead {
		body, _, _ := req.encodeBody()
		sum := sha256.Sum256(body)
		h.Write([]byte{'\n'})
		h.Write(sum[:])
	}
	return sanitizeHost(host) + "_" + hex.EncodeToString(h.Sum(nil))
}

// normalizeURL lower-cases scheme and host, drops default ports and the
// fragment, and merges extra params into a sorted query string.
func normalizeURL(raw string, extra url.Values) (string, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw + "?" + encodeSorted(extra), ""
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	u.Host = host
	if port != "" {
		u.Host = host + ":" + port
	}
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for k, vs := range extra {
		q[k] = append(q[k], vs...)
	}
	u.RawQuery = encodeSorted(q)
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), host
}

func encodeSorted(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	sorted := make(url.Values, len(v))
	for k, vs := range v {
		c := append([]string(nil), vs...)
		sort.Strings(c)
		sorted[k] = c
	}
	// Encode sorts by key.
	return sorted.Encode()
}

func sanitizeHost(host string) string {
	if host == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, host)
}
