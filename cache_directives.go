package gentlefetch

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// cacheDirectives holds the Cache-Control directives relevant to storing a response.
type cacheDirectives struct {
	NoStore bool
	NoCache bool
	Private bool
	MaxAge  *time.Duration
}

// parseCacheControl parses Cache-Control header into structured directives.
func parseCacheControl(header string) cacheDirectives {
	var d cacheDirectives
	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}

		if key, value, ok := strings.Cut(part, "="); ok {
			value = strings.Trim(strings.TrimSpace(value), "\"")
			if strings.TrimSpace(key) == "max-age" {
				if seconds, err := strconv.Atoi(value); err == nil {
					maxAge := time.Duration(seconds) * time.Second
					d.MaxAge = &maxAge
				}
			}
			continue
		}

		switch part {
		case "no-store":
			d.NoStore = true
		case "no-cache":
			d.NoCache = true
		case "private":
			d.Private = true
		}
	}
	return d
}

// storable reports whether a response may be written to the cache. Only
// no-store forbids it; freshness is governed by the caller's max-age.
func storable(header http.Header) bool {
	return !parseCacheControl(header.Get("Cache-Control")).NoStore
}
