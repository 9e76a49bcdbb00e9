package kurir

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheDirectives represents parsed Cache-Control directives.
type CacheDirectives struct {
	NoStore bool
	NoCache bool
	Private bool
	MaxAge  *time.Duration
	SMaxAge *time.Duration
}

// parseCacheControl parses Cache-Control header into structured directives.
func parseCacheControl(header string) CacheDirectives {
	var directives CacheDirectives
	for part := range strings.SplitSeq(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}

		key, value, hasValue := strings.Cut(part, "=")
		if !hasValue {
			switch key {
			case "no-store":
				directives.NoStore = true
			case "no-cache":
				directives.NoCache = true
			case "private":
				directives.Private = true
			}
			continue
		}

		seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
		if err != nil || seconds < 0 {
			continue
		}
		d := time.Duration(seconds) * time.Second
		switch strings.TrimSpace(key) {
		case "max-age":
			directives.MaxAge = &d
		case "s-maxage":
			directives.SMaxAge = &d
		}
	}
	return directives
}

// parseHTTPTime parses the date formats allowed for Expires and Date.
func parseHTTPTime(header string) (time.Time, bool) {
	if header == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(header)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// responseTTL derives how long a response may be served from cache.
// no-store and no-cache yield zero. s-maxage is
// preferred over max-age, then Expires relative to Date. The Age header is
// subtracted. Without any freshness information fallback is returned.
func responseTTL(header http.Header, receivedAt time.Time, fallback time.Duration) time.Duration {
	cc := parseCacheControl(header.Get("Cache-Control"))
	if cc.NoStore || cc.NoCache {
		return 0
	}

	var ttl time.Duration
	switch {
	case cc.SMaxAge != nil:
		ttl = *cc.SMaxAge
	case cc.MaxAge != nil:
		ttl = *cc.MaxAge
	default:
		expires, ok := parseHTTPTime(header.Get("Expires"))
		if !ok {
			if header.Get("Expires") != "" {
				// invalid Expires means already expired
				return 0
			}
			return fallback
		}
		base := receivedAt
		if date, ok := parseHTTPTime(header.Get("Date")); ok {
			base = date
		}
		ttl = expires.Sub(base)
	}

	if age, err := strconv.Atoi(strings.TrimSpace(header.Get("Age"))); err == nil && age > 0 {
		ttl -= time.Duration(age) * time.Second
	}
	return max(ttl, 0)
}

// cacheStorage reports whether res may be kept in memory and whether it may
// be written to the shared backend. A no-cache response with validators is
// kept without freshness so the next request revalidates it. private
// responses never leave the process.
func cacheStorage(res *FetchResult) (keep, share bool) {
	cc := parseCacheControl(res.Header.Get("Cache-Control"))
	switch {
	case cc.NoStore:
		return false, false
	case res.TTL > 0:
		return true, !cc.Private
	case cc.NoCache:
		return hasValidators(res.Header), false
	default:
		return false, false
	}
}

func hasValidators(h http.Header) bool {
	return h.Get("ETag") != "" || h.Get("Last-Modified") != ""
}

// addConditionalHeaders adds validators from a stale result so the origin can answer 304.
func addConditionalHeaders(h http.Header, stale *FetchResult) {
	if stale == nil || stale.Header == nil {
		return
	}
	if etag := stale.Header.Get("ETag"); etag != "" {
		h.Set("If-None-Match", etag)
	}
	if lm := stale.Header.Get("Last-Modified"); lm != "" {
		h.Set("If-Modified-Since", lm)
	}
}
