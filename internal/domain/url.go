package domain

import (
	"net/url"
	"strings"
)

// NormalizeURL rewrites reddit links to old.reddit.com; anything else, including
// unparseable input, is returned as is.
func NormalizeURL(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}
	if parsed.Hostname() == "www.reddit.com" || parsed.Hostname() == "reddit.com" {
		parsed.Host = "old.reddit.com"
		return parsed.String()
	}
	return raw
}

// YouTubeID extracts the video id from watch, embed, v, shorts and youtu.be links.
func YouTubeID(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	switch {
	case strings.HasSuffix(host, "youtube.com"):
		if parsed.Path == "/watch" {
			return parsed.Query().Get("v")
		}
		for _, prefix := range []string{"/embed/", "/v/", "/shorts/"} {
			if rest, ok := strings.CutPrefix(parsed.Path, prefix); ok {
				id, _, _ := strings.Cut(rest, "/")
				return id
			}
		}
	case strings.HasSuffix(host, "youtu.be"):
		return strings.TrimPrefix(parsed.Path, "/")
	}
	return ""
}

// ThumbnailURL sets the cache-busting "v" query parameter on base, replacing
// any previous value.
func ThumbnailURL(base, token string) string {
	if base == "" || token == "" {
		return base
	}
	path, rawQuery, _ := strings.Cut(base, "?")
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		separator := "?"
		if strings.Contains(base, "?") {
			separator = "&"
		}
		return base + separator + "v=" + url.QueryEscape(token)
	}
	values.Set("v", token)
	return path + "?" + values.Encode()
}
