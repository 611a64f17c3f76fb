package parser

import (
	"net/url"
	"strings"
)

// DedupKey normalizes an item link so that cosmetically different URLs for
// the same listing collide. Only the id query parameter survives; the host is
// lowercased and fragments are dropped. Links that do not parse fall back to
// the text before the first '&'.
func DedupKey(link string) string {
	link = NormalizeLink(link)
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		head, _, _ := strings.Cut(link, "&")
		return head
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	id := u.Query().Get("id")
	if id == "" {
		u.RawQuery = ""
	} else {
		u.RawQuery = url.Values{"id": {id}}.Encode()
	}
	return u.String()
}
