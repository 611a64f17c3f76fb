// Package parser turns the marketplace's JSON API payloads into models.
package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrInvalidPayload is returned for bodies that are not JSON objects.
var ErrInvalidPayload = errors.New("parser: invalid payload")

// SiteBase is prefixed to app-scheme links.
const SiteBase = "https://www.goofish.com/"

func parse(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, ErrInvalidPayload
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return gjson.Result{}, ErrInvalidPayload
	}
	return root, nil
}

// NormalizePrice joins price fragments and converts the ten-thousand unit.
// "当前价" markers and surrounding whitespace are removed.
func NormalizePrice(price string) string {
	price = strings.TrimSpace(price)
	price = strings.ReplaceAll(price, "当前价", "")
	price = strings.ReplaceAll(price, "¥", "")
	price = strings.TrimSpace(price)
	if strings.HasSuffix(price, "万") {
		n, err := strconv.ParseFloat(strings.TrimSuffix(price, "万"), 64)
		if err == nil {
			return strconv.FormatFloat(n*10000, 'f', -1, 64)
		}
	}
	return price
}

// NormalizeLink rewrites app-scheme links to the web site.
func NormalizeLink(link string) string {
	link = strings.TrimSpace(link)
	if strings.HasPrefix(link, "fleamarket://") {
		return SiteBase + strings.TrimPrefix(link, "fleamarket://")
	}
	return link
}

// FormatRegistrationDays renders a day count as years, months and days.
func FormatRegistrationDays(days int) string {
	if days <= 0 {
		return "unknown"
	}
	years := days / 365
	months := (days % 365) / 30
	rest := (days % 365) % 30
	var parts []string
	if years > 0 {
		parts = append(parts, fmt.Sprintf("%dy", years))
	}
	if months > 0 {
		parts = append(parts, fmt.Sprintf("%dm", months))
	}
	if rest > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%dd", rest))
	}
	return strings.Join(parts, " ")
}

func intOf(r gjson.Result) int {
	if r.Type == gjson.String {
		n, err := strconv.Atoi(strings.TrimSpace(r.Str))
		if err != nil {
			return 0
		}
		return n
	}
	return int(r.Int())
}
