package browser

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-rod/rod/lib/proto"
)

// storageState mirrors the login state file written by browser automation
// tools: a list of cookies plus origins we ignore.
type storageState struct {
	Cookies []stateCookie `json:"cookies"`
}

type stateCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// LoadStateCookies reads the cookie list from a login state file.
func LoadStateCookies(path string) ([]*proto.NetworkCookieParam, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var state storageState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", path, err)
	}

	cookies := make([]*proto.NetworkCookieParam, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		if c.Name == "" {
			continue
		}
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		switch c.SameSite {
		case "Strict":
			param.SameSite = proto.NetworkCookieSameSiteStrict
		case "Lax":
			param.SameSite = proto.NetworkCookieSameSiteLax
		case "None":
			param.SameSite = proto.NetworkCookieSameSiteNone
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		cookies = append(cookies, param)
	}
	return cookies, nil
}
