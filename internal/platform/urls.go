// Package platform holds per-platform knowledge that is not tied to a specific
// detector: how identifiers are encoded in page locations.
package platform

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

// reservedPaths are first path segments that never name an account.
var reservedPaths = map[schemas.Platform]map[string]bool{
	schemas.PlatformInstagram: {
		"p": true, "reel": true, "reels": true, "explore": true, "accounts": true,
		"direct": true, "stories": true, "tv": true,
	},
	schemas.PlatformTwitter: {
		"home": true, "i": true, "explore": true, "notifications": true,
		"messages": true, "search": true, "settings": true, "compose": true,
	},
	schemas.PlatformTikTok: {
		"foryou": true, "following": true, "explore": true, "live": true, "upload": true,
	},
}

// hosts maps registrable domains to their platform.
var hosts = map[string]schemas.Platform{
	"instagram.com": schemas.PlatformInstagram,
	"twitter.com":   schemas.PlatformTwitter,
	"x.com":         schemas.PlatformTwitter,
	"tiktok.com":    schemas.PlatformTikTok,
}

// FromURL infers the platform from a page URL's host, subdomains included.
func FromURL(raw string) (schemas.Platform, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse url %q: %w", raw, err)
	}
	host := strings.ToLower(u.Hostname())
	for domain, p := range hosts {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return p, nil
		}
	}
	return "", fmt.Errorf("no supported platform serves %q", host)
}

// Location is what can be read from a page URL.
type Location struct {
	// Handle is the account handle the page belongs to, if any.
	Handle string
	// ContentID is the post / status / video id, if the page shows one item.
	ContentID string
}

// ParseLocation extracts the account handle and content id encoded in a page URL.
//
//	instagram: /<handle>/, /p/<shortcode>/, /reel/<shortcode>/
//	twitter:   /<handle>, /<handle>/status/<id>
//	tiktok:    /@<handle>, /@<handle>/video/<id>
func ParseLocation(p schemas.Platform, raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("failed to parse location %q: %w", raw, err)
	}
	segs := splitPath(u.Path)
	if len(segs) == 0 {
		return Location{}, nil
	}

	var loc Location
	switch p {
	case schemas.PlatformInstagram:
		if (segs[0] == "p" || segs[0] == "reel") && len(segs) > 1 {
			loc.ContentID = segs[1]
			return loc, nil
		}
		if !reservedPaths[p][strings.ToLower(segs[0])] {
			loc.Handle = segs[0]
		}
		// /<handle>/p/<shortcode>/ is also served by instagram.
		if len(segs) > 2 && (segs[1] == "p" || segs[1] == "reel") {
			loc.ContentID = segs[2]
		}
	case schemas.PlatformTwitter:
		if reservedPaths[p][strings.ToLower(segs[0])] {
			return loc, nil
		}
		loc.Handle = segs[0]
		if len(segs) > 2 && segs[1] == "status" {
			loc.ContentID = segs[2]
		}
	case schemas.PlatformTikTok:
		if !strings.HasPrefix(segs[0], "@") {
			return loc, nil
		}
		loc.Handle = strings.TrimPrefix(segs[0], "@")
		if len(segs) > 2 && (segs[1] == "video" || segs[1] == "photo") {
			loc.ContentID = segs[2]
		}
	default:
		return Location{}, fmt.Errorf("unsupported platform %q", p)
	}
	return loc, nil
}

// IdentifierFor returns the identifier a given action type is verified against:
// the handle for account actions, the content id for content actions.
func IdentifierFor(at schemas.ActionType, loc Location) string {
	switch at {
	case schemas.ActionFollow, schemas.ActionVerifyProfile:
		return loc.Handle
	default:
		return loc.ContentID
	}
}

// IdentifierFromURL combines ParseLocation and IdentifierFor.
func IdentifierFromURL(p schemas.Platform, at schemas.ActionType, raw string) (string, error) {
	loc, err := ParseLocation(p, raw)
	if err != nil {
		return "", err
	}
	return IdentifierFor(at, loc), nil
}

func splitPath(p string) []string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
