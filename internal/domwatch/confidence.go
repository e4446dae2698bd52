package domwatch

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Comment confidence weights.
const (
	weightRecency   = 0.4
	weightPrefix    = 0.4
	weightReply     = 0.1
	weightAuthor    = 0.05
	weightLikeIcon  = 0.05
	maxItemSegments = 64
)

// relativeAge matches relative timestamps platforms render for fresh items:
// "now", "just now", "12s", "12 s ago", "1m".
var relativeAge = regexp.MustCompile(`^(?:just now|now|(\d+)\s*(s|sec|secs|m|min|mins)(?:\s+ago)?)$`)

// Score breaks down the confidence that a list item is the expected comment.
type Score struct {
	Recency    float64
	Prefix     float64
	Structural float64
}

// Total is the sum of the parts.
func (s Score) Total() float64 {
	return s.Recency + s.Prefix + s.Structural
}

// ScoreItem scores a new list item against the expected comment text.
func ScoreItem(item *html.Node, expected string, now time.Time, window time.Duration) Score {
	var s Score
	if age, ok := itemAge(item, now); ok && age < window {
		s.Recency = weightRecency
	}
	s.Prefix = bestPrefixSimilarity(item, expected) * weightPrefix
	if htmlquery.FindOne(item, `.//*[@data-testid='reply' or contains(translate(@aria-label,'REPLY','reply'),'reply') or normalize-space(translate(text(),'REPLY','reply'))='reply']`) != nil {
		s.Structural += weightReply
	}
	if htmlquery.FindOne(item, `.//a[starts-with(@href,'/')]`) != nil {
		s.Structural += weightAuthor
	}
	if htmlquery.FindOne(item, `.//*[@data-testid='like' or @data-testid='unlike' or translate(@aria-label,'LIKE','like')='like' or translate(@aria-label,'UNLIKE','unlike')='unlike']`) != nil {
		s.Structural += weightLikeIcon
	}
	return s
}

// itemAge reads the item's age from a <time datetime> attribute, falling back
// to relative-time text anywhere in the item.
func itemAge(item *html.Node, now time.Time) (time.Duration, bool) {
	if tn := htmlquery.FindOne(item, ".//time[@datetime]"); tn != nil {
		if t, err := time.Parse(time.RFC3339, htmlquery.SelectAttr(tn, "datetime")); err == nil {
			age := now.Sub(t)
			if age < 0 {
				age = 0
			}
			return age, true
		}
	}
	for _, seg := range textSegments(item) {
		m := relativeAge.FindStringSubmatch(seg)
		if m == nil {
			continue
		}
		if m[1] == "" {
			return 0, true
		}
		n, _ := strconv.Atoi(m[1])
		if strings.HasPrefix(m[2], "m") {
			return time.Duration(n) * time.Minute, true
		}
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

// bestPrefixSimilarity is the best per-segment similarity in [0,1]: 1 when a
// text segment starts with the expected text, otherwise the common-prefix
// length relative to the expected length.
func bestPrefixSimilarity(item *html.Node, expected string) float64 {
	want := []rune(normalizeText(expected))
	if len(want) == 0 {
		return 0
	}
	best := 0.0
	for _, seg := range textSegments(item) {
		got := []rune(seg)
		n := 0
		for n < len(got) && n < len(want) && got[n] == want[n] {
			n++
		}
		sim := float64(n) / float64(len(want))
		if sim > best {
			best = sim
		}
		if best == 1 {
			break
		}
	}
	return best
}

// textSegments returns the normalized, non-empty text nodes of an item.
func textSegments(n *html.Node) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(out) >= maxItemSegments {
			return
		}
		if n.Type == html.TextNode {
			if s := normalizeText(n.Data); s != "" {
				out = append(out, s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
