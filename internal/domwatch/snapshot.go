package domwatch

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

// AnchorKind distinguishes discrete toggle controls from freeform content lists.
type AnchorKind string

const (
	KindToggle AnchorKind = "toggle"
	KindList   AnchorKind = "list"
)

// KindFor returns the anchor kind an action type is watched through.
func KindFor(at schemas.ActionType) AnchorKind {
	if at.IsToggle() {
		return KindToggle
	}
	return KindList
}

// Snapshot computes the comparable state of an anchor node.
func Snapshot(kind AnchorKind, node *html.Node) schemas.DomSnapshot {
	now := time.Now()
	if kind == KindToggle {
		label := ToggleLabel(node)
		classes := classSignature(node)
		return schemas.DomSnapshot{
			Fingerprint: label + "|" + classes,
			RawDescriptor: map[string]string{
				"kind":            string(KindToggle),
				"label":           label,
				"class_signature": classes,
			},
			CapturedAt: now,
		}
	}

	items := ListItems(node)
	hashes := make([]string, 0, len(items))
	for _, it := range items {
		hashes = append(hashes, ItemHash(it))
	}
	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)
	return schemas.DomSnapshot{
		Fingerprint: digest(strings.Join(sorted, ",")),
		RawDescriptor: map[string]string{
			"kind":  string(KindList),
			"count": strconv.Itoa(len(hashes)),
		},
		Items:      hashes,
		CapturedAt: now,
	}
}

// ToggleLabel reads a toggle's label from, in order: a test id attribute, its
// own aria-label, an aria-label on a nested icon, and its text.
func ToggleLabel(node *html.Node) string {
	if node == nil {
		return ""
	}
	for _, attr := range []string{"data-testid", "data-e2e"} {
		if v := NormalizeLabel(htmlquery.SelectAttr(node, attr)); v != "" && !strings.Contains(v, "button") {
			return v
		}
	}
	if v := htmlquery.SelectAttr(node, "aria-label"); v != "" {
		return NormalizeLabel(v)
	}
	if icon := htmlquery.FindOne(node, ".//*[local-name()='svg' or local-name()='img'][@aria-label]"); icon != nil {
		return NormalizeLabel(htmlquery.SelectAttr(icon, "aria-label"))
	}
	return NormalizeLabel(htmlquery.InnerText(node))
}

func classSignature(node *html.Node) string {
	classes := strings.Fields(htmlquery.SelectAttr(node, "class"))
	sort.Strings(classes)
	return strings.Join(classes, " ")
}

// ListItems returns the entries of a list-like anchor.
func ListItems(node *html.Node) []*html.Node {
	if node == nil {
		return nil
	}
	switch strings.ToLower(node.Data) {
	case "ul", "ol":
		return childElements(node, "li")
	}
	for _, q := range []string{".//article", ".//*[@role='listitem']", ".//*[@data-e2e='comment-level-1']"} {
		if found := htmlquery.Find(node, q); len(found) > 0 {
			return found
		}
	}
	return childElements(node, "")
}

func childElements(node *html.Node, tag string) []*html.Node {
	var out []*html.Node
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (tag == "" || strings.EqualFold(c.Data, tag)) {
			out = append(out, c)
		}
	}
	return out
}

// ItemHash hashes an item's visible text and first link, skipping <time>
// elements so that ticking relative timestamps do not change the hash.
func ItemHash(item *html.Node) string {
	var b strings.Builder
	if a := htmlquery.FindOne(item, ".//a[@href]"); a != nil {
		b.WriteString(htmlquery.SelectAttr(a, "href"))
		b.WriteByte('|')
	}
	b.WriteString(strings.Join(strings.Fields(textWithoutTime(item)), " "))
	return digest(b.String())
}

func textWithoutTime(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, "time") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
