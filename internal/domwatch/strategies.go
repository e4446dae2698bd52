package domwatch

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

// Anchor is a located DOM region plus the control that drives it.
type Anchor struct {
	Kind     AnchorKind
	Strategy string
	Node     *html.Node
	XPath    string
	// Control is the element the user interacts with: the toggle itself, or the
	// comment form for lists. May be nil.
	Control      *html.Node
	ControlXPath string
}

// Strategy is a pure function from page state to an optional anchor.
type Strategy struct {
	Name string
	Find func(doc *html.Node) *Anchor
}

// Strategies returns the ordered anchor strategies for an action: test/role
// attributes first, then text content, then proximity to a known control.
func Strategies(p schemas.Platform, at schemas.ActionType) []Strategy {
	if KindFor(at) == KindToggle {
		return []Strategy{
			{Name: "toggle-attributes", Find: toggleByAttributes(p, at)},
			{Name: "toggle-text", Find: toggleByText(at)},
			{Name: "toggle-proximity", Find: toggleByProximity(at)},
		}
	}
	return []Strategy{
		{Name: "list-attributes", Find: listByAttributes(p)},
		{Name: "list-text", Find: listByText},
		{Name: "list-proximity", Find: listByProximity},
	}
}

// StrategyByName returns the strategy with the given name, for relocating an
// anchor after re-renders.
func StrategyByName(p schemas.Platform, at schemas.ActionType, name string) (Strategy, bool) {
	for _, s := range Strategies(p, at) {
		if s.Name == name {
			return s, true
		}
	}
	return Strategy{}, false
}

// -- Toggles --

func toggleAttributeQueries(p schemas.Platform, at schemas.ActionType) []string {
	switch p {
	case schemas.PlatformTwitter:
		switch at {
		case schemas.ActionFollow:
			return []string{`//*[@data-testid='placementTracking']//*[@role='button'][@data-testid]`,
				`//*[@role='button'][substring(@data-testid, string-length(@data-testid) - 6) = '-follow' or substring(@data-testid, string-length(@data-testid) - 8) = '-unfollow']`}
		case schemas.ActionLike:
			return []string{`//*[@data-testid='like' or @data-testid='unlike']`}
		case schemas.ActionRetweet:
			return []string{`//*[@data-testid='retweet' or @data-testid='unretweet']`}
		}
	case schemas.PlatformInstagram:
		switch at {
		case schemas.ActionFollow:
			return []string{`//header//button[@type='button'][.//div[@dir='auto']]`}
		case schemas.ActionLike:
			return []string{`//section//*[@role='button'][.//*[local-name()='svg'][@aria-label='Like' or @aria-label='Unlike']]`}
		}
	case schemas.PlatformTikTok:
		switch at {
		case schemas.ActionFollow:
			return []string{`//*[@data-e2e='follow-button']`}
		case schemas.ActionLike:
			return []string{`//*[@data-e2e='like-icon' or @data-e2e='browse-like-icon']/ancestor::button[1]`}
		}
	}
	return nil
}

func toggleByAttributes(p schemas.Platform, at schemas.ActionType) func(*html.Node) *Anchor {
	return func(doc *html.Node) *Anchor {
		var nodes []*html.Node
		for _, q := range toggleAttributeQueries(p, at) {
			if found, err := htmlquery.QueryAll(doc, q); err == nil {
				nodes = append(nodes, found...)
			}
		}
		return pickToggle(at, nodes, ToggleLabel)
	}
}

func toggleByText(at schemas.ActionType) func(*html.Node) *Anchor {
	return func(doc *html.Node) *Anchor {
		nodes := htmlquery.Find(doc, `//button | //*[@role='button']`)
		return pickToggle(at, nodes, func(n *html.Node) string {
			return NormalizeLabel(htmlquery.InnerText(n))
		})
	}
}

// pickToggle prefers a control still showing a start label ("Follow") over one
// already in an end state, so that unrelated "Following" tabs do not win.
func pickToggle(at schemas.ActionType, nodes []*html.Node, label func(*html.Node) string) *Anchor {
	for _, vocab := range [][]string{ToggleStartLabels(at), ToggleVocabulary(at)} {
		for _, n := range nodes {
			if inVocabulary(label(n), vocab) {
				return toggleAnchor(n)
			}
		}
	}
	return nil
}

// proximityControls are controls that sit next to each toggle on every
// supported platform (message next to follow, comment/share next to like).
var proximityControls = map[schemas.ActionType]string{
	schemas.ActionFollow:  `//*[(self::button or @role='button' or self::a) and (normalize-space()='Message' or @data-testid='sendDMFromProfile' or @aria-label='Message')]`,
	schemas.ActionLike:    `//*[(self::button or @role='button') and (@data-testid='reply' or .//*[local-name()='svg'][@aria-label='Comment'] or @data-e2e='comment-icon')]`,
	schemas.ActionRetweet: `//*[(self::button or @role='button') and (@data-testid='reply' or @data-testid='like')]`,
}

func toggleByProximity(at schemas.ActionType) func(*html.Node) *Anchor {
	vocab := ToggleVocabulary(at)
	return func(doc *html.Node) *Anchor {
		q, ok := proximityControls[at]
		if !ok {
			return nil
		}
		for _, known := range htmlquery.Find(doc, q) {
			// Walk up a few levels and look for a sibling control in vocabulary.
			for up, container := 0, known.Parent; container != nil && up < 4; up, container = up+1, container.Parent {
				for _, cand := range htmlquery.Find(container, `.//button | .//*[@role='button']`) {
					if cand == known {
						continue
					}
					if inVocabulary(ToggleLabel(cand), vocab) {
						return toggleAnchor(cand)
					}
				}
			}
		}
		return nil
	}
}

func toggleAnchor(n *html.Node) *Anchor {
	xp := NodeXPath(n)
	return &Anchor{Kind: KindToggle, Node: n, XPath: xp, Control: n, ControlXPath: xp}
}

func inVocabulary(label string, vocab []string) bool {
	for _, v := range vocab {
		if label == v {
			return true
		}
	}
	return false
}

// -- Lists --

func listAttributeQuery(p schemas.Platform) string {
	switch p {
	case schemas.PlatformTwitter:
		return `//*[@data-testid='primaryColumn']//section[@role='region']`
	case schemas.PlatformTikTok:
		return `//*[@data-e2e='comment-list' or contains(@class,'CommentListContainer')]`
	}
	return `//ul[li//a[@href]][ancestor::article or ancestor::main][.//*[@role='button' or self::button]]`
}

func listByAttributes(p schemas.Platform) func(*html.Node) *Anchor {
	q := listAttributeQuery(p)
	return func(doc *html.Node) *Anchor {
		n := htmlquery.FindOne(doc, q)
		if n == nil {
			n = htmlquery.FindOne(doc, `//*[@role='list' or @data-testid='comment-list']`)
		}
		if n == nil {
			return nil
		}
		return listAnchor(doc, n)
	}
}

// listByText finds the lowest container holding every "Reply" affordance.
func listByText(doc *html.Node) *Anchor {
	replies := htmlquery.Find(doc, `//*[normalize-space(translate(text(),'REPLY','reply'))='reply']`)
	if len(replies) == 0 {
		return nil
	}
	n := commonAncestor(replies)
	// A single reply affordance sits inside its own item; widen to the list.
	if len(replies) == 1 && n != nil {
		for n.Parent != nil && !isListTag(n) {
			n = n.Parent
		}
	}
	if n == nil || n.Type != html.ElementNode {
		return nil
	}
	return listAnchor(doc, n)
}

// listByProximity anchors on the container around the comment input.
func listByProximity(doc *html.Node) *Anchor {
	input := htmlquery.FindOne(doc, `//form[.//textarea or .//*[@contenteditable='true']]`)
	if input == nil {
		return nil
	}
	for c := input.Parent; c != nil; c = c.Parent {
		if list := htmlquery.FindOne(c, `.//ul | .//*[@role='list']`); list != nil && !isDescendant(list, input) {
			return listAnchor(doc, list)
		}
	}
	return nil
}

func listAnchor(doc, n *html.Node) *Anchor {
	a := &Anchor{Kind: KindList, Node: n, XPath: NodeXPath(n)}
	if form := htmlquery.FindOne(doc, `//form[.//textarea or .//*[@contenteditable='true']]`); form != nil {
		a.Control = form
		a.ControlXPath = NodeXPath(form)
	}
	return a
}

func isListTag(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	tag := strings.ToLower(n.Data)
	return tag == "ul" || tag == "ol" || htmlquery.SelectAttr(n, "role") == "list"
}

func isDescendant(n, ancestor *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

func commonAncestor(nodes []*html.Node) *html.Node {
	if len(nodes) == 0 {
		return nil
	}
	n := nodes[0].Parent
	for n != nil {
		all := true
		for _, other := range nodes[1:] {
			if !isDescendant(other, n) {
				all = false
				break
			}
		}
		if all {
			return n
		}
		n = n.Parent
	}
	return nil
}

func (a *Anchor) String() string {
	if a == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s anchor via %s at %s", a.Kind, a.Strategy, a.XPath)
}
