package domwatch

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// NodeXPath returns an absolute XPath for node. The walk stops at the nearest
// ancestor with an id that is unique in the document. Test id attributes are
// not used: toggles flip them ("like" to "unlike").
func NodeXPath(node *html.Node) string {
	if node == nil {
		return ""
	}
	root := node
	for root.Parent != nil {
		root = root.Parent
	}

	var steps []string
	anchored := false
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(n.Data)
		if sel := uniqueIDSelector(root, n); sel != "" {
			steps = append(steps, sel)
			anchored = true
			break
		}
		steps = append(steps, fmt.Sprintf("%s[%d]", tag, siblingIndex(n, tag)))
	}
	if len(steps) == 0 {
		return "/"
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	xp := strings.Join(steps, "/")
	if !anchored {
		xp = "/" + xp
	}
	return xp
}

func uniqueIDSelector(root, n *html.Node) string {
	id := htmlquery.SelectAttr(n, "id")
	if id == "" || strings.ContainsAny(id, `'"`) {
		return ""
	}
	sel := fmt.Sprintf(`//*[@id='%s']`, id)
	if matches, err := htmlquery.QueryAll(root, sel); err == nil && len(matches) == 1 {
		return sel
	}
	return ""
}

// siblingIndex is the 1-based XPath position of n among same-tag siblings.
func siblingIndex(n *html.Node, tag string) int {
	idx := 1
	for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
		if prev.Type == html.ElementNode && strings.ToLower(prev.Data) == tag {
			idx++
		}
	}
	return idx
}
