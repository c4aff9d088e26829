// Package extract evaluates CSS selectors over documents parsed with
// golang.org/x/net/html. It backs the static renderer, which has no browser
// to run document.querySelector in.
package extract

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Selector is a parsed selector group. The zero value matches nothing.
//
// Supported syntax is a subset of CSS:
//   - tag: "article", "span"
//   - universal: "*"
//   - .class, chained: ".price", "span.price.big"
//   - #id: "#main"
//   - [attr], [attr=val]: "div[data-price]", "meta[name=title]"
//   - descendant and child combinators: "main .price", "ul > li"
//   - groups: "h1, h2"
type Selector struct {
	groups [][]step
}

type combinator byte

const (
	descendant combinator = ' '
	child      combinator = '>'
)

// step is one compound selector and the combinator linking it to the
// previous step.
type step struct {
	comb combinator
	sel  simpleSelector
}

type simpleSelector struct {
	tag     string
	id      string
	classes []string
	attrKey string
	attrVal string
	hasVal  bool
}

// Compile parses a selector group.
func Compile(selector string) (*Selector, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, fmt.Errorf("extract: empty selector")
	}
	s := &Selector{}
	for _, g := range strings.Split(selector, ",") {
		steps, err := parseGroup(g)
		if err != nil {
			return nil, fmt.Errorf("extract: %q: %w", selector, err)
		}
		s.groups = append(s.groups, steps)
	}
	return s, nil
}

func parseGroup(g string) ([]step, error) {
	g = strings.ReplaceAll(g, ">", " > ")
	fields := strings.Fields(g)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty group")
	}
	var steps []step
	comb := descendant
	for _, f := range fields {
		if f == ">" {
			if len(steps) == 0 || comb == child {
				return nil, fmt.Errorf("dangling combinator")
			}
			comb = child
			continue
		}
		sel, err := parseSimpleSelector(f)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step{comb: comb, sel: sel})
		comb = descendant
	}
	if comb == child {
		return nil, fmt.Errorf("dangling combinator")
	}
	return steps, nil
}

// parseSimpleSelector parses "tag.class", "#id", "tag[attr=val]", etc.
func parseSimpleSelector(sel string) (simpleSelector, error) {
	var s simpleSelector

	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		if !strings.HasSuffix(sel, "]") {
			return s, fmt.Errorf("unterminated attribute in %q", sel)
		}
		attrPart := sel[idx+1 : len(sel)-1]
		sel = sel[:idx]
		if eqIdx := strings.IndexByte(attrPart, '='); eqIdx >= 0 {
			s.attrKey = attrPart[:eqIdx]
			s.attrVal = strings.Trim(attrPart[eqIdx+1:], `"'`)
			s.hasVal = true
		} else {
			s.attrKey = attrPart
		}
		if s.attrKey == "" {
			return s, fmt.Errorf("empty attribute name in %q", sel)
		}
	}

	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		rest := sel[idx+1:]
		sel = sel[:idx]
		// "#id.class" keeps its classes.
		if dot := strings.IndexByte(rest, '.'); dot >= 0 {
			sel += rest[dot:]
			rest = rest[:dot]
		}
		if rest == "" {
			return s, fmt.Errorf("empty id")
		}
		s.id = rest
	}

	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		for _, c := range strings.Split(sel[idx+1:], ".") {
			if c == "" {
				return s, fmt.Errorf("empty class")
			}
			s.classes = append(s.classes, c)
		}
		sel = sel[:idx]
	}

	if sel != "*" {
		s.tag = strings.ToLower(sel)
	}
	return s, nil
}

// matches checks a node against one compound selector.
func (s simpleSelector) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && getAttr(n, "id") != s.id {
		return false
	}
	if len(s.classes) > 0 {
		have := strings.Fields(getAttr(n, "class"))
		for _, want := range s.classes {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	if s.attrKey != "" {
		if !hasAttr(n, s.attrKey) {
			return false
		}
		if s.hasVal && getAttr(n, s.attrKey) != s.attrVal {
			return false
		}
	}
	return true
}

// Match reports whether n is matched by any group of s.
func (s *Selector) Match(n *html.Node) bool {
	for _, g := range s.groups {
		if matchSteps(n, g) {
			return true
		}
	}
	return false
}

// matchSteps matches right to left: n must match the last step, and its
// ancestors must satisfy the rest.
func matchSteps(n *html.Node, steps []step) bool {
	last := len(steps) - 1
	if !steps[last].sel.matches(n) {
		return false
	}
	if last == 0 {
		return true
	}
	rest := steps[:last]
	switch steps[last].comb {
	case child:
		return n.Parent != nil && matchSteps(n.Parent, rest)
	default:
		for p := n.Parent; p != nil; p = p.Parent {
			if matchSteps(p, rest) {
				return true
			}
		}
		return false
	}
}

// First returns the first element under root, in document order, matched
// by s. root itself is not considered.
func (s *Selector) First(root *html.Node) *html.Node {
	var found *html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if s.Match(c) {
				found = c
				return true
			}
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(root)
	return found
}

// All returns every element under root matched by s, in document order.
func (s *Selector) All(root *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if s.Match(c) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(root)
	return out
}

// QuerySelector compiles selector and returns the first match under doc.
func QuerySelector(doc *html.Node, selector string) (*html.Node, error) {
	s, err := Compile(selector)
	if err != nil {
		return nil, err
	}
	return s.First(doc), nil
}

// getAttr returns the value of an attribute on a node.
func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

// hasAttr checks if a node has a specific attribute.
func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}
