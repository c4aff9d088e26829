package extract

import (
	"strings"
	"testing"
)

const testHTML = `<!DOCTYPE html>
<html>
<head><title>Ticker</title><style>.price{color:red}</style></head>
<body>
<nav><a href="/">Home</a></nav>
<main id="main">
<ul class="quotes">
<li class="quote"><span class="sym">ACME</span> <span class="price big">12.50</span></li>
<li class="quote"><span class="sym">INIT</span> <span class="price">7.10</span></li>
</ul>
<div data-updated="today"><p>Updated <b>today</b></p></div>
<script>var x = "not text";</script>
</main>
</body>
</html>`

func TestQuerySelector(t *testing.T) {
	doc, err := Parse(strings.NewReader(testHTML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	cases := []struct {
		sel  string
		want string
	}{
		{"span.price", "12.50"},
		{".price.big", "12.50"},
		{"li:nope", ""},
		{"#main li > .sym", "ACME"},
		{"ul>li .price", "12.50"},
		{"div[data-updated]", "Updated today"},
		{"div[data-updated=today] p", "Updated today"},
		{"div[data-updated=yesterday]", ""},
		{"h1, .sym", "ACME"},
		{"main", "ACME 12.50 INIT 7.10 Updated today"},
		{"nav > span", ""},
	}
	for _, c := range cases {
		n, err := QuerySelector(doc, c.sel)
		if err != nil {
			t.Fatalf("%q: %v", c.sel, err)
		}
		got := ""
		if n != nil {
			got = Text(n)
		}
		if got != c.want {
			t.Errorf("%q: got %q, want %q", c.sel, got, c.want)
		}
	}
}

func TestAll_DocumentOrder(t *testing.T) {
	doc, err := Parse(strings.NewReader(testHTML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s, err := Compile(".price, .sym")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var got []string
	for _, n := range s.All(doc) {
		got = append(got, Text(n))
	}
	want := "ACME 12.50 INIT 7.10"
	if strings.Join(got, " ") != want {
		t.Errorf("All: got %q, want %q", strings.Join(got, " "), want)
	}
}

func TestCompile_Rejects(t *testing.T) {
	for _, sel := range []string{"", "  ", "ul >", "> li", "div[", "div[]", "#", "span..price", "a,,b"} {
		if _, err := Compile(sel); err == nil {
			t.Errorf("Compile(%q): expected error", sel)
		}
	}
}

func TestTitle(t *testing.T) {
	doc, err := Parse(strings.NewReader(testHTML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := Title(doc); got != "Ticker" {
		t.Errorf("Title: got %q, want %q", got, "Ticker")
	}
}
