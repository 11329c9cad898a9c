package web

import "testing"

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"tags removed",
			`<p>hello <b>world</b></p>`,
			"hello world",
		},
		{
			"script dropped",
			`<p>before</p><script>var x = 1;</script><p>after</p>`,
			"before\n\nafter",
		},
		{
			"style dropped",
			`<style>p { color: red }</style>text`,
			"text",
		},
		{
			"entities decoded",
			`a &amp; b &lt;c&gt;`,
			"a & b <c>",
		},
		{
			"block tags break lines",
			`<div>one</div><div>two</div>`,
			"one\n\ntwo",
		},
		{
			"whitespace collapsed",
			"a    b\n\n\n\n\nc",
			"a b\n\nc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripHTML(tt.in); got != tt.want {
				t.Errorf("stripHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTagName(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`p`, "p"},
		{`P class="x"`, "p"},
		{`/div`, "/div"},
		{`br/`, "br"},
		{``, ""},
	}
	for _, tt := range tests {
		if got := tagName(tt.raw); got != tt.want {
			t.Errorf("tagName(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
