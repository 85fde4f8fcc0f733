package wikimap

import (
	"strings"
	"testing"

	"wikiproxy/internal/config"
)

func enBinding(t *testing.T) *Binding {
	t.Helper()
	bindings, err := Compile([]config.WikiEntry{{
		Host:   "en.p",
		Domain: "en.wikipedia.org",
		Maps: [][2]string{
			{"en.m.wikipedia.org", "/.wp-m/"},
			{"upload.wikimedia.org", "/.wp-upload/"},
			{"commons.wikimedia.org", "/.wp-commons/"},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	return bindings["en.p"]
}

func TestResolvePathPrimary(t *testing.T) {
	b := enBinding(t)
	domain, path := b.ResolvePath("/wiki/Foo")
	if domain != "en.wikipedia.org" || path != "/wiki/Foo" {
		t.Errorf("got (%s, %s)", domain, path)
	}
}

func TestResolvePathPrefixed(t *testing.T) {
	b := enBinding(t)
	testCases := []struct {
		path       string
		wantDomain string
		wantPath   string
	}{
		{"/.wp-m", "en.m.wikipedia.org", "/"},
		{"/.wp-m/", "en.m.wikipedia.org", "/"},
		{"/.wp-m/bar", "en.m.wikipedia.org", "/bar"},
		{"/.wp-m/wiki/Foo", "en.m.wikipedia.org", "/wiki/Foo"},
		{"/.wp-upload/img/x.png", "upload.wikimedia.org", "/img/x.png"},
		{"/.wp-mxyz", "en.wikipedia.org", "/.wp-mxyz"},
	}
	for _, tc := range testCases {
		domain, path := b.ResolvePath(tc.path)
		if domain != tc.wantDomain || path != tc.wantPath {
			t.Errorf("ResolvePath(%q) = (%s, %s), want (%s, %s)",
				tc.path, domain, path, tc.wantDomain, tc.wantPath)
		}
	}
}

func TestRewriteBody(t *testing.T) {
	b := enBinding(t)
	in := `<a href="https://en.m.wikipedia.org/x">`
	want := `<a href="https://en.p/.wp-m/x">`
	if got := b.RewriteText(in, ""); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewriteWithPort(t *testing.T) {
	b := enBinding(t)
	in := `//en.wikipedia.org/y `
	want := `//en.p:8443/y `
	if got := b.RewriteText(in, ":8443"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewriteBoundaryPreserved(t *testing.T) {
	b := enBinding(t)
	testCases := []struct{ in, want string }{
		// scheme kept, quote boundary kept
		{`"https://en.wikipedia.org/wiki/Go"`, `"https://en.p/wiki/Go"`},
		// protocol-relative CSS url()
		{`url(//upload.wikimedia.org/a.css)`, `url(//en.p/.wp-upload/a.css)`},
		// JS string literal
		{`var u = 'https://commons.wikimedia.org/f';`, `var u = 'https://en.p/.wp-commons/f';`},
		// whitespace boundary
		{`see https://en.wikipedia.org today`, `see https://en.p today`},
		// end of text
		{`https://en.m.wikipedia.org`, `https://en.p/.wp-m`},
		// identifier continuation is not a boundary
		{`https://en.wikipedia.orgx/`, `https://en.wikipedia.orgx/`},
		{`https://en.wikipedia.org.evil.example/`, `https://en.wikipedia.org.evil.example/`},
	}
	for _, tc := range testCases {
		if got := b.RewriteText(tc.in, ""); got != tc.want {
			t.Errorf("RewriteText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRewriteMultipleMatches(t *testing.T) {
	b := enBinding(t)
	in := `<link href="//en.wikipedia.org/s.css"><img src="//upload.wikimedia.org/i.png">`
	want := `<link href="//en.p/s.css"><img src="//en.p/.wp-upload/i.png">`
	if got := b.RewriteText(in, ""); got != want {
		t.Errorf("got %q", got)
	}
}

// Reverse mapping is a left inverse of forward mapping.
func TestRoundTrip(t *testing.T) {
	b := enBinding(t)
	for _, domain := range []string{"en.m.wikipedia.org", "upload.wikimedia.org", "commons.wikimedia.org"} {
		rewritten := b.RewriteText("https://"+domain+"/X ", "")
		prefix := "https://" + b.Host
		if !strings.HasPrefix(rewritten, prefix) {
			t.Fatalf("rewrite of %s = %q", domain, rewritten)
		}
		path := strings.TrimSuffix(strings.TrimPrefix(rewritten, prefix), " ")
		gotDomain, gotPath := b.ResolvePath(path)
		if gotDomain != domain || gotPath != "/X" {
			t.Errorf("round trip %s: (%s, %s)", domain, gotDomain, gotPath)
		}
	}
}

func TestOverlappingPrefixOrder(t *testing.T) {
	bindings, err := Compile([]config.WikiEntry{{
		Host:   "p",
		Domain: "w.org",
		Maps: [][2]string{
			{"files.w.org", "/files/special/"},
			{"cdn.w.org", "/files/"},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	b := bindings["p"]

	domain, path := b.ResolvePath("/files/special/a")
	if domain != "files.w.org" || path != "/a" {
		t.Errorf("specific prefix lost: (%s, %s)", domain, path)
	}
	domain, path = b.ResolvePath("/files/b")
	if domain != "cdn.w.org" || path != "/b" {
		t.Errorf("short prefix: (%s, %s)", domain, path)
	}
}

func TestSlashMapForPrimary(t *testing.T) {
	bindings, err := Compile([]config.WikiEntry{{
		Host:   "p",
		Domain: "w.org",
		Maps: [][2]string{
			{"m.w.org", "/.m/"},
			{"w.org", "/"},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	b := bindings["p"]

	domain, path := b.ResolvePath("/wiki/Foo")
	if domain != "w.org" || path != "/wiki/Foo" {
		t.Errorf("slash map: (%s, %s)", domain, path)
	}
}
