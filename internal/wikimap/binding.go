package wikimap

import (
	"fmt"
	"regexp"
	"strings"

	"wikiproxy/internal/config"
)

// prefixRule is one mapped domain with its prefix in both the bare and
// slash-terminated forms.
type prefixRule struct {
	domain      string
	prefix      string // no trailing slash, may be empty
	prefixSlash string // prefix + "/"
}

// Binding maps one proxy host to a primary wiki domain and its
// auxiliary domains. All derived state is computed at compile time and
// never mutated afterwards.
type Binding struct {
	Host   string
	Domain string

	rules []prefixRule
	repl  map[string]string
	re    *regexp.Regexp
}

// Compile builds the binding table keyed by proxy host.
func Compile(entries []config.WikiEntry) (map[string]*Binding, error) {
	bindings := make(map[string]*Binding, len(entries))
	for _, e := range entries {
		b, err := compileBinding(e)
		if err != nil {
			return nil, err
		}
		if _, dup := bindings[b.Host]; dup {
			return nil, fmt.Errorf("duplicate proxy host %s", b.Host)
		}
		bindings[b.Host] = b
	}
	return bindings, nil
}

func compileBinding(e config.WikiEntry) (*Binding, error) {
	b := &Binding{
		Host:   e.Host,
		Domain: e.Domain,
		repl:   map[string]string{e.Domain: ""},
	}

	domains := []string{e.Domain}
	for _, m := range e.Maps {
		domain, prefix := m[0], m[1]
		trimmed := strings.TrimSuffix(prefix, "/")
		b.rules = append(b.rules, prefixRule{
			domain:      domain,
			prefix:      trimmed,
			prefixSlash: trimmed + "/",
		})
		if domain != e.Domain {
			domains = append(domains, domain)
		}
		b.repl[domain] = trimmed
	}

	escaped := make([]string, len(domains))
	for i, d := range domains {
		escaped[i] = regexp.QuoteMeta(d)
	}

	// The trailing group captures the boundary character so it can be
	// copied into the replacement verbatim; a lookahead would swallow
	// it.
	re, err := regexp.Compile(`(https?:)?//(` + strings.Join(escaped, "|") + `)($|\s|[^a-zA-Z0-9_.])`)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", e.Host, err)
	}
	b.re = re
	return b, nil
}

// RewriteText substitutes every proxied-domain URL in text with its
// proxy-origin form. hport is the ":NNN" suffix seen on the client's
// Host header, empty when none. Scheme and boundary character are
// preserved from the match.
func (b *Binding) RewriteText(text, hport string) string {
	return b.re.ReplaceAllStringFunc(text, func(m string) string {
		sub := b.re.FindStringSubmatch(m)
		if sub == nil {
			return m
		}
		return sub[1] + "//" + b.Host + hport + b.repl[sub[2]] + sub[3]
	})
}

// ResolvePath maps a proxy-side request path back to the upstream
// (domain, path) pair. Rules are tested in configuration order; a path
// matching no prefix falls through to the primary domain unchanged.
func (b *Binding) ResolvePath(path string) (string, string) {
	for _, r := range b.rules {
		if path == r.prefix || path == r.prefixSlash {
			return r.domain, "/"
		}
		if strings.HasPrefix(path, r.prefixSlash) {
			return r.domain, path[len(r.prefix):]
		}
	}
	return b.Domain, path
}
