package proxy

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"wikiproxy/internal/admission"
	"wikiproxy/internal/gziputil"
	"wikiproxy/internal/httpclient"
	"wikiproxy/internal/metrics"
	"wikiproxy/internal/wikimap"
)

// Fetcher issues one upstream exchange. Satisfied by
// *httpclient.Client.
type Fetcher interface {
	Do(ctx context.Context, req *httpclient.Request) (*httpclient.Response, error)
}

// Orchestrator runs the per-request pipeline: admission, Host routing,
// reverse path mapping, upstream fetch, response rewrite.
type Orchestrator struct {
	bindings map[string]*wikimap.Binding
	gate     *admission.Gate
	fetch    Fetcher
}

func NewOrchestrator(bindings map[string]*wikimap.Binding, gate *admission.Gate, fetch Fetcher) *Orchestrator {
	return &Orchestrator{
		bindings: bindings,
		gate:     gate,
		fetch:    fetch,
	}
}

func (o *Orchestrator) Handle(ctx context.Context, req *Request) *Response {
	metrics.Add(&metrics.C.TotalRequests, 1)

	decision := o.gate.Check(ctx, req.ClientIP, req.Header.Get("User-Agent"))
	if !decision.Allow {
		metrics.Add(&metrics.C.Challenges, 1)
		resp := textResponse(decision.Status, decision.Body)
		resp.Challenged = true
		return resp
	}

	host, hport := splitHostPort(req.Host)
	binding, ok := o.bindings[host]
	if !ok {
		return textResponse(404, "not found")
	}

	body, err := req.Body.Read()
	if err != nil {
		zap.S().Errorf("request body read failed: %v", err)
		return textResponse(400, "bad request")
	}

	domain, upath := binding.ResolvePath(req.Path)

	scheme := req.Scheme
	if scheme == "" {
		scheme = "https"
	}

	hdr := req.Header.Clone()
	hdr.Set("Host", domain)
	// upstream compression is declined; the rewrite layer wants plain
	// text
	hdr.Del("Accept-Encoding")

	upstream := &httpclient.Request{
		Scheme:   scheme,
		Host:     domain,
		Method:   req.Method,
		Path:     upath,
		RawQuery: req.RawQuery,
		Header:   hdr,
		Body:     body,
	}

	resp, err := o.fetch.Do(ctx, upstream)
	if err != nil {
		metrics.Add(&metrics.C.UpstreamErrors, 1)
		zap.S().Warnf("upstream fetch %s%s failed: %v", domain, upath, err)
		return textResponse(400, "bad request: cannot proxy request")
	}

	out := &Response{
		Status:         resp.Status,
		Header:         resp.Header,
		Body:           resp.Body,
		UpstreamDomain: domain,
	}
	o.transform(binding, hport, out)
	return out
}

// transform rewrites upstream URLs in the Location header and, for
// rewritable MIME types, in the body.
func (o *Orchestrator) transform(b *wikimap.Binding, hport string, resp *Response) {
	resp.Header.Del("Connection")
	resp.Header.Del("Trailer")
	// the body is fully buffered; the listener frames it by length
	resp.Header.Del("Transfer-Encoding")

	if loc := resp.Header.Get("Location"); loc != "" {
		resp.Header.Set("Location", b.RewriteText(loc, hport))
	}

	if len(resp.Body) == 0 || !rewritableMIME(resp.Header.Get("Content-Type")) {
		return
	}

	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		// upstream compressed anyway: decode, rewrite, re-encode
		plain, err := gziputil.Decompress(resp.Body)
		if err != nil {
			zap.S().Errorf("gzip body decode failed, passing through: %v", err)
			return
		}
		rewritten := b.RewriteText(string(plain), hport)
		packed, err := gziputil.Compress([]byte(rewritten), gzip.DefaultCompression)
		if err != nil {
			zap.S().Errorf("gzip body re-encode failed, passing through: %v", err)
			return
		}
		resp.Body = packed
	} else {
		resp.Body = []byte(b.RewriteText(string(resp.Body), hport))
	}
	resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
}

// rewritableMIME checks the Content-Type prefix, charset parameters
// stripped.
func rewritableMIME(contentType string) bool {
	mt := contentType
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	switch strings.ToLower(strings.TrimSpace(mt)) {
	case "text/html", "text/javascript", "text/css":
		return true
	}
	return false
}

// splitHostPort splits a verbatim Host header into the lookup host and
// the ":NNN" suffix propagated into rewritten URLs.
func splitHostPort(host string) (string, string) {
	if h, p, err := net.SplitHostPort(host); err == nil {
		return h, ":" + p
	}
	return host, ""
}
