package proxy

import (
	"os"

	"wikiproxy/internal/httpclient"
)

// BodySource hands the core a request body that the listener kept in
// memory or spilled to a temp file.
type BodySource struct {
	Data []byte
	File string
}

func (b BodySource) Read() ([]byte, error) {
	if b.File != "" {
		return os.ReadFile(b.File)
	}
	return b.Data, nil
}

// Request is the single per-request entry from the listener: the
// parsed client request plus connection facts the core cannot see.
type Request struct {
	ClientIP string
	Scheme   string
	Host     string // verbatim Host header, port included when sent
	Method   string
	Path     string
	RawQuery string
	Header   *httpclient.Header
	Body     BodySource
}

// Response is what the core hands back for the listener to write.
// Connection and Trailer are already stripped; the listener re-inserts
// its own.
type Response struct {
	Status int
	Header *httpclient.Header
	Body   []byte

	// request facts surfaced for the listener's audit record
	Challenged     bool
	UpstreamDomain string
}

func textResponse(status int, body string) *Response {
	h := httpclient.NewHeader()
	h.Set("Content-Type", "text/plain")
	return &Response{Status: status, Header: h, Body: []byte(body)}
}
