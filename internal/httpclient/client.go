package httpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"wikiproxy/internal/dns"
	"wikiproxy/internal/socks"
)

const defaultUserAgent = "WikiProxy/1.0"

var ErrUpstreamIO = errors.New("upstream i/o error")

// Request describes one upstream HTTP/1.1 exchange. Host carries no
// port; the Host header is set by the caller.
type Request struct {
	Scheme   string
	Host     string
	Port     int
	Method   string
	Path     string
	RawQuery string
	Form     url.Values
	Header   *Header
	Body     []byte
}

type Response struct {
	Version string
	Status  int
	Reason  string
	Header  *Header
	Trailer *Header
	Body    []byte

	keepalive bool
}

// KeepAlive reports whether the connection survived the exchange.
func (r *Response) KeepAlive() bool { return r.keepalive }

type Client struct {
	resolver    *dns.Resolver
	socksDialer *socks.Dialer
	pool        *Pool
	dialTimeout time.Duration
}

// NewClient builds a client that dials through the SOCKS session when
// one is configured, directly otherwise, and pools keepalive
// connections either way.
func NewClient(resolver *dns.Resolver, socksDialer *socks.Dialer, pool *Pool, dialTimeout time.Duration) *Client {
	return &Client{
		resolver:    resolver,
		socksDialer: socksDialer,
		pool:        pool,
		dialTimeout: dialTimeout,
	}
}

// Do runs one request. A stale pooled connection gets a single retry
// on a fresh dial.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Header == nil {
		req.Header = NewHeader()
	}
	port := req.Port
	if port == 0 {
		if req.Scheme == "https" {
			port = 443
		} else {
			port = 80
		}
	}

	useTLS := req.Scheme == "https"
	sni := sniFromHost(req.Header.Get("Host"))
	if sni == "" {
		sni = strings.ToLower(req.Host)
	}
	key := Key{Scheme: req.Scheme, Host: req.Host, Port: port, TLS: useTLS, SNI: sni}

	conn := c.pool.Get(key)
	reused := conn != nil

	for {
		if conn == nil {
			var err error
			conn, err = c.dial(ctx, req.Host, port, useTLS, sni)
			if err != nil {
				return nil, err
			}
			reused = false
		}

		resp, err := c.roundTrip(conn, req)
		if err != nil {
			conn.Close()
			if reused {
				conn, reused = nil, false
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUpstreamIO, err)
		}

		if resp.keepalive {
			c.pool.Put(key, conn)
		} else {
			conn.Close()
		}
		return resp, nil
	}
}

// sniFromHost derives the TLS server name from a Host header value:
// lowercased, port stripped, brackets kept off.
func sniFromHost(host string) string {
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}

func (c *Client) dial(ctx context.Context, host string, port int, useTLS bool, sni string) (net.Conn, error) {
	var conn net.Conn
	var err error

	if c.socksDialer != nil {
		conn, err = c.socksDialer.Connect(ctx, host, port)
	} else {
		var addrs []string
		addrs, err = c.resolver.Resolve(host)
		if err == nil {
			addr := dns.Pick(addrs) + ":" + strconv.Itoa(port)
			conn, err = (&net.Dialer{Timeout: c.dialTimeout}).DialContext(ctx, "tcp", addr)
		}
	}
	if err != nil {
		return nil, err
	}

	if useTLS {
		tconn := tls.Client(conn, &tls.Config{ServerName: sni})
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tconn
	}
	return conn, nil
}

func (c *Client) roundTrip(conn net.Conn, req *Request) (*Response, error) {
	if err := writeRequest(conn, req); err != nil {
		return nil, err
	}
	return readResponse(bufio.NewReader(conn), strings.ToUpper(req.Method))
}

func writeRequest(w io.Writer, req *Request) error {
	method := strings.ToUpper(req.Method)
	path := req.Path
	if path == "" {
		path = "/"
	}
	query := req.RawQuery
	if query == "" && len(req.Form) > 0 {
		query = req.Form.Encode()
	}
	target := path
	if query != "" {
		target = path + "?" + query
	}

	hdr := req.Header
	if hdr == nil {
		hdr = NewHeader()
	}

	if strings.Contains(strings.ToLower(hdr.Get("Transfer-Encoding")), "chunked") {
		// a request carrying both is a smuggling vector
		hdr.Del("Content-Length")
	} else if !hdr.Has("Content-Length") {
		switch {
		case req.Body != nil:
			hdr.Set("Content-Length", strconv.Itoa(len(req.Body)))
		case method == "POST" || method == "PUT" || method == "PATCH":
			hdr.Set("Content-Length", "0")
		}
	}
	if !hdr.Has("User-Agent") {
		hdr.Set("User-Agent", defaultUserAgent)
	}

	var b strings.Builder
	b.WriteString(method)
	b.WriteString(" ")
	b.WriteString(target)
	b.WriteString(" HTTP/1.1\r\n")
	for _, f := range hdr.Fields() {
		for _, v := range f.Values {
			b.WriteString(f.Name)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")

	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}
	if len(req.Body) > 0 {
		if _, err := w.Write(req.Body); err != nil {
			return err
		}
	}
	return nil
}

func readResponse(br *bufio.Reader, method string) (*Response, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}
	if len(line) < 12 || !strings.HasPrefix(line, "HTTP/") {
		return nil, fmt.Errorf("malformed status line %q", line)
	}

	resp := &Response{
		Version: line[5:8],
		Header:  NewHeader(),
		Trailer: NewHeader(),
	}
	resp.Status, err = strconv.Atoi(line[9:12])
	if err != nil {
		return nil, fmt.Errorf("malformed status code in %q", line)
	}
	if len(line) > 13 {
		resp.Reason = line[13:]
	}

	if err := readHeaderBlock(br, resp.Header); err != nil {
		return nil, err
	}

	resp.keepalive = resp.Version == "1.1" &&
		!strings.EqualFold(resp.Header.Get("Connection"), "close")

	if !hasBody(method, resp.Status) {
		return resp, nil
	}

	switch {
	case strings.Contains(strings.ToLower(resp.Header.Get("Transfer-Encoding")), "chunked"):
		if err := readChunkedBody(br, resp); err != nil {
			return nil, err
		}
	case resp.Header.Has("Content-Length"):
		n, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Content-Length")))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("malformed Content-Length %q", resp.Header.Get("Content-Length"))
		}
		resp.Body = make([]byte, n)
		if _, err := io.ReadFull(br, resp.Body); err != nil {
			return nil, err
		}
	default:
		body, err := io.ReadAll(br)
		if err != nil {
			return nil, err
		}
		resp.Body = body
		resp.keepalive = false
	}

	if resp.Trailer.Len() > 0 {
		resp.Header.MergeMissing(resp.Trailer)
	}
	return resp, nil
}

func hasBody(method string, status int) bool {
	if method == "HEAD" {
		return false
	}
	if status >= 100 && status < 200 {
		return false
	}
	return status != 204 && status != 304
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func readHeaderBlock(br *bufio.Reader, hdr *Header) error {
	for {
		line, err := readLine(br)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			zap.S().Warnf("skipping malformed header line %q", line)
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		hdr.Add(name, value)
	}
}

func readChunkedBody(br *bufio.Reader, resp *Response) error {
	var body []byte
	for {
		line, err := readLine(br)
		if err != nil {
			return err
		}
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil {
			return fmt.Errorf("malformed chunk size %q", line)
		}
		if size == 0 {
			break
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return err
		}
		body = append(body, chunk...)
		if _, err := readLine(br); err != nil {
			return err
		}
	}

	// the block after the last chunk holds either trailers or the bare
	// terminating CRLF
	if err := readHeaderBlock(br, resp.Trailer); err != nil {
		return err
	}
	resp.Body = body
	return nil
}
