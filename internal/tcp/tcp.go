package tcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"wikiproxy/internal/bandwidthtracker"
	"wikiproxy/internal/config"
	"wikiproxy/internal/httpclient"
	"wikiproxy/internal/metrics"
	"wikiproxy/internal/proxy"
	"wikiproxy/internal/stats"
)

func SetSocketOptions(fd uintptr) error {
	if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return err
	}
	if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1); err != nil {
		return err
	}
	if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_KEEPALIVE, 1); err != nil {
		return err
	}
	return nil
}

// StartServer accepts client connections on the port and serves each
// through the orchestrator until the listener dies.
func StartServer(port uint16, orch *proxy.Orchestrator) {
	listener, err := createListener(port)
	if err != nil {
		zap.S().Fatalf("failed to start listener on :%d: %v", port, err)
	}
	defer listener.Close()
	zap.S().Infof("listening on :%d", port)

	for {
		conn, err := listener.Accept()
		if err != nil {
			zap.S().Warnf("accept error: %v", err)
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			break
		}
		go handleConnection(conn, orch)
	}
}

func createListener(port uint16) (net.Listener, error) {
	var lc net.ListenConfig

	lc.Control = func(network, address string, c syscall.RawConn) error {
		var err error
		cerr := c.Control(func(fd uintptr) {
			err = SetSocketOptions(fd)
		})
		if cerr != nil {
			return cerr
		}
		return err
	}

	return lc.Listen(context.Background(), "tcp", ":"+strconv.Itoa(int(port)))
}

func handleConnection(raw net.Conn, orch *proxy.Orchestrator) {
	c := bandwidthtracker.New(raw)
	defer c.Close()
	metrics.Add(&metrics.C.ActiveConnections, 1)
	defer metrics.Add(&metrics.C.ActiveConnections, -1)

	clientIP := ""
	if addr, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		clientIP = addr.IP.String()
	}

	reader := bufio.NewReader(c)
	readTimeout := time.Duration(config.Cfg.Server.ReadTimeoutS) * time.Second
	writeTimeout := time.Duration(config.Cfg.Server.WriteTimeoutS) * time.Second

	for {
		c.SetReadDeadline(time.Now().Add(readTimeout))
		parsed, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) {
				zap.S().Debugf("request parse from %s: %v", clientIP, err)
			}
			return
		}

		rv := stats.NewRecord()
		rv.ClientIP = clientIP
		rv.Host = parsed.Host
		rv.Method = parsed.Method
		rv.Path = parsed.URL.Path

		req, cleanup, err := adaptRequest(parsed, clientIP)
		if err != nil {
			zap.S().Warnf("request body from %s: %v", clientIP, err)
			return
		}

		resp := orch.Handle(context.Background(), req)
		if cleanup != nil {
			cleanup()
		}

		rv.Status = int32(resp.Status)
		rv.BytesOut = int64(len(resp.Body))
		rv.BytesIn = c.InBytes()
		rv.Challenged = resp.Challenged
		rv.UpstreamDomain = resp.UpstreamDomain
		stats.Record(rv)

		keepAlive := wantsKeepAlive(parsed)
		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := writeResponse(c, resp, keepAlive); err != nil {
			zap.S().Debugf("response write to %s: %v", clientIP, err)
			return
		}
		if !keepAlive {
			return
		}
	}
}

// adaptRequest turns the parsed client request into the core's
// descriptor, spilling large bodies to a temp file.
func adaptRequest(parsed *http.Request, clientIP string) (*proxy.Request, func(), error) {
	hdr := httpclient.NewHeader()
	for name, values := range parsed.Header {
		for _, v := range values {
			hdr.Add(name, v)
		}
	}
	hdr.Set("Host", parsed.Host)

	req := &proxy.Request{
		ClientIP: clientIP,
		Host:     parsed.Host,
		Method:   parsed.Method,
		Path:     parsed.URL.Path,
		RawQuery: parsed.URL.RawQuery,
		Header:   hdr,
	}

	var cleanup func()
	spillLimit := int64(config.Cfg.Server.SpillLimit)
	if parsed.ContentLength > spillLimit {
		tmp, err := os.CreateTemp("", "wikiproxy-body-*")
		if err != nil {
			return nil, nil, err
		}
		if _, err := io.Copy(tmp, parsed.Body); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, nil, err
		}
		tmp.Close()
		req.Body = proxy.BodySource{File: tmp.Name()}
		cleanup = func() { os.Remove(tmp.Name()) }
	} else if parsed.ContentLength != 0 {
		body, err := io.ReadAll(parsed.Body)
		if err != nil {
			return nil, nil, err
		}
		if len(body) > 0 {
			req.Body = proxy.BodySource{Data: body}
		}
	}
	parsed.Body.Close()

	return req, cleanup, nil
}

func wantsKeepAlive(parsed *http.Request) bool {
	if parsed.ProtoMajor == 1 && parsed.ProtoMinor == 0 {
		return strings.EqualFold(parsed.Header.Get("Connection"), "keep-alive")
	}
	return !strings.EqualFold(parsed.Header.Get("Connection"), "close")
}

// writeResponse serializes the core's reply, framing the body by
// length and inserting the listener's own Connection header.
func writeResponse(w io.Writer, resp *proxy.Response, keepAlive bool) error {
	reason := http.StatusText(resp.Status)
	if reason == "" {
		reason = "Unknown"
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(resp.Status))
	b.WriteString(" ")
	b.WriteString(reason)
	b.WriteString("\r\n")

	resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	if keepAlive {
		resp.Header.Set("Connection", "keep-alive")
	} else {
		resp.Header.Set("Connection", "close")
	}

	for _, f := range resp.Header.Fields() {
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
	if len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			return err
		}
	}
	return nil
}
