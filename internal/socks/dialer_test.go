package socks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"wikiproxy/internal/config"
	"wikiproxy/internal/dns"
)

func testResolver() *dns.Resolver {
	return dns.NewResolver(config.DNSConfig{
		Nameservers: []string{"127.0.0.1:1"},
		TimeoutS:    1,
		Retrans:     1,
		Cache:       config.DNSCacheConfig{Size: 8, TTLS: 60},
	})
}

// startFakeSocks runs a one-shot scripted SOCKS server on loopback.
func startFakeSocks(t *testing.T, script func(t *testing.T, c net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		script(t, c)
	}()
	return ln.Addr().String()
}

func readGreeting(t *testing.T, c net.Conn) {
	t.Helper()
	greet := make([]byte, 4)
	if _, err := io.ReadFull(c, greet); err != nil {
		t.Errorf("greeting read: %v", err)
		return
	}
	if !bytes.Equal(greet, []byte{0x05, 0x02, 0x00, 0x01}) {
		t.Errorf("greeting = % x, want 05 02 00 01", greet)
	}
}

func TestConnectDomainViaSocks5h(t *testing.T) {
	addr := startFakeSocks(t, func(t *testing.T, c net.Conn) {
		readGreeting(t, c)
		c.Write([]byte{0x05, 0x00})

		head := make([]byte, 5)
		if _, err := io.ReadFull(c, head); err != nil {
			t.Errorf("connect head: %v", err)
			return
		}
		if head[0] != 0x05 || head[1] != 0x01 || head[2] != 0x00 || head[3] != 0x03 {
			t.Errorf("connect head = % x", head)
		}
		rest := make([]byte, int(head[4])+2)
		if _, err := io.ReadFull(c, rest); err != nil {
			t.Errorf("connect rest: %v", err)
			return
		}
		domain := string(rest[:len(rest)-2])
		if domain != "en.wikipedia.org" {
			t.Errorf("domain = %q", domain)
		}
		if rest[len(rest)-2] != 0x01 || rest[len(rest)-1] != 0xbb {
			t.Errorf("port bytes = % x", rest[len(rest)-2:])
		}
		c.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		c.Write([]byte("tunneled"))
	})

	d, err := New("socks5h://"+addr, testResolver())
	if err != nil {
		t.Fatal(err)
	}
	if !d.RemoteResolve() {
		t.Error("socks5h should resolve remotely")
	}

	conn, err := d.Connect(context.Background(), "en.wikipedia.org", 443)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	payload := make([]byte, 8)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatal(err)
	}
	if string(payload) != "tunneled" {
		t.Errorf("payload = %q", payload)
	}
}

func TestConnectIPv4Target(t *testing.T) {
	addr := startFakeSocks(t, func(t *testing.T, c net.Conn) {
		readGreeting(t, c)
		c.Write([]byte{0x05, 0x00})

		req := make([]byte, 10)
		if _, err := io.ReadFull(c, req); err != nil {
			t.Errorf("connect read: %v", err)
			return
		}
		want := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x00, 0x50}
		if !bytes.Equal(req, want) {
			t.Errorf("connect = % x, want % x", req, want)
		}
		c.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	})

	d, err := New("socks5://"+addr, testResolver())
	if err != nil {
		t.Fatal(err)
	}
	if d.RemoteResolve() {
		t.Error("socks5 should resolve locally")
	}

	conn, err := d.Connect(context.Background(), "93.184.216.34", 80)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
}

func TestConnectUnsupportedAuth(t *testing.T) {
	addr := startFakeSocks(t, func(t *testing.T, c net.Conn) {
		readGreeting(t, c)
		c.Write([]byte{0x05, 0xff})
	})

	d, err := New("socks5h://"+addr, testResolver())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Connect(context.Background(), "example.org", 80); !errors.Is(err, ErrUnsupportedAuth) {
		t.Errorf("err = %v, want ErrUnsupportedAuth", err)
	}
}

func TestConnectRefused(t *testing.T) {
	addr := startFakeSocks(t, func(t *testing.T, c net.Conn) {
		readGreeting(t, c)
		c.Write([]byte{0x05, 0x00})
		io.ReadFull(c, make([]byte, 5))
		c.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	})

	d, err := New("socks5h://"+addr, testResolver())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Connect(context.Background(), "refused.example.org", 80); !errors.Is(err, ErrConnectRefused) {
		t.Errorf("err = %v, want ErrConnectRefused", err)
	}
}

func TestConnectProxyUnreachable(t *testing.T) {
	d, err := New("socks5://127.0.0.1:1", testResolver())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Connect(context.Background(), "10.0.0.1", 80); !errors.Is(err, ErrProxyUnreachable) {
		t.Errorf("err = %v, want ErrProxyUnreachable", err)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"http://127.0.0.1:1080", "socks5://noport", "socks4://127.0.0.1:1080"} {
		if _, err := New(raw, testResolver()); err == nil {
			t.Errorf("New(%q) succeeded", raw)
		}
	}
}
