package socks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"wikiproxy/internal/dns"
	"wikiproxy/internal/netutil"
)

const socksVersion = 0x05

const (
	commandConnect = 0x01

	addressTypeIPv4   = 0x01
	addressTypeDomain = 0x03
	addressTypeIPv6   = 0x04

	methodNoAuth = 0x00
	methodGSSAPI = 0x01
)

var (
	ErrProxyUnreachable = errors.New("socks proxy unreachable")
	ErrProtocol         = errors.New("socks protocol error")
	ErrUnsupportedAuth  = errors.New("socks proxy requires authentication")
	ErrConnectRefused   = errors.New("socks connect refused")
)

// Dialer is a SOCKS5 client. With scheme socks5 the target is resolved
// locally before CONNECT; with socks5h the proxy resolves it.
type Dialer struct {
	scheme   string
	host     string
	port     int
	addr     string
	resolver *dns.Resolver
}

// New parses a socks5[h]://host:port URL and resolves the proxy host
// once, keeping a random address from the answer set.
func New(rawurl string, resolver *dns.Resolver) (*Dialer, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url %q: %w", rawurl, err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("proxy url %q has no host", rawurl)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("proxy url %q has no valid port", rawurl)
	}

	addrs, err := resolver.Resolve(host)
	if err != nil {
		return nil, fmt.Errorf("resolve proxy host %s: %w", host, err)
	}

	return &Dialer{
		scheme:   u.Scheme,
		host:     host,
		port:     port,
		addr:     dns.Pick(addrs) + ":" + u.Port(),
		resolver: resolver,
	}, nil
}

// RemoteResolve reports whether the proxy performs target name
// resolution.
func (d *Dialer) RemoteResolve() bool {
	return d.scheme == "socks5h"
}

// Connect dials the proxy and runs the RFC 1928 handshake for the
// given target. The returned connection is the raw tunnel; TLS, if
// any, is layered on top by the caller.
func (d *Dialer) Connect(ctx context.Context, host string, port int) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyUnreachable, err)
	}

	if err := d.handshake(conn, host, port); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (d *Dialer) handshake(conn net.Conn, host string, port int) error {
	// Greeting advertises no-auth; GSSAPI rides along as RFC filler.
	if _, err := conn.Write([]byte{socksVersion, 0x02, methodNoAuth, methodGSSAPI}); err != nil {
		return fmt.Errorf("%w: greeting write: %v", ErrProtocol, err)
	}

	sel := make([]byte, 2)
	if _, err := io.ReadFull(conn, sel); err != nil {
		return fmt.Errorf("%w: method selection read: %v", ErrProtocol, err)
	}
	if sel[0] != socksVersion {
		return fmt.Errorf("%w: bad version %#x in method selection", ErrProtocol, sel[0])
	}
	if sel[1] != methodNoAuth {
		return fmt.Errorf("%w: proxy selected method %#x", ErrUnsupportedAuth, sel[1])
	}

	req, err := d.connectRequest(host, port)
	if err != nil {
		return err
	}
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("%w: connect write: %v", ErrProtocol, err)
	}

	rep := make([]byte, 4)
	if _, err := io.ReadFull(conn, rep); err != nil {
		return fmt.Errorf("%w: connect reply read: %v", ErrProtocol, err)
	}
	if rep[0] != socksVersion {
		return fmt.Errorf("%w: bad version %#x in connect reply", ErrProtocol, rep[0])
	}
	if rep[1] != 0x00 {
		return fmt.Errorf("%w: reply code %#x", ErrConnectRefused, rep[1])
	}

	var remaining int
	switch rep[3] {
	case addressTypeIPv4:
		remaining = net.IPv4len + 2
	case addressTypeIPv6:
		remaining = net.IPv6len + 2
	case addressTypeDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return fmt.Errorf("%w: bound address read: %v", ErrProtocol, err)
		}
		remaining = int(l[0]) + 2
	default:
		return fmt.Errorf("%w: bound address type %#x", ErrProtocol, rep[3])
	}
	if _, err := io.ReadFull(conn, make([]byte, remaining)); err != nil {
		return fmt.Errorf("%w: bound address read: %v", ErrProtocol, err)
	}

	return nil
}

// connectRequest builds VER CMD RSV ATYP ADDR PORT. Targets are
// resolved locally unless the scheme delegates that to the proxy.
func (d *Dialer) connectRequest(host string, port int) ([]byte, error) {
	target := host
	if !d.RemoteResolve() && !netutil.IsIPv4(target) {
		if _, ok := netutil.IsIPv6(target, true); !ok {
			addrs, err := d.resolver.Resolve(target)
			if err != nil {
				return nil, fmt.Errorf("resolve target %s: %w", target, err)
			}
			target = dns.Pick(addrs)
		}
	}

	req := []byte{socksVersion, commandConnect, 0x00}

	switch {
	case netutil.IsIPv4(target):
		packed, err := netutil.PackIPv4(target)
		if err != nil {
			return nil, err
		}
		req = append(req, addressTypeIPv4)
		req = append(req, packed...)
	default:
		if _, ok := netutil.IsIPv6(target, true); ok {
			packed, err := netutil.PackIPv6(target)
			if err != nil {
				return nil, err
			}
			req = append(req, addressTypeIPv6)
			req = append(req, packed...)
			break
		}
		target = strings.TrimSuffix(target, ".")
		if len(target) == 0 || len(target) > 255 {
			return nil, fmt.Errorf("%w: bad target domain %q", ErrProtocol, target)
		}
		req = append(req, addressTypeDomain, byte(len(target)))
		req = append(req, target...)
	}

	req = append(req, netutil.BE16(uint16(port))...)
	return req, nil
}
