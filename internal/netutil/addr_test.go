package netutil

import (
	"bytes"
	"net"
	"testing"
)

func TestIsIPv4(t *testing.T) {
	testCases := []struct {
		in   string
		want bool
	}{
		{"1.2.3.4", true},
		{"255.255.255.255", true},
		{"0.0.0.0", true},
		{"256.1.1.1", false},
		{"1.2.3", false},
		{"::ffff:1.2.3.4", false},
		{"example.org", false},
		{"", false},
	}
	for _, tc := range testCases {
		if got := IsIPv4(tc.in); got != tc.want {
			t.Errorf("IsIPv4(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestIsIPv6(t *testing.T) {
	testCases := []struct {
		in        string
		bracketed bool
		want      string
		ok        bool
	}{
		{"::1", false, "::1", true},
		{"2001:db8::1", false, "2001:db8::1", true},
		{"fe80::1%eth0", false, "fe80::1%eth0", true},
		{"::ffff:1.2.3.4", false, "::ffff:1.2.3.4", true},
		{"[2001:db8::1]", true, "2001:db8::1", true},
		{"[2001:db8::1]", false, "", false},
		{"[2001:db8::1", true, "", false},
		{"1.2.3.4", false, "", false},
		{"notanaddress", false, "", false},
		{"fe80::1%", false, "", false},
	}
	for _, tc := range testCases {
		got, ok := IsIPv6(tc.in, tc.bracketed)
		if ok != tc.ok || got != tc.want {
			t.Errorf("IsIPv6(%q, %v) = (%q, %v), want (%q, %v)",
				tc.in, tc.bracketed, got, ok, tc.want, tc.ok)
		}
	}
}

func TestBE16(t *testing.T) {
	if got := BE16(443); !bytes.Equal(got, []byte{0x01, 0xbb}) {
		t.Errorf("BE16(443) = %v", got)
	}
	if got := BE16(0); !bytes.Equal(got, []byte{0, 0}) {
		t.Errorf("BE16(0) = %v", got)
	}
	if got := BE16(65535); !bytes.Equal(got, []byte{0xff, 0xff}) {
		t.Errorf("BE16(65535) = %v", got)
	}
}

func TestPackIPv4(t *testing.T) {
	b, err := PackIPv4("10.20.30.40")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, []byte{10, 20, 30, 40}) {
		t.Errorf("PackIPv4 = %v", b)
	}
	// pack then render must survive IsIPv4
	if !IsIPv4(net.IP(b).String()) {
		t.Error("packed address does not render back to IPv4")
	}
	if _, err := PackIPv4("::1"); err != ErrInvalidAddress {
		t.Errorf("PackIPv4(::1) err = %v", err)
	}
}

func TestPackIPv6(t *testing.T) {
	b, err := PackIPv6("[2001:db8::1]")
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != net.IPv6len {
		t.Fatalf("PackIPv6 length = %d", len(b))
	}
	if net.IP(b).String() != "2001:db8::1" {
		t.Errorf("PackIPv6 round-trip = %s", net.IP(b).String())
	}
	if _, err := PackIPv6("1.2.3.4"); err != ErrInvalidAddress {
		t.Errorf("PackIPv6(1.2.3.4) err = %v", err)
	}
}
