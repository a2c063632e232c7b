package stshare

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestParseAddressHeaderIPv4(t *testing.T) {
	// 127.0.0.1:80
	p := []byte{1, 127, 0, 0, 1, 0, 80}
	addr, extra, err := ParseAddressHeader(p)
	if err != nil {
		t.Fatal(err)
	}
	if addr.Host != "127.0.0.1" || addr.Port != 80 {
		t.Errorf("got %s, want 127.0.0.1:80", addr)
	}
	if extra != nil {
		t.Errorf("unexpected extra bytes: %x", extra)
	}
}

func TestParseAddressHeaderDomainWithInlineData(t *testing.T) {
	p := []byte{3, 11}
	p = append(p, "example.com"...)
	p = append(p, 0, 80)
	p = append(p, "GET / HTTP/1.0\r\n\r\n"...)

	addr, extra, err := ParseAddressHeader(p)
	if err != nil {
		t.Fatal(err)
	}
	if addr.Host != "example.com" || addr.Port != 80 {
		t.Errorf("got %s, want example.com:80", addr)
	}
	if string(extra) != "GET / HTTP/1.0\r\n\r\n" {
		t.Errorf("extra = %q", extra)
	}
}

func TestParseAddressHeaderIPv6Canonical(t *testing.T) {
	ip := net.ParseIP("2001:db8:0:0:0:0:2:1")
	p := []byte{4}
	p = append(p, ip.To16()...)
	p = append(p, 0x01, 0xbb)

	addr, _, err := ParseAddressHeader(p)
	if err != nil {
		t.Fatal(err)
	}
	// must be the RFC 5952 compressed form
	if addr.Host != "2001:db8::2:1" {
		t.Errorf("got host %q, want 2001:db8::2:1", addr.Host)
	}
	if addr.Port != 443 {
		t.Errorf("got port %d, want 443", addr.Port)
	}
	if addr.String() != "[2001:db8::2:1]:443" {
		t.Errorf("String() = %q", addr.String())
	}
}

func TestParseAddressHeaderRejectsBadInput(t *testing.T) {
	cases := [][]byte{
		nil,                    // empty
		{5, 1, 2, 3, 4, 0, 80}, // unknown ATYP
		{1, 127, 0, 0, 1, 0},   // IPv4 one byte short
		{3},                    // domain with no length byte
		{3, 5, 'a', 'b', 0, 80},      // domain shorter than declared
		{4, 1, 2, 3, 4, 5, 6, 0, 80}, // IPv6 too short
	}
	for i, p := range cases {
		if _, _, err := ParseAddressHeader(p); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("case %d: expected ErrInvalidAddress, got %v", i, err)
		}
	}
}

func TestEncodeAddressHeaderRoundTrip(t *testing.T) {
	cases := []*TargetAddr{
		{Host: "127.0.0.1", Port: 80},
		{Host: "example.com", Port: 8080},
		{Host: "2001:db8::2:1", Port: 443},
	}
	for _, want := range cases {
		raw, err := EncodeAddressHeader(want)
		if err != nil {
			t.Fatal(err)
		}
		got, extra, err := ParseAddressHeader(raw)
		if err != nil {
			t.Fatal(err)
		}
		if got.Host != want.Host || got.Port != want.Port || extra != nil {
			t.Errorf("round trip of %s gave %s (extra %x)", want, got, extra)
		}
	}
}

func TestEncodeAddressHeaderIPv4Form(t *testing.T) {
	raw, err := EncodeAddressHeader(&TargetAddr{Host: "10.1.2.3", Port: 256})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, []byte{1, 10, 1, 2, 3, 1, 0}) {
		t.Errorf("unexpected wire form: %x", raw)
	}
}
