package iphdr

import (
	"bytes"
	"testing"

	"go.vnet.dev/vnet/internal/vip"
)

func mustAddr(t *testing.T, s string) vip.Addr {
	t.Helper()
	a, err := vip.Parse(s)
	if err != nil {
		t.Fatalf("vip.Parse(%q): %v", s, err)
	}
	return a
}

func TestIPv4EncodeDecodeRoundTrip(t *testing.T) {
	src := mustAddr(t, "10.0.0.1")
	dst := mustAddr(t, "10.0.0.2")
	payload := []byte("hello world")

	datagram := EncodeIPv4(IPv4Header{TTL: DefaultTTL, Protocol: ProtoTest, Src: src, Dst: dst}, payload)

	h, got, err := DecodeIPv4(datagram)
	if err != nil {
		t.Fatalf("DecodeIPv4: %v", err)
	}
	if h.TTL != DefaultTTL || h.Protocol != ProtoTest || h.Src != src || h.Dst != dst {
		t.Errorf("decoded header = %+v", h)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("decoded payload = %q, want %q", got, payload)
	}
}

func TestIPv4BadChecksum(t *testing.T) {
	src := mustAddr(t, "10.0.0.1")
	dst := mustAddr(t, "10.0.0.2")
	datagram := EncodeIPv4(IPv4Header{TTL: DefaultTTL, Protocol: ProtoTest, Src: src, Dst: dst}, []byte("x"))
	datagram[1] ^= 0xff // corrupt a header byte covered by the checksum

	_, _, err := DecodeIPv4(datagram)
	if _, ok := err.(*BadChecksumError); !ok {
		t.Fatalf("DecodeIPv4 on corrupted datagram: err = %v, want *BadChecksumError", err)
	}
}

func TestIPv4TooShort(t *testing.T) {
	if _, _, err := DecodeIPv4([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeIPv4 on short buffer succeeded, want error")
	}
}
