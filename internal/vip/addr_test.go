package vip

import "testing"

func TestParseRoundTrip(t *testing.T) {
	a, err := Parse("10.0.0.1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := String(a); got != "10.0.0.1" {
		t.Errorf("String(Parse(x)) = %q, want %q", got, "10.0.0.1")
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{"", "not-an-ip", "::1", "300.1.1.1"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", c)
		}
	}
}

func TestIsAny(t *testing.T) {
	if !IsAny(Zero) {
		t.Error("IsAny(Zero) = false, want true")
	}
	a, _ := Parse("1.2.3.4")
	if IsAny(a) {
		t.Error("IsAny(1.2.3.4) = true, want false")
	}
}

func TestUint32RoundTrip(t *testing.T) {
	a, _ := Parse("192.168.1.1")
	v := ToUint32(a)
	back := FromUint32(v)
	if back != a {
		t.Errorf("FromUint32(ToUint32(a)) = %v, want %v", back, a)
	}
}
