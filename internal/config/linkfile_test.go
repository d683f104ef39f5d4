package config

import (
	"strings"
	"testing"
)

func TestParseBasic(t *testing.T) {
	input := `10.0.0.1 5000
10.0.0.2 5001 192.168.0.1 192.168.0.2
10.0.0.3 5002 192.168.0.1 192.168.0.3
`
	host, links, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if host.IP.String() != "10.0.0.1" || host.Port != 5000 {
		t.Errorf("host = %+v", host)
	}
	if len(links) != 2 {
		t.Fatalf("len(links) = %d, want 2", len(links))
	}
	if links[0].RemotePort != 5001 {
		t.Errorf("links[0].RemotePort = %d, want 5001", links[0].RemotePort)
	}
}

func TestParseSkipsCommentsAndBlankLines(t *testing.T) {
	input := "# a comment\n\n10.0.0.1 5000\n\n# another\n10.0.0.2 5001 1.1.1.1 1.1.1.2\n"
	host, links, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if host.Port != 5000 || len(links) != 1 {
		t.Errorf("host=%+v links=%+v", host, links)
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"empty file":        "",
		"missing port":      "10.0.0.1\n",
		"malformed port":    "10.0.0.1 notaport\n",
		"malformed host ip": "not-an-ip 5000\n",
		"missing local vip": "10.0.0.1 5000\n10.0.0.2 5001\n",
	}
	for name, input := range cases {
		if _, _, err := Parse(strings.NewReader(input)); err == nil {
			t.Errorf("%s: Parse succeeded, want error", name)
		}
	}
}

func TestParseErrorReportsLineNumber(t *testing.T) {
	input := "10.0.0.1 5000\n10.0.0.2 notaport 1.1.1.1 1.1.1.2\n"
	_, _, err := Parse(strings.NewReader(input))
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("err = %v (%T), want *ParseError", err, err)
	}
	if pe.Line != 2 {
		t.Errorf("ParseError.Line = %d, want 2", pe.Line)
	}
}
