// Package config ingests the line-oriented link file described in
// spec.md §6 into a host endpoint and a list of link definitions. Parsing
// itself is in scope; the spec treats only the surrounding file-discovery
// mechanism as an external collaborator.
package config

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"go.vnet.dev/vnet/internal/vip"
)

// HostEndpoint is the UDP address this node's links are reachable on.
type HostEndpoint struct {
	IP   net.IP
	Port uint16
}

// LinkDefinition is the immutable identity of one point-to-point link, plus
// its mutable up/down toggle (spec.md §3).
type LinkDefinition struct {
	LocalVIP   vip.Addr
	RemoteVIP  vip.Addr
	RemoteIP   net.IP
	RemotePort uint16
	Up         bool
}

// ParseError reports a malformed link-file line, annotated with the line
// number so a user can find it.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return errors.Wrapf(e.Err, "link file line %d", e.Line).Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	errNoIP          = errors.New("missing datagram IP")
	errNoPort        = errors.New("missing datagram port")
	errNoLocalVIP    = errors.New("missing local virtual IP")
	errNoRemoteVIP   = errors.New("missing remote virtual IP")
	errMalformedPort = errors.New("malformed port")
	errMalformedIP   = errors.New("malformed IP address")
)

// Parse reads a full link file: the first non-blank line is the host's own
// UDP endpoint, and every line after it describes one link.
func Parse(r io.Reader) (HostEndpoint, []LinkDefinition, error) {
	scanner := bufio.NewScanner(r)
	lineNo := 0

	var host HostEndpoint
	var links []LinkDefinition
	sawHost := false

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !sawHost {
			h, err := parseHostLine(line)
			if err != nil {
				return HostEndpoint{}, nil, &ParseError{Line: lineNo, Err: err}
			}
			host = h
			sawHost = true
			continue
		}

		ld, err := parseLinkLine(line)
		if err != nil {
			return HostEndpoint{}, nil, &ParseError{Line: lineNo, Err: err}
		}
		links = append(links, ld)
	}
	if err := scanner.Err(); err != nil {
		return HostEndpoint{}, nil, errors.Wrap(err, "reading link file")
	}
	if !sawHost {
		return HostEndpoint{}, nil, &ParseError{Line: lineNo, Err: errNoIP}
	}
	return host, links, nil
}

func parseHostLine(line string) (HostEndpoint, error) {
	fields := strings.Fields(line)
	if len(fields) < 1 {
		return HostEndpoint{}, errNoIP
	}
	ip := net.ParseIP(fields[0])
	if ip == nil {
		return HostEndpoint{}, errMalformedIP
	}
	if len(fields) < 2 {
		return HostEndpoint{}, errNoPort
	}
	port, err := parsePort(fields[1])
	if err != nil {
		return HostEndpoint{}, err
	}
	return HostEndpoint{IP: ip, Port: port}, nil
}

func parseLinkLine(line string) (LinkDefinition, error) {
	fields := strings.Fields(line)

	if len(fields) < 1 {
		return LinkDefinition{}, errNoIP
	}
	remoteIP := net.ParseIP(fields[0])
	if remoteIP == nil {
		return LinkDefinition{}, errMalformedIP
	}

	if len(fields) < 2 {
		return LinkDefinition{}, errNoPort
	}
	remotePort, err := parsePort(fields[1])
	if err != nil {
		return LinkDefinition{}, err
	}

	if len(fields) < 3 {
		return LinkDefinition{}, errNoLocalVIP
	}
	localVIP, err := vip.Parse(fields[2])
	if err != nil {
		return LinkDefinition{}, errMalformedIP
	}

	if len(fields) < 4 {
		return LinkDefinition{}, errNoRemoteVIP
	}
	remoteVIP, err := vip.Parse(fields[3])
	if err != nil {
		return LinkDefinition{}, errMalformedIP
	}

	return LinkDefinition{
		LocalVIP:   localVIP,
		RemoteVIP:  remoteVIP,
		RemoteIP:   remoteIP,
		RemotePort: remotePort,
		Up:         true,
	}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errMalformedPort
	}
	return uint16(n), nil
}
