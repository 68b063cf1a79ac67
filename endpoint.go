package atel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Protocol is the transport used to reach a collector endpoint. It is
// inferred from the endpoint URL scheme.
type Protocol string

const (
	ProtocolGRPC  Protocol = "grpc"
	ProtocolGRPCS Protocol = "grpcs"
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// IsGRPC reports whether the protocol uses the gRPC transport.
func (p Protocol) IsGRPC() bool {
	return p == ProtocolGRPC || p == ProtocolGRPCS
}

// EndpointSpec is a parsed, validated collector endpoint.
//
// The probe port is the port used by the pre-flight reachability check:
// the explicit port when one is given, otherwise 80 for http and 443 for
// everything else.
type EndpointSpec struct {
	URL      string
	Protocol Protocol
	Host     string
	Port     int // 0 when the URL carries no explicit port
	Path     string
	TLS      bool

	probePort int
}

// Accepted endpoint grammar: <scheme>://<IPv4|domain>[:port][/path].
// IPv4 octet range checks happen after the match; RE2 has no lookahead.
var (
	endpointPattern = regexp.MustCompile(
		`^(https?://|grpcs?://)` +
			`((?:\d{1,3}\.){3}\d{1,3}|[a-zA-Z0-9]+(?:-[a-zA-Z0-9]+)*(?:\.[a-zA-Z0-9]+(?:-[a-zA-Z0-9]+)*)*)` +
			`(?::(\d{1,5}))?` +
			`(/.*)?$`)
	ipv4Pattern = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)
)

// parseEndpoint validates raw against the endpoint grammar and returns the
// parsed spec. The protocol is taken from the URL scheme.
func parseEndpoint(raw string) (*EndpointSpec, error) {
	trimmed := strings.TrimSpace(raw)
	if scheme, _, found := strings.Cut(trimmed, "://"); found {
		switch Protocol(scheme) {
		case ProtocolGRPC, ProtocolGRPCS, ProtocolHTTP, ProtocolHTTPS:
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, scheme)
		}
	}
	m := endpointPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
	}

	spec := &EndpointSpec{
		Protocol: Protocol(strings.TrimSuffix(m[1], "://")),
		Host:     m[2],
		Path:     m[4],
	}
	spec.TLS = strings.HasSuffix(string(spec.Protocol), "s")

	if ipv4Pattern.MatchString(spec.Host) {
		if err := validateIPv4(spec.Host); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
		}
	}

	if m[3] != "" {
		port, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
		}
		// Well-known HTTP(S) ports or the unprivileged range.
		if port != 80 && port != 443 && (port < 1024 || port > 65535) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
		}
		spec.Port = port
		spec.probePort = port
	} else if spec.Protocol == ProtocolHTTP {
		spec.probePort = 80
	} else {
		spec.probePort = 443
	}

	spec.URL = spec.buildURL()
	return spec, nil
}

func validateIPv4(host string) error {
	quads := strings.Split(host, ".")
	if len(quads) != 4 {
		return ErrInvalidEndpoint
	}
	vals := make([]int, 4)
	for i, q := range quads {
		v, err := strconv.Atoi(q)
		if err != nil || v > 255 {
			return ErrInvalidEndpoint
		}
		vals[i] = v
	}
	if vals[0] == 0 || vals[0] == 255 || vals[3] == 0 || vals[3] == 255 {
		return ErrInvalidEndpoint
	}
	return nil
}

func (e *EndpointSpec) buildURL() string {
	url := fmt.Sprintf("%s://%s", e.Protocol, e.Host)
	if e.Port != 0 {
		url += fmt.Sprintf(":%d", e.Port)
	}
	return url + e.Path
}

// withSignalPath returns a copy of the spec with the OTLP path suffix for
// the given signal appended, when it is not already present. The suffix
// only applies to HTTP transports; gRPC endpoints address services by
// method, not path.
func (e *EndpointSpec) withSignalPath(signal SignalKind) *EndpointSpec {
	out := *e
	if e.Protocol.IsGRPC() {
		return &out
	}
	suffix := "v1/" + string(signal)
	if strings.HasSuffix(out.Path, suffix) {
		return &out
	}
	if out.Path == "" || !strings.HasSuffix(out.Path, "/") {
		out.Path += "/"
	}
	out.Path += suffix
	out.URL = out.buildURL()
	return &out
}

// hostPort returns the endpoint in host:port form for exporter options.
// When no explicit port is configured, the probe port doubles as the
// transport default.
func (e *EndpointSpec) hostPort() string {
	port := e.Port
	if port == 0 {
		port = e.probePort
	}
	return fmt.Sprintf("%s:%d", e.Host, port)
}
