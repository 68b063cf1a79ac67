package atel

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// internetProbeAddr is a well-known public resolver used to distinguish
// "no internet" from "collector down".
const internetProbeAddr = "8.8.8.8:53"

// ConnectivityReport is the result of a pre-flight reachability check.
type ConnectivityReport struct {
	// Internet reports whether a public address accepted a TCP connection.
	Internet bool
	// Collector reports whether the configured default endpoint accepted a
	// TCP connection on its probe port.
	Collector bool
}

// CheckConnectivity probes general internet reachability and the
// configured default endpoint. The check is advisory; a false result does
// not prevent initialization, since the export pipeline retries in the
// background. Each probe gets half of timeout.
func CheckConnectivity(cfg *Configuration, timeout time.Duration) (ConnectivityReport, error) {
	if cfg == nil || cfg.defaultEndpoint == nil {
		return ConnectivityReport{}, fmt.Errorf("%w: connectivity check requires a default endpoint", ErrMissingEndpoint)
	}
	return ConnectivityReport{
		Internet:  dialable(internetProbeAddr, timeout/2),
		Collector: dialable(probeAddr(cfg.defaultEndpoint), timeout/2),
	}, nil
}

// reportConnectivity runs the pre-flight probe before network exporters
// are constructed and surfaces failures on the diagnostic channel.
func reportConnectivity(rc *resolvedConfig, timeout time.Duration) {
	if rc.defaultEndpoint == nil {
		return
	}
	if !dialable(internetProbeAddr, timeout/2) {
		diagnostics().Warn("internet reachability probe failed",
			zap.String("probe", internetProbeAddr))
	}
	addr := probeAddr(rc.defaultEndpoint)
	if !dialable(addr, timeout/2) {
		diagnostics().Warn("collector endpoint unreachable, export will retry in background",
			zap.String("endpoint", addr))
	}
}

func probeAddr(ep *EndpointSpec) string {
	return net.JoinHostPort(ep.Host, strconv.Itoa(ep.probePort))
}

func dialable(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
