package types

import (
	"fmt"
	"net"
	"strconv"
)

// HostPort is a replica set member address in host:port form. Unlike netip.AddrPort the host may be a DNS name,
// which is how replica set members usually identify themselves.
type HostPort struct {
	Host string
	Port int
}

// ParseHostPort parses a "host:port" string into a HostPort.
func ParseHostPort(hostPortStr string) (HostPort, error) {
	host, portStr, err := net.SplitHostPort(hostPortStr)
	if err != nil {
		return HostPort{}, err
	}

	if host == "" {
		return HostPort{}, fmt.Errorf("Missing host in address %q", hostPortStr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return HostPort{}, fmt.Errorf("Invalid port in address %q", hostPortStr)
	}

	return HostPort{Host: host, Port: port}, nil
}

// String returns the address in host:port form.
func (h HostPort) String() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}
